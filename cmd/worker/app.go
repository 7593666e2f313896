package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/phrazzld/docqueue/internal/api"
	"github.com/phrazzld/docqueue/internal/config"
	"github.com/phrazzld/docqueue/internal/events"
	"github.com/phrazzld/docqueue/internal/ingest"
	"github.com/phrazzld/docqueue/internal/platform/metrics"
	"github.com/phrazzld/docqueue/internal/platform/postgres"
	redisqueue "github.com/phrazzld/docqueue/internal/platform/redis"
	"github.com/phrazzld/docqueue/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/afero"
)

// Delays between pool start attempts while the queue is unavailable
const (
	startRetryBase = time.Second
	startRetryMax  = 30 * time.Second
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	taskStore  task.TaskStore
	queue      task.Queue
	closeQueue func() error

	registry  *prometheus.Registry
	metrics   *metrics.Collector
	emitter   *events.InMemoryEventEmitter
	processor *task.Processor
	pool      *task.WorkerPool
	monitor   *task.Monitor
}

// newApplication creates a new application instance with all dependencies
// initialized. Nothing is started; see Run.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
	}

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	if err := app.setupQueue(); err != nil {
		app.cleanup()
		return nil, err
	}

	// Metrics and lifecycle events
	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics = metrics.NewCollector(app.registry)
	app.emitter = events.NewInMemoryEventEmitter(logger)
	app.emitter.RegisterHandler(app.metrics)

	app.processor = task.NewProcessor(app.taskStore, app.queue, task.ProcessorConfig{
		RetryBackoff:      task.BackoffPolicy{Base: cfg.Task.RetryBaseDelay, Max: cfg.Task.RetryMaxDelay},
		HeartbeatInterval: cfg.Task.HeartbeatInterval,
	}, app.emitter, logger)

	if err := app.registerHandlers(); err != nil {
		app.cleanup()
		return nil, err
	}

	app.pool = task.NewWorkerPool(app.queue, app.processor, task.WorkerPoolConfig{
		QueueName:           cfg.Task.QueueName,
		WorkerCount:         cfg.Task.PoolSize,
		DequeueTimeout:      cfg.Task.DequeueTimeout,
		ErrorBackoff:        task.BackoffPolicy{Base: cfg.Task.ErrorBackoff, Max: cfg.Task.ErrorBackoffMax},
		MaintenanceInterval: cfg.Task.StuckTaskCheckInterval,
	}, logger)
	app.pool.SetMetrics(app.metrics)
	app.pool.SetReaper(task.NewReaper(app.taskStore, app.queue, cfg.Task.StuckTaskAge, app.emitter, logger))

	app.monitor = task.NewMonitor(app.queue, cfg.Task.QueueName, app.pool)

	logger.Info("application initialized", "task_types", app.processor.Types())
	return app, nil
}

// setupStore opens Postgres when a database URL is configured and keeps
// task records in memory otherwise.
func (app *application) setupStore(ctx context.Context) error {
	if app.config.Database.URL == "" {
		app.logger.Warn("no database configured, task records are kept in memory and lost on exit")
		app.taskStore = task.NewMemoryTaskStore()
		return nil
	}

	db, err := postgres.Open(ctx, app.config.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to set up database: %w", err)
	}
	if err := postgres.Migrate(ctx, db, app.logger); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	app.db = db
	app.taskStore = postgres.NewPostgresTaskStore(db)
	app.logger.Info("database connection established")
	return nil
}

// setupQueue builds the configured queue backend. The Redis client connects
// lazily; reachability is checked when the pool starts.
func (app *application) setupQueue() error {
	switch app.config.Queue.Backend {
	case "redis":
		rc := app.config.Queue.Redis
		client := redisqueue.NewClient(redisqueue.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		q := redisqueue.NewQueue(client, rc.KeyPrefix, app.logger)
		app.queue = q
		app.closeQueue = q.Close
	case "memory":
		app.logger.Warn("using in-process queue, tasks are not shared with other processes")
		q := task.NewMemoryQueue(app.logger)
		app.queue = q
		app.closeQueue = func() error { q.Close(); return nil }
	default:
		return fmt.Errorf("unsupported queue backend %q", app.config.Queue.Backend)
	}
	return nil
}

// registerHandlers binds every task type this worker executes
func (app *application) registerHandlers() error {
	storage := afero.NewBasePathFs(afero.NewOsFs(), app.config.Storage.Root)
	sink := ingest.FileSink{Fs: storage, Dir: app.config.Storage.OutputDir}

	handler, err := ingest.NewHandler(storage, ingest.PlainTextParser{}, ingest.WindowChunker{}, nil, sink, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create ingest handler: %w", err)
	}
	handler.Register(app.processor)
	return nil
}

// router serves the health probes and the metrics endpoint
func (app *application) router() http.Handler {
	health := api.NewHealthHandler(app.monitor, app.logger)
	metricsHandler := promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{})
	return api.NewRouter(health, metricsHandler, app.logger)
}

// Run starts the worker pool and the HTTP server and blocks until ctx is
// cancelled. An unreachable queue does not stop the process: the server
// reports degraded readiness while the pool start is retried.
func (app *application) Run(ctx context.Context) error {
	// A failing listener must also end the start retries
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	supervisorDone := make(chan struct{})
	err := app.pool.Start(ctx, app.config.Task.PoolSize)
	switch {
	case err == nil:
		close(supervisorDone)
	case errors.Is(err, task.ErrQueueUnavailable):
		app.logger.Warn("starting in degraded mode, retrying worker pool start in the background", "error", err)
		go func() {
			defer close(supervisorDone)
			app.retryStart(ctx)
		}()
	default:
		app.cleanup()
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	serverErr := app.startHTTPServer(ctx, app.router())

	cancel()
	<-supervisorDone
	app.shutdown()
	return serverErr
}

// retryStart keeps starting the pool with capped exponential backoff until
// it succeeds or ctx is cancelled.
func (app *application) retryStart(ctx context.Context) {
	backoff := retry.WithCappedDuration(startRetryMax, retry.NewExponential(startRetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := app.pool.Start(ctx, app.config.Task.PoolSize)
		if errors.Is(err, task.ErrQueueUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && ctx.Err() == nil {
		app.logger.Error("giving up on worker pool start", "error", err)
	}
}

// shutdown stops processing, waits for in-flight tasks up to the configured
// timeout and releases resources.
func (app *application) shutdown() {
	app.processor.StopProcessing()

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Task.ShutdownTimeout)
	defer cancel()
	if err := app.pool.Shutdown(ctx); err != nil {
		app.logger.Error("worker pool did not stop in time, abandoning in-flight tasks",
			"timeout", app.config.Task.ShutdownTimeout,
			"error", err)
	}

	app.cleanup()
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.closeQueue != nil {
		if err := app.closeQueue(); err != nil {
			app.logger.Error("error closing queue", "error", err)
		}
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
