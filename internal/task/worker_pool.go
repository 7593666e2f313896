package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

// PoolState is a step of the pool lifecycle:
// stopped -> starting -> running -> stopping -> stopped.
type PoolState string

// Pool states
const (
	PoolStateStopped  PoolState = "stopped"
	PoolStateStarting PoolState = "starting"
	PoolStateRunning  PoolState = "running"
	PoolStateStopping PoolState = "stopping"
)

// PoolMetrics receives gauge updates from a running pool
type PoolMetrics interface {
	SetBusyWorkers(queue string, busy int)
	SetQueueDepth(queue string, depth int64)
}

// PoolStats is a read-only snapshot of the pool
type PoolStats struct {
	State     PoolState `json:"state"`
	Queue     string    `json:"queue"`
	Workers   int       `json:"workers"`
	Busy      int       `json:"busy"`
	LastDepth int64     `json:"last_depth"`
}

// WorkerPoolConfig holds configuration options for the worker pool
type WorkerPoolConfig struct {
	// QueueName is the channel the workers pull from
	QueueName string

	// WorkerCount is used when Start is called with a non-positive pool size.
	// If zero or negative, defaults to 1
	WorkerCount int

	// DequeueTimeout bounds each blocking pop and therefore how quickly a
	// worker notices a stop request. If zero, defaults to 2 seconds
	DequeueTimeout time.Duration

	// ErrorBackoff is the sleep curve after consecutive queue errors
	ErrorBackoff BackoffPolicy

	// MaintenanceInterval controls how often queue depth is sampled and
	// stuck tasks are swept. Zero disables the maintenance loop
	MaintenanceInterval time.Duration
}

// DefaultWorkerPoolConfig returns a WorkerPoolConfig with reasonable defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		QueueName:           DefaultQueueName,
		WorkerCount:         2,
		DequeueTimeout:      2 * time.Second,
		ErrorBackoff:        BackoffPolicy{Base: 500 * time.Millisecond, Max: 10 * time.Second},
		MaintenanceInterval: time.Minute,
	}
}

// WorkerPool runs a fixed number of worker goroutines that pull records
// from one queue channel and hand each to the Processor. Each worker
// executes one task at a time. Queue depth is not bounded here; admission
// control belongs to producers.
type WorkerPool struct {
	queue     Queue
	processor *Processor
	config    WorkerPoolConfig
	logger    *slog.Logger
	metrics   PoolMetrics
	reaper    *Reaper

	// mu guards the lifecycle fields below; cond signals state changes
	mu      sync.Mutex
	cond    *sync.Cond
	state   PoolState
	workers int
	stop    chan struct{}
	done    chan struct{}

	busy      *atomic.Int32
	lastDepth *atomic.Int64
}

// NewWorkerPool creates a stopped worker pool with the specified configuration
func NewWorkerPool(queue Queue, processor *Processor, config WorkerPoolConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultWorkerPoolConfig()

	// Apply defaults for invalid config values
	if config.WorkerCount <= 0 {
		logger.Warn("invalid worker count specified, using default",
			"specified_count", config.WorkerCount,
			"default_count", 1)
		config.WorkerCount = 1
	}
	if config.QueueName == "" {
		config.QueueName = defaults.QueueName
	}
	if config.DequeueTimeout <= 0 {
		config.DequeueTimeout = defaults.DequeueTimeout
	}
	if config.ErrorBackoff.Base <= 0 {
		config.ErrorBackoff = defaults.ErrorBackoff
	}

	p := &WorkerPool{
		queue:     queue,
		processor: processor,
		config:    config,
		logger:    logger.With("component", "worker_pool", "queue", config.QueueName),
		state:     PoolStateStopped,
		busy:      atomic.NewInt32(0),
		lastDepth: atomic.NewInt64(0),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetMetrics attaches a gauge sink. Call before Start.
func (p *WorkerPool) SetMetrics(m PoolMetrics) {
	p.metrics = m
}

// SetReaper enables stuck-task sweeps in the maintenance loop. Call before Start.
func (p *WorkerPool) SetReaper(r *Reaper) {
	p.reaper = r
}

// State returns the current lifecycle state
func (p *WorkerPool) State() PoolState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns a snapshot for health reporting
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	state, workers := p.state, p.workers
	p.mu.Unlock()

	return PoolStats{
		State:     state,
		Queue:     p.config.QueueName,
		Workers:   workers,
		Busy:      int(p.busy.Load()),
		LastDepth: p.lastDepth.Load(),
	}
}

// Start checks queue health and launches poolSize workers. A non-positive
// poolSize uses the configured WorkerCount. When the queue is unhealthy the
// pool stays stopped and the returned error wraps ErrQueueUnavailable; the
// caller is expected to keep serving in a degraded mode.
func (p *WorkerPool) Start(ctx context.Context, poolSize int) error {
	p.mu.Lock()
	switch p.state {
	case PoolStateStarting, PoolStateRunning:
		p.mu.Unlock()
		return ErrAlreadyRunning
	case PoolStateStopping:
		p.mu.Unlock()
		return ErrPoolStopping
	}
	p.state = PoolStateStarting
	p.mu.Unlock()

	health := CheckQueue(ctx, p.queue, p.config.QueueName)
	if health.Status != HealthStatusHealthy {
		p.logger.Error("queue unhealthy, worker pool not started", "error", health.Error)
		p.setState(PoolStateStopped)
		return fmt.Errorf("%w: %s", ErrQueueUnavailable, health.Error)
	}
	p.lastDepth.Store(health.Depth)
	p.reportDepth(health.Depth)

	if poolSize <= 0 {
		poolSize = p.config.WorkerCount
	}

	// Queue and store calls must survive a cancelled start context; workers
	// stop through the stop channel instead.
	base := context.WithoutCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	group := new(errgroup.Group)

	for i := 0; i < poolSize; i++ {
		id := i + 1
		group.Go(func() error {
			p.worker(base, id, stop)
			return nil
		})
	}
	if p.config.MaintenanceInterval > 0 {
		group.Go(func() error {
			p.maintain(base, stop)
			return nil
		})
	}

	go func() {
		_ = group.Wait()
		p.mu.Lock()
		p.state = PoolStateStopped
		p.workers = 0
		p.cond.Broadcast()
		p.mu.Unlock()
		close(done)
	}()

	p.mu.Lock()
	p.stop = stop
	p.done = done
	p.workers = poolSize
	p.state = PoolStateRunning
	p.cond.Broadcast()
	p.mu.Unlock()

	p.logger.Info("worker pool started", "worker_count", poolSize, "queue_depth", health.Depth)
	return nil
}

// Stop signals every worker to exit after its current cycle and waits for
// all of them. Tasks already executing run to completion. Calling Stop on a
// stopped pool is a no-op.
func (p *WorkerPool) Stop() {
	_ = p.Shutdown(context.Background())
}

// Shutdown is Stop bounded by ctx. If ctx ends first it returns ctx.Err()
// and the pool finishes stopping in the background.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	for p.state == PoolStateStarting {
		p.cond.Wait()
	}
	switch p.state {
	case PoolStateStopped:
		p.mu.Unlock()
		return nil
	case PoolStateRunning:
		p.state = PoolStateStopping
		close(p.stop)
		p.logger.Info("stopping worker pool", "busy_workers", p.busy.Load())
	}
	done := p.done
	p.mu.Unlock()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, tasks still running", "busy_workers", p.busy.Load())
		return ctx.Err()
	}
}

func (p *WorkerPool) setState(state PoolState) {
	p.mu.Lock()
	p.state = state
	p.cond.Broadcast()
	p.mu.Unlock()
}

// worker pulls and processes tasks until stop is closed
func (p *WorkerPool) worker(ctx context.Context, id int, stop <-chan struct{}) {
	logger := p.logger.With("worker_id", id)
	logger.Debug("starting worker")

	backoff := p.config.ErrorBackoff.newBackoff()
	failing := false

	for {
		select {
		case <-stop:
			logger.Debug("stopping worker")
			return
		default:
		}

		rec, err := p.queue.Dequeue(ctx, p.config.QueueName, p.config.DequeueTimeout)
		if err != nil {
			wait, _ := backoff.Next()
			failing = true
			logger.Error("failed to dequeue task", "error", err, "retry_in", wait)
			if !sleep(stop, wait) {
				logger.Debug("stopping worker")
				return
			}
			continue
		}
		if failing {
			backoff = p.config.ErrorBackoff.newBackoff()
			failing = false
		}
		if rec == nil {
			continue
		}

		select {
		case <-stop:
			// Stop arrived while this worker was blocked in Dequeue.
			p.handBack(ctx, logger, rec)
			logger.Debug("stopping worker")
			return
		default:
		}

		p.process(ctx, logger, rec)
	}
}

// process runs one record through the processor
func (p *WorkerPool) process(ctx context.Context, logger *slog.Logger, rec *Record) {
	p.reportBusy(p.busy.Inc())
	defer func() { p.reportBusy(p.busy.Dec()) }()

	outcome, err := p.processor.Process(ctx, rec)
	if err == nil {
		logger.Debug("task cycle finished", "task_id", rec.ID, "outcome", outcome.Kind)
		return
	}

	logger.Error("failed to process task", "task_id", rec.ID, "task_type", rec.Type, "error", err)
	if outcome.Kind != "" || errors.Is(err, ErrTaskNotFound) {
		return
	}

	// The record never reached a persisted transition; put it back so it
	// is not lost while the store is unavailable.
	if requeueErr := p.requeue(ctx, logger, rec, p.config.ErrorBackoff.Base); requeueErr != nil {
		logger.Error("failed to return task to queue", "task_id", rec.ID, "error", requeueErr)
	}
}

// handBack returns a dequeued but unprocessed record to its queue. If every
// attempt fails the record stays pending in the store, where the reaper's
// pending sweep finds it.
func (p *WorkerPool) handBack(ctx context.Context, logger *slog.Logger, rec *Record) {
	if err := p.requeue(ctx, logger, rec, 0); err != nil {
		logger.Error("failed to return task to queue on stop", "task_id", rec.ID, "error", err)
	}
}

// requeue puts rec back on the pool's queue with the processor's requeue policy
func (p *WorkerPool) requeue(ctx context.Context, logger *slog.Logger, rec *Record, delay time.Duration) error {
	cfg := p.processor.config
	return enqueueWithRetry(ctx, p.queue, rec, delay, cfg.RequeueAttempts, cfg.RequeueBackoff, logger)
}

// maintain samples queue depth and sweeps stuck tasks until stop is closed
func (p *WorkerPool) maintain(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(p.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			depth, err := p.queue.Depth(ctx, p.config.QueueName)
			if err != nil {
				p.logger.Warn("failed to sample queue depth", "error", err)
			} else {
				p.lastDepth.Store(depth)
				p.reportDepth(depth)
			}

			if p.reaper != nil {
				if _, err := p.reaper.Sweep(ctx); err != nil {
					p.logger.Error("failed to sweep stuck tasks", "error", err)
				}
			}
		}
	}
}

func (p *WorkerPool) reportBusy(busy int32) {
	if p.metrics != nil {
		p.metrics.SetBusyWorkers(p.config.QueueName, int(busy))
	}
}

func (p *WorkerPool) reportDepth(depth int64) {
	if p.metrics != nil {
		p.metrics.SetQueueDepth(p.config.QueueName, depth)
	}
}

// sleep waits for d and reports false if stop closed first
func sleep(stop <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}
