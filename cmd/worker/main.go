// Package main runs the document ingestion worker. It loads configuration,
// wires the task store, queue and handlers, starts the worker pool and
// serves health and metrics endpoints until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/phrazzld/docqueue/internal/config"
	"github.com/phrazzld/docqueue/internal/platform/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Printf("worker exited with error: %v", err)
		os.Exit(1)
	}
}

// run loads configuration, builds the application and blocks until ctx is
// cancelled and shutdown has finished.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	slog.Info("worker configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"queue_backend", cfg.Queue.Backend,
		"queue_name", cfg.Task.QueueName,
		"pool_size", cfg.Task.PoolSize,
		"database_configured", cfg.Database.URL != "")

	app, err := newApplication(ctx, cfg, l)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return app.Run(ctx)
}
