package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/docqueue/internal/events"
)

// EnqueueRequest is what a producer submits
type EnqueueRequest struct {
	// Queue defaults to the client's default queue when empty
	Queue string `validate:"omitempty,max=128"`

	// Type selects the handler
	Type string `validate:"required,max=128"`

	// Payload is opaque to this package
	Payload json.RawMessage

	// MaxAttempts defaults to the client's default when zero
	MaxAttempts int `validate:"gte=0,lte=100"`
}

// StatusView is the producer-facing projection of a record
type StatusView struct {
	ID           uuid.UUID  `json:"id"`
	Queue        string     `json:"queue"`
	Type         string     `json:"type"`
	Status       TaskStatus `json:"status"`
	Progress     int        `json:"progress"`
	AttemptCount int        `json:"attempt_count"`
	MaxAttempts  int        `json:"max_attempts"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// ClientConfig holds producer defaults
type ClientConfig struct {
	DefaultQueue       string
	DefaultMaxAttempts int
}

// Client is the producer API: it persists new records, hands them to the
// queue and answers status queries. It never waits for task completion.
type Client struct {
	store     TaskStore
	queue     Queue
	emitter   events.EventEmitter
	config    ClientConfig
	validator *validator.Validate
	logger    *slog.Logger
}

// NewClient creates a producer client. A nil emitter discards lifecycle events.
func NewClient(store TaskStore, queue Queue, config ClientConfig, emitter events.EventEmitter, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if config.DefaultQueue == "" {
		config.DefaultQueue = DefaultQueueName
	}
	if config.DefaultMaxAttempts <= 0 {
		config.DefaultMaxAttempts = 3
	}
	return &Client{
		store:     store,
		queue:     queue,
		emitter:   emitter,
		config:    config,
		validator: validator.New(),
		logger:    logger.With("component", "task_client"),
	}
}

// Enqueue persists a pending record and submits it to its queue, returning
// the new task ID. If the queue rejects the record it is marked failed and
// the error wraps the queue error (ErrConnection when unreachable).
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (uuid.UUID, error) {
	if err := c.validator.Struct(req); err != nil {
		return uuid.Nil, fmt.Errorf("invalid enqueue request: %w", err)
	}

	queue := req.Queue
	if queue == "" {
		queue = c.config.DefaultQueue
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = c.config.DefaultMaxAttempts
	}

	rec := NewRecord(queue, req.Type, req.Payload, maxAttempts)
	if err := c.store.SaveTask(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("failed to save task: %w", err)
	}

	if err := c.queue.Enqueue(ctx, queue, rec, 0); err != nil {
		c.logger.Error("failed to enqueue task", "task_id", rec.ID, "queue", queue, "error", err)

		failed := rec.Clone()
		failed.Status = TaskStatusFailed
		failed.ErrorMessage = fmt.Sprintf("enqueue failed: %v", err)
		failed.CompletedAt = time.Now().UTC()
		if updateErr := c.store.TransitionTask(ctx, failed, TaskStatusPending); updateErr != nil {
			c.logger.Error("failed to mark unqueued task failed", "task_id", rec.ID, "error", updateErr)
		} else {
			c.emit(ctx, failed, TaskStatusPending)
		}
		return uuid.Nil, fmt.Errorf("failed to enqueue task: %w", err)
	}

	c.logger.Info("task enqueued", "task_id", rec.ID, "task_type", rec.Type, "queue", queue)
	return rec.ID, nil
}

// Status returns the current state of a task
func (c *Client) Status(ctx context.Context, id uuid.UUID) (*StatusView, error) {
	rec, err := c.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return newStatusView(rec), nil
}

// Cancel moves a pending task to cancelled. Running and terminal tasks
// return ErrNotCancellable.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) error {
	rec, err := c.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != TaskStatusPending {
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, rec.Status)
	}

	cancelled := rec.Clone()
	cancelled.Status = TaskStatusCancelled
	cancelled.CompletedAt = time.Now().UTC()
	if err := c.store.TransitionTask(ctx, cancelled, TaskStatusPending); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return fmt.Errorf("%w: %w", ErrNotCancellable, err)
		}
		return fmt.Errorf("failed to cancel task: %w", err)
	}

	c.emit(ctx, cancelled, TaskStatusPending)
	c.logger.Info("task cancelled", "task_id", id)
	return nil
}

func (c *Client) emit(ctx context.Context, rec *Record, from TaskStatus) {
	event := events.NewStatusChangedEvent(rec.ID, rec.Type, rec.Queue, string(from), string(rec.Status), rec.AttemptCount)
	event.Error = rec.ErrorMessage
	if err := c.emitter.EmitEvent(ctx, event); err != nil {
		c.logger.Warn("failed to emit status event", "task_id", rec.ID, "error", err)
	}
}

func newStatusView(rec *Record) *StatusView {
	view := &StatusView{
		ID:           rec.ID,
		Queue:        rec.Queue,
		Type:         rec.Type,
		Status:       rec.Status,
		Progress:     rec.Progress,
		AttemptCount: rec.AttemptCount,
		MaxAttempts:  rec.MaxAttempts,
		ErrorMessage: rec.ErrorMessage,
		CreatedAt:    rec.CreatedAt,
	}
	if !rec.StartedAt.IsZero() {
		started := rec.StartedAt
		view.StartedAt = &started
	}
	if !rec.CompletedAt.IsZero() {
		completed := rec.CompletedAt
		view.CompletedAt = &completed
	}
	return view
}
