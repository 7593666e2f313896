package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/docqueue/internal/events"
	"go.uber.org/atomic"
)

// Job is the view of a task handed to a Handler.
type Job struct {
	ID          uuid.UUID
	Type        string
	Queue       string
	Payload     json.RawMessage
	Attempt     int
	MaxAttempts int

	progress func(pct int)
}

// ReportProgress records advisory progress (clamped to 0-100).
func (j *Job) ReportProgress(pct int) {
	if j.progress == nil {
		return
	}
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	j.progress(pct)
}

// Handler executes one task. A nil return completes the task; an error
// schedules a retry unless attempts are exhausted or the error is Permanent.
type Handler func(ctx context.Context, job *Job) error

// OutcomeKind classifies what Process did with a record
type OutcomeKind string

// Outcome kinds
const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeRetrying  OutcomeKind = "retrying"
	OutcomeFailed    OutcomeKind = "failed"
	// OutcomeSkipped means the record was not executed: it was cancelled,
	// already terminal, or held by another worker.
	OutcomeSkipped OutcomeKind = "skipped"
	// OutcomeDeferred means processing was stopped and the record was
	// returned to its queue untouched.
	OutcomeDeferred OutcomeKind = "deferred"
)

// Outcome is the result of processing one record
type Outcome struct {
	Kind    OutcomeKind
	Status  TaskStatus
	Attempt int
	RetryIn time.Duration
	Err     error
}

// ProcessorConfig holds retry settings for the processor
type ProcessorConfig struct {
	// RetryBackoff is the delay curve before a failed task becomes visible again
	RetryBackoff BackoffPolicy

	// RequeueAttempts bounds how often a failed re-enqueue is retried before
	// the task is marked failed. If zero, defaults to 3.
	RequeueAttempts int

	// RequeueBackoff is the base delay between re-enqueue attempts.
	// If zero, defaults to 100ms.
	RequeueBackoff time.Duration

	// HeartbeatInterval is how often a running task's update time is
	// refreshed while its handler executes. It must stay well below the
	// reaper's stuck task age. If zero, defaults to 30 seconds.
	HeartbeatInterval time.Duration
}

// DefaultHeartbeatInterval is used when ProcessorConfig leaves it unset
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultProcessorConfig returns a ProcessorConfig with reasonable defaults
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		RetryBackoff:      DefaultRetryBackoff,
		RequeueAttempts:   defaultRequeueAttempts,
		RequeueBackoff:    defaultRequeueBackoff,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// Processor maps task types to handlers, executes one record at a time per
// caller and applies the retry policy. It is safe for concurrent use by all
// workers of a pool.
type Processor struct {
	store   TaskStore
	queue   Queue
	emitter events.EventEmitter
	config  ProcessorConfig
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	stopped *atomic.Bool
	now     func() time.Time
}

// NewProcessor creates a Processor. A nil emitter discards lifecycle events.
func NewProcessor(
	store TaskStore,
	queue Queue,
	config ProcessorConfig,
	emitter events.EventEmitter,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	if config.RetryBackoff.Base <= 0 {
		config.RetryBackoff = DefaultRetryBackoff
	}
	if config.RequeueAttempts <= 0 {
		config.RequeueAttempts = defaultRequeueAttempts
	}
	if config.RequeueBackoff <= 0 {
		config.RequeueBackoff = defaultRequeueBackoff
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}

	return &Processor{
		store:    store,
		queue:    queue,
		emitter:  emitter,
		config:   config,
		logger:   logger.With("component", "task_processor"),
		handlers: make(map[string]Handler),
		stopped:  atomic.NewBool(false),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register binds a handler to a task type. Registration is expected to
// finish before the pool starts; later lookups only read the registry.
func (p *Processor) Register(taskType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = handler
	p.logger.Debug("registered task handler", "task_type", taskType)
}

// Types lists the registered task types in sorted order
func (p *Processor) Types() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

func (p *Processor) handler(taskType string) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[taskType]
	return h, ok && h != nil
}

// StopProcessing stops accepting new tasks. A handler that is already
// running is not interrupted.
func (p *Processor) StopProcessing() {
	if p.stopped.CompareAndSwap(false, true) {
		p.logger.Info("task processing stopped")
	}
}

// Stopped reports whether StopProcessing has been called
func (p *Processor) Stopped() bool {
	return p.stopped.Load()
}

// Process executes one dequeued record and persists the resulting state.
// The returned error reports infrastructure faults (store or queue); task
// failures are reported through the Outcome.
func (p *Processor) Process(ctx context.Context, rec *Record) (Outcome, error) {
	logger := p.logger.With("task_id", rec.ID, "task_type", rec.Type, "queue", rec.Queue)

	if p.stopped.Load() {
		if err := p.requeue(ctx, logger, rec, 0); err != nil {
			return Outcome{Kind: OutcomeDeferred, Status: rec.Status}, fmt.Errorf("failed to return task to queue: %w", err)
		}
		logger.Debug("processing stopped, task returned to queue")
		return Outcome{Kind: OutcomeDeferred, Status: rec.Status, Attempt: rec.AttemptCount}, nil
	}

	current, err := p.store.GetTask(ctx, rec.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load task: %w", err)
	}
	if current.Queue == "" {
		current.Queue = rec.Queue
	}

	if current.Status != TaskStatusPending {
		logger.Info("skipping task that is not pending", "status", current.Status)
		return Outcome{Kind: OutcomeSkipped, Status: current.Status, Attempt: current.AttemptCount}, nil
	}

	handler, ok := p.handler(current.Type)
	if !ok {
		return p.fail(ctx, logger, current, TaskStatusPending, &UnknownTaskTypeError{Type: current.Type}, 0)
	}

	started := p.now()
	running := current.Clone()
	running.Status = TaskStatusRunning
	running.StartedAt = started
	running.CompletedAt = time.Time{}
	running.Progress = 0
	running.AttemptCount++

	if err := p.transition(ctx, running, TaskStatusPending, 0); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			logger.Info("task claimed or cancelled concurrently, skipping")
			return Outcome{Kind: OutcomeSkipped, Status: current.Status, Attempt: current.AttemptCount}, nil
		}
		return Outcome{}, fmt.Errorf("failed to mark task running: %w", err)
	}

	logger.Info("processing task", "attempt", running.AttemptCount, "max_attempts", running.MaxAttempts)

	execErr := p.execute(ctx, handler, running)
	duration := p.now().Sub(started)

	if execErr == nil {
		done := running.Clone()
		done.Status = TaskStatusCompleted
		done.Progress = 100
		done.ErrorMessage = ""
		done.CompletedAt = p.now()
		if err := p.transition(ctx, done, TaskStatusRunning, duration); err != nil {
			return Outcome{}, fmt.Errorf("failed to mark task completed: %w", err)
		}
		logger.Info("task completed successfully", "attempt", done.AttemptCount, "duration", duration)
		return Outcome{Kind: OutcomeCompleted, Status: TaskStatusCompleted, Attempt: done.AttemptCount}, nil
	}

	if IsPermanent(execErr) || running.AttemptsExhausted() {
		return p.fail(ctx, logger, running, TaskStatusRunning, execErr, duration)
	}
	return p.retry(ctx, logger, running, execErr, duration)
}

// execute runs the handler, converting a panic into an error.
func (p *Processor) execute(ctx context.Context, handler Handler, rec *Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	job := &Job{
		ID:          rec.ID,
		Type:        rec.Type,
		Queue:       rec.Queue,
		Payload:     rec.Payload,
		Attempt:     rec.AttemptCount,
		MaxAttempts: rec.MaxAttempts,
		progress: func(pct int) {
			if err := p.store.UpdateTaskProgress(ctx, rec.ID, pct); err != nil {
				p.logger.Warn("failed to record task progress", "task_id", rec.ID, "progress", pct, "error", err)
			}
		},
	}
	stopHeartbeat := p.heartbeat(ctx, rec)
	defer stopHeartbeat()

	return handler(ctx, job)
}

// heartbeat refreshes the running task's update time until the returned
// stop function is called, so the reaper never mistakes a silent but live
// handler for a lost one. stop waits for the last refresh to finish.
func (p *Processor) heartbeat(ctx context.Context, rec *Record) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		ticker := time.NewTicker(p.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := p.store.TouchTask(ctx, rec.ID, TaskStatusRunning); err != nil {
					p.logger.Warn("failed to refresh running task", "task_id", rec.ID, "error", err)
				}
			}
		}
	}()

	return func() {
		close(done)
		<-exited
	}
}

// requeue hands rec back to its queue, retrying transient queue failures
// with the configured requeue policy.
func (p *Processor) requeue(ctx context.Context, logger *slog.Logger, rec *Record, delay time.Duration) error {
	return enqueueWithRetry(ctx, p.queue, rec, delay, p.config.RequeueAttempts, p.config.RequeueBackoff, logger)
}

// retry moves the task back to pending and resubmits it to the tail of its
// queue after the backoff delay.
func (p *Processor) retry(
	ctx context.Context,
	logger *slog.Logger,
	rec *Record,
	cause error,
	duration time.Duration,
) (Outcome, error) {
	pending := rec.Clone()
	pending.Status = TaskStatusPending
	pending.ErrorMessage = cause.Error()

	if err := p.transition(ctx, pending, TaskStatusRunning, duration); err != nil {
		return Outcome{}, fmt.Errorf("failed to mark task pending for retry: %w", err)
	}

	delay := p.config.RetryBackoff.Delay(pending.AttemptCount)
	if requeueErr := p.requeue(ctx, logger, pending, delay); requeueErr != nil {
		logger.Error("giving up on resubmitting task", "error", requeueErr)
		return p.fail(ctx, logger, pending, TaskStatusPending,
			fmt.Errorf("resubmit after %q failed: %w", cause.Error(), requeueErr), 0)
	}

	logger.Warn("task failed, scheduled for retry",
		"error", cause,
		"attempt", pending.AttemptCount,
		"max_attempts", pending.MaxAttempts,
		"retry_in", delay)
	return Outcome{
		Kind:    OutcomeRetrying,
		Status:  TaskStatusPending,
		Attempt: pending.AttemptCount,
		RetryIn: delay,
		Err:     cause,
	}, nil
}

// fail records a terminal failure. It never re-enqueues.
func (p *Processor) fail(
	ctx context.Context,
	logger *slog.Logger,
	rec *Record,
	from TaskStatus,
	cause error,
	duration time.Duration,
) (Outcome, error) {
	failed := rec.Clone()
	failed.Status = TaskStatusFailed
	failed.ErrorMessage = cause.Error()
	failed.CompletedAt = p.now()

	if err := p.transition(ctx, failed, from, duration); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return Outcome{Kind: OutcomeSkipped, Status: rec.Status, Attempt: rec.AttemptCount}, nil
		}
		return Outcome{}, fmt.Errorf("failed to mark task failed: %w", err)
	}

	logger.Error("task failed permanently",
		"error", cause,
		"attempt", failed.AttemptCount,
		"max_attempts", failed.MaxAttempts)
	return Outcome{Kind: OutcomeFailed, Status: TaskStatusFailed, Attempt: failed.AttemptCount, Err: cause}, nil
}

// transition persists rec if the stored status is still from, then emits
// the lifecycle event.
func (p *Processor) transition(ctx context.Context, rec *Record, from TaskStatus, duration time.Duration) error {
	if err := p.store.TransitionTask(ctx, rec, from); err != nil {
		return err
	}

	event := events.NewStatusChangedEvent(rec.ID, rec.Type, rec.Queue, string(from), string(rec.Status), rec.AttemptCount)
	event.Error = rec.ErrorMessage
	event.Duration = duration
	if err := p.emitter.EmitEvent(ctx, event); err != nil {
		p.logger.Warn("failed to emit status event", "task_id", rec.ID, "to", rec.Status, "error", err)
	}
	return nil
}
