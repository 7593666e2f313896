package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/docqueue/internal/events"
)

// stuckResetMessage is recorded on tasks returned to pending by the reaper
const stuckResetMessage = "reset after being stuck in running state"

// Reaper finds tasks left in running state by a worker that died mid-task
// and resubmits them. The processor heartbeats every running task, so
// StuckTaskAge must exceed twice the processor's heartbeat interval.
//
// It also re-offers pending tasks that have not changed for StuckTaskAge,
// which covers records whose hand-back to the queue failed. A re-offered
// task that was in fact still queued is delivered twice; the processor's
// status compare-and-set lets only one delivery run it.
type Reaper struct {
	store        TaskStore
	queue        Queue
	emitter      events.EventEmitter
	stuckTaskAge time.Duration
	logger       *slog.Logger
}

// NewReaper creates a Reaper. A nil emitter discards lifecycle events.
func NewReaper(store TaskStore, queue Queue, stuckTaskAge time.Duration, emitter events.EventEmitter, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Reaper{
		store:        store,
		queue:        queue,
		emitter:      emitter,
		stuckTaskAge: stuckTaskAge,
		logger:       logger.With("component", "task_reaper"),
	}
}

// Sweep resets every stuck task, re-offers stranded pending tasks and
// returns how many were put back on a queue. Running tasks whose last
// attempt was their final one are failed instead.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	recovered, err := r.sweepRunning(ctx)
	if err != nil {
		return recovered, err
	}

	requeued, err := r.sweepPending(ctx)
	return recovered + requeued, err
}

func (r *Reaper) sweepRunning(ctx context.Context) (int, error) {
	stuckTasks, err := r.store.GetStaleTasks(ctx, TaskStatusRunning, r.stuckTaskAge)
	if err != nil {
		return 0, fmt.Errorf("failed to check for stuck tasks: %w", err)
	}
	if len(stuckTasks) == 0 {
		return 0, nil
	}

	r.logger.Info("found stuck tasks", "count", len(stuckTasks))

	recovered := 0
	for _, stuck := range stuckTasks {
		logger := r.logger.With("task_id", stuck.ID, "task_type", stuck.Type, "queue", stuck.Queue)

		next := stuck.Clone()
		if stuck.AttemptsExhausted() {
			next.Status = TaskStatusFailed
			next.ErrorMessage = "worker lost during final attempt"
			next.CompletedAt = time.Now().UTC()
		} else {
			next.Status = TaskStatusPending
			next.ErrorMessage = stuckResetMessage
		}

		if err := r.store.TransitionTask(ctx, next, TaskStatusRunning); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				// Finished between the listing and the reset
				continue
			}
			logger.Error("failed to reset stuck task status", "error", err)
			continue
		}
		r.emit(ctx, next)

		if next.Status == TaskStatusFailed {
			logger.Warn("stuck task had no attempts left, marked failed")
			continue
		}

		if err := r.requeue(ctx, logger, next); err != nil {
			// Left pending; the next pending sweep offers it again
			logger.Error("failed to requeue stuck task", "error", err)
			continue
		}
		recovered++
		logger.Info("requeued stuck task")
	}

	return recovered, nil
}

// sweepPending re-offers pending tasks that have not changed for the stuck
// age and marks them fresh so each is offered at most once per period.
func (r *Reaper) sweepPending(ctx context.Context) (int, error) {
	stranded, err := r.store.GetStaleTasks(ctx, TaskStatusPending, r.stuckTaskAge)
	if err != nil {
		return 0, fmt.Errorf("failed to check for stranded tasks: %w", err)
	}

	requeued := 0
	for _, rec := range stranded {
		logger := r.logger.With("task_id", rec.ID, "task_type", rec.Type, "queue", rec.Queue)

		if err := r.requeue(ctx, logger, rec); err != nil {
			logger.Error("failed to requeue stranded task", "error", err)
			continue
		}
		if err := r.store.TouchTask(ctx, rec.ID, TaskStatusPending); err != nil {
			logger.Warn("failed to refresh requeued task", "error", err)
		}
		requeued++
		logger.Info("requeued stranded pending task")
	}

	return requeued, nil
}

func (r *Reaper) requeue(ctx context.Context, logger *slog.Logger, rec *Record) error {
	return enqueueWithRetry(ctx, r.queue, rec, 0, defaultRequeueAttempts, defaultRequeueBackoff, logger)
}

func (r *Reaper) emit(ctx context.Context, rec *Record) {
	event := events.NewStatusChangedEvent(rec.ID, rec.Type, rec.Queue,
		string(TaskStatusRunning), string(rec.Status), rec.AttemptCount)
	event.Error = rec.ErrorMessage
	if err := r.emitter.EmitEvent(ctx, event); err != nil {
		r.logger.Warn("failed to emit status event", "task_id", rec.ID, "error", err)
	}
}
