package task

import (
	"errors"
	"fmt"
)

// Common errors returned by the task subsystem
var (
	// ErrConnection indicates the queue backend could not be reached.
	ErrConnection = errors.New("queue backend unreachable")

	// ErrQueueClosed is returned when enqueueing onto a closed queue.
	ErrQueueClosed = errors.New("task queue is closed")

	// ErrAlreadyRunning is returned by Pool.Start while the pool is starting or running.
	ErrAlreadyRunning = errors.New("worker pool already running")

	// ErrPoolStopping is returned by Pool.Start while a shutdown is in progress.
	ErrPoolStopping = errors.New("worker pool is stopping")

	// ErrQueueUnavailable is returned by Pool.Start when the pre-flight health check fails.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrTaskNotFound is returned when no record exists for a task ID.
	ErrTaskNotFound = errors.New("task not found")

	// ErrStatusConflict is returned by Store.Transition when the stored
	// status no longer matches the expected previous status.
	ErrStatusConflict = errors.New("task status changed concurrently")

	// ErrNotCancellable is returned when cancelling a task that is no longer pending.
	ErrNotCancellable = errors.New("task cannot be cancelled")

	// ErrUnknownTaskType is matched by UnknownTaskTypeError via errors.Is.
	ErrUnknownTaskType = errors.New("UnknownTaskType")
)

// UnknownTaskTypeError reports a record whose type has no registered handler.
// It is a configuration error and is never retried.
type UnknownTaskTypeError struct {
	Type string
}

func (e *UnknownTaskTypeError) Error() string {
	return fmt.Sprintf("UnknownTaskType: no handler registered for %q", e.Type)
}

// Is lets errors.Is(err, ErrUnknownTaskType) match.
func (e *UnknownTaskTypeError) Is(target error) bool {
	return target == ErrUnknownTaskType
}

// permanentError marks a handler error as not worth retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the Processor fails the task without retrying.
// Returns nil when err is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
