package task

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskStore defines the interface for persisting task records.
// It is the source of truth for status queries; the queue only carries
// records between producers and workers.
type TaskStore interface {
	// SaveTask persists a new record
	SaveTask(ctx context.Context, rec *Record) error

	// GetTask loads a record by ID, returning ErrTaskNotFound if absent
	GetTask(ctx context.Context, id uuid.UUID) (*Record, error)

	// TransitionTask writes the mutable fields of rec (status, progress,
	// attempt count, error message, timestamps) only if the stored status is
	// still from. It returns ErrStatusConflict when another writer got there
	// first and ErrTaskNotFound when the record does not exist. On success
	// rec.UpdatedAt reflects the write.
	TransitionTask(ctx context.Context, rec *Record, from TaskStatus) error

	// UpdateTaskProgress records advisory progress for a running task.
	// Updates for tasks that are no longer running are ignored.
	UpdateTaskProgress(ctx context.Context, id uuid.UUID, progress int) error

	// TouchTask refreshes the update time of a task that is still in status.
	// Tasks in any other status are left untouched; ErrTaskNotFound is
	// returned when the record does not exist.
	TouchTask(ctx context.Context, id uuid.UUID, status TaskStatus) error

	// GetStaleTasks retrieves tasks with the given status whose last update
	// is older than olderThan. A zero olderThan returns all of them.
	GetStaleTasks(ctx context.Context, status TaskStatus, olderThan time.Duration) ([]*Record, error)
}
