package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/docqueue/internal/platform/logger"
	"github.com/phrazzld/docqueue/internal/store"
	"github.com/phrazzld/docqueue/internal/task"
)

const taskColumns = `id, queue, type, payload, status, progress, attempt_count, max_attempts,
	error_message, created_at, started_at, completed_at, updated_at`

// PostgresTaskStore implements the task.TaskStore interface using PostgreSQL
type PostgresTaskStore struct {
	db  store.DBTX
	now func() time.Time
}

// NewPostgresTaskStore creates a new PostgresTaskStore
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SaveTask inserts a new task record
func (s *PostgresTaskStore) SaveTask(ctx context.Context, rec *task.Record) error {
	log := logger.FromContext(ctx)

	query := `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	now := s.now()
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Queue,
		rec.Type,
		nullPayload(rec.Payload),
		string(rec.Status),
		rec.Progress,
		rec.AttemptCount,
		rec.MaxAttempts,
		nullString(rec.ErrorMessage),
		rec.CreatedAt,
		nullTime(rec.StartedAt),
		nullTime(rec.CompletedAt),
		now,
	)
	if err != nil {
		log.Error("failed to save task",
			"task_id", rec.ID,
			"task_type", rec.Type,
			"error", err)
		return store.NewStoreError("task", "save", "insert failed", MapError(err))
	}

	rec.UpdatedAt = now
	return nil
}

// GetTask loads a task by ID
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*task.Record, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
		}
		logger.FromContext(ctx).Error("failed to get task", "task_id", id, "error", err)
		return nil, store.NewStoreError("task", "get", "select failed", MapError(err))
	}
	return rec, nil
}

// TransitionTask writes the mutable fields of rec only if the stored status
// still equals from.
func (s *PostgresTaskStore) TransitionTask(ctx context.Context, rec *task.Record, from task.TaskStatus) error {
	log := logger.FromContext(ctx)

	query := `
		UPDATE tasks
		SET status = $1, progress = $2, attempt_count = $3, error_message = $4,
			started_at = $5, completed_at = $6, updated_at = $7
		WHERE id = $8 AND status = $9
	`

	now := s.now()
	result, err := s.db.ExecContext(ctx, query,
		string(rec.Status),
		rec.Progress,
		rec.AttemptCount,
		nullString(rec.ErrorMessage),
		nullTime(rec.StartedAt),
		nullTime(rec.CompletedAt),
		now,
		rec.ID,
		string(from),
	)
	if err != nil {
		log.Error("failed to transition task",
			"task_id", rec.ID,
			"from", from,
			"to", rec.Status,
			"error", err)
		return store.NewStoreError("task", "transition", "update failed", MapError(err))
	}

	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := s.currentStatus(ctx, rec.ID)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %s, found %s", task.ErrStatusConflict, from, current)
	}

	rec.UpdatedAt = now
	return nil
}

// UpdateTaskProgress sets progress on a running task; other statuses are left untouched
func (s *PostgresTaskStore) UpdateTaskProgress(ctx context.Context, id uuid.UUID, progress int) error {
	query := `
		UPDATE tasks
		SET progress = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	result, err := s.db.ExecContext(ctx, query, progress, s.now(), id, string(task.TaskStatusRunning))
	if err != nil {
		logger.FromContext(ctx).Error("failed to update task progress", "task_id", id, "error", err)
		return store.NewStoreError("task", "progress", "update failed", MapError(err))
	}

	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		_, err := s.currentStatus(ctx, id)
		return err
	}
	return nil
}

// TouchTask refreshes updated_at while the task is still in status
func (s *PostgresTaskStore) TouchTask(ctx context.Context, id uuid.UUID, status task.TaskStatus) error {
	query := `
		UPDATE tasks
		SET updated_at = $1
		WHERE id = $2 AND status = $3
	`

	result, err := s.db.ExecContext(ctx, query, s.now(), id, string(status))
	if err != nil {
		logger.FromContext(ctx).Error("failed to touch task", "task_id", id, "error", err)
		return store.NewStoreError("task", "touch", "update failed", MapError(err))
	}

	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		_, err := s.currentStatus(ctx, id)
		return err
	}
	return nil
}

// GetStaleTasks retrieves tasks in status whose last update is older than
// olderThan. Zero returns every task in that status.
func (s *PostgresTaskStore) GetStaleTasks(ctx context.Context, status task.TaskStatus, olderThan time.Duration) ([]*task.Record, error) {
	log := logger.FromContext(ctx)

	var query string
	var args []interface{}

	if olderThan > 0 {
		query = `
			SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = $1 AND updated_at < $2
			ORDER BY created_at ASC
		`
		args = []interface{}{string(status), s.now().Add(-olderThan)}
	} else {
		query = `
			SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = $1
			ORDER BY created_at ASC
		`
		args = []interface{}{string(status)}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks by status",
			"status", status,
			"error", err)
		return nil, fmt.Errorf("failed to query tasks by status: %w", MapError(err))
	}
	defer rows.Close()

	var records []*task.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			log.Error("failed to scan task row",
				"status", status,
				"error", err)
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		log.Error("error iterating task rows",
			"status", status,
			"error", err)
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	return records, nil
}

// currentStatus reads the stored status, mapping a missing row to task.ErrTaskNotFound
func (s *PostgresTaskStore) currentStatus(ctx context.Context, id uuid.UUID) (task.TaskStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
		}
		return "", store.NewStoreError("task", "get", "status lookup failed", MapError(err))
	}
	return task.TaskStatus(status), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*task.Record, error) {
	var (
		rec          task.Record
		payload      []byte
		status       string
		errorMessage sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&rec.ID,
		&rec.Queue,
		&rec.Type,
		&payload,
		&status,
		&rec.Progress,
		&rec.AttemptCount,
		&rec.MaxAttempts,
		&errorMessage,
		&rec.CreatedAt,
		&startedAt,
		&completedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		rec.Payload = payload
	}
	rec.Status = task.TaskStatus(status)
	rec.ErrorMessage = errorMessage.String
	if startedAt.Valid {
		rec.StartedAt = startedAt.Time.UTC()
	}
	if completedAt.Valid {
		rec.CompletedAt = completedAt.Time.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

// nullPayload stores an absent payload as SQL NULL rather than invalid JSON
func nullPayload(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
