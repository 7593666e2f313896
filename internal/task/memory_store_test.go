package task

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTaskStore_SaveAndGet(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	rec := NewRecord(testQueue, "ok", []byte(`{}`), 3)
	require.NoError(t, store.SaveTask(ctx, rec))
	assert.Error(t, store.SaveTask(ctx, rec), "duplicate IDs are rejected")

	got, err := store.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, TaskStatusPending, got.Status)
	assert.Equal(t, 1, store.Len())

	_, err = store.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestMemoryTaskStore_TransitionTask(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	rec := NewRecord(testQueue, "ok", nil, 3)
	require.NoError(t, store.SaveTask(ctx, rec))

	running := rec.Clone()
	running.Status = TaskStatusRunning
	running.AttemptCount = 1
	require.NoError(t, store.TransitionTask(ctx, running, TaskStatusPending))

	t.Run("stale from status conflicts", func(t *testing.T) {
		again := rec.Clone()
		again.Status = TaskStatusRunning
		err := store.TransitionTask(ctx, again, TaskStatusPending)
		assert.ErrorIs(t, err, ErrStatusConflict)
	})

	t.Run("unknown task", func(t *testing.T) {
		err := store.TransitionTask(ctx, NewRecord(testQueue, "ok", nil, 1), TaskStatusPending)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	got, err := store.GetTask(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusRunning, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestMemoryTaskStore_UpdateTaskProgress(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	rec := NewRecord(testQueue, "ok", nil, 3)
	require.NoError(t, store.SaveTask(ctx, rec))

	require.NoError(t, store.UpdateTaskProgress(ctx, rec.ID, 30))
	got, _ := store.GetTask(ctx, rec.ID)
	assert.Equal(t, 0, got.Progress, "progress is ignored unless running")

	running := got.Clone()
	running.Status = TaskStatusRunning
	require.NoError(t, store.TransitionTask(ctx, running, TaskStatusPending))
	require.NoError(t, store.UpdateTaskProgress(ctx, rec.ID, 30))
	got, _ = store.GetTask(ctx, rec.ID)
	assert.Equal(t, 30, got.Progress)

	assert.ErrorIs(t, store.UpdateTaskProgress(ctx, uuid.New(), 10), ErrTaskNotFound)
}

func TestMemoryTaskStore_GetStaleTasks(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	old := NewRecord(testQueue, "ok", nil, 3)
	require.NoError(t, store.SaveTask(ctx, old))

	base := time.Now().UTC()
	store.now = func() time.Time { return base.Add(time.Hour) }

	fresh := NewRecord(testQueue, "ok", nil, 3)
	require.NoError(t, store.SaveTask(ctx, fresh))

	stale, err := store.GetStaleTasks(ctx, TaskStatusPending, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	all, err := store.GetStaleTasks(ctx, TaskStatusPending, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	none, err := store.GetStaleTasks(ctx, TaskStatusRunning, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryTaskStore_TouchTask(t *testing.T) {
	store := NewMemoryTaskStore()
	ctx := context.Background()

	rec := NewRecord(testQueue, "ok", nil, 3)
	require.NoError(t, store.SaveTask(ctx, rec))
	saved, _ := store.GetTask(ctx, rec.ID)

	later := time.Now().UTC().Add(time.Hour)
	store.now = func() time.Time { return later }

	require.NoError(t, store.TouchTask(ctx, rec.ID, TaskStatusRunning))
	got, _ := store.GetTask(ctx, rec.ID)
	assert.Equal(t, saved.UpdatedAt, got.UpdatedAt, "status mismatch leaves the record alone")

	require.NoError(t, store.TouchTask(ctx, rec.ID, TaskStatusPending))
	got, _ = store.GetTask(ctx, rec.ID)
	assert.Equal(t, later, got.UpdatedAt)

	assert.ErrorIs(t, store.TouchTask(ctx, uuid.New(), TaskStatusRunning), ErrTaskNotFound)
}
