package task

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// markRunning moves a stored task to running as a worker would
func markRunning(t *testing.T, store *MemoryTaskStore, rec *Record, attempt int) {
	t.Helper()
	running := rec.Clone()
	running.Status = TaskStatusRunning
	running.AttemptCount = attempt
	running.StartedAt = time.Now().UTC()
	require.NoError(t, store.TransitionTask(context.Background(), running, TaskStatusPending))
}

func TestReaper_Sweep(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	stuckID := h.enqueue(t, "ok", 3)
	lastID := h.enqueue(t, "ok", 2)
	h.drainQueue(t)

	markRunning(t, h.store, h.get(t, stuckID), 1)
	markRunning(t, h.store, h.get(t, lastID), 2)

	reaper := NewReaper(h.store, h.queue, 10*time.Minute, nil, h.logger)

	recovered, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered, "recently updated tasks are left alone")

	h.store.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	recovered, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	stuck := h.get(t, stuckID)
	assert.Equal(t, TaskStatusPending, stuck.Status)
	assert.Equal(t, stuckResetMessage, stuck.ErrorMessage)
	assert.Equal(t, 1, stuck.AttemptCount)

	last := h.get(t, lastID)
	assert.Equal(t, TaskStatusFailed, last.Status)
	assert.Equal(t, "worker lost during final attempt", last.ErrorMessage)

	rec, err := h.queue.Dequeue(ctx, testQueue, 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, stuckID, rec.ID)
}

func TestReaper_ResetTaskIsProcessedAgain(t *testing.T) {
	h := newTestHarness(t)
	h.processor.Register("ok", func(ctx context.Context, job *Job) error { return nil })

	id := h.enqueue(t, "ok", 3)
	h.drainQueue(t)
	markRunning(t, h.store, h.get(t, id), 1)

	h.store.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	_, err := NewReaper(h.store, h.queue, time.Minute, nil, h.logger).Sweep(context.Background())
	require.NoError(t, err)

	h.drain(t)
	rec := h.get(t, id)
	assert.Equal(t, TaskStatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
}

func TestReaper_Sweep_RetriesRequeue(t *testing.T) {
	h := newTestHarness(t)
	faulty := &faultyQueue{Queue: h.queue}

	id := h.enqueue(t, "ok", 3)
	h.drainQueue(t)
	markRunning(t, h.store, h.get(t, id), 1)
	h.store.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	faulty.enqueueFailures = 1
	recovered, err := NewReaper(h.store, faulty, time.Minute, nil, h.logger).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	rec, err := h.queue.Dequeue(context.Background(), testQueue, 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)
}

func TestReaper_Sweep_RequeuesStrandedPendingTask(t *testing.T) {
	h := newTestHarness(t)
	faulty := &faultyQueue{Queue: h.queue}
	reaper := NewReaper(h.store, faulty, time.Minute, nil, h.logger)
	ctx := context.Background()

	id := h.enqueue(t, "ok", 3)
	h.drainQueue(t)
	markRunning(t, h.store, h.get(t, id), 1)
	h.store.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	// the reset succeeds but the queue is down for every requeue attempt
	faulty.enqueueFailures = -1
	recovered, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.Equal(t, TaskStatusPending, h.get(t, id).Status)

	faulty.enqueueFailures = 0
	h.store.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }

	recovered, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	recovered, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, recovered, "a re-offered task is not offered again within the stuck age")

	h.processor.Register("ok", func(ctx context.Context, job *Job) error { return nil })
	h.drain(t)
	rec := h.get(t, id)
	assert.Equal(t, TaskStatusCompleted, rec.Status)
	assert.Equal(t, 2, rec.AttemptCount)
}
