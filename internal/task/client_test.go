package task

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Enqueue(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	id, err := h.client.Enqueue(ctx, EnqueueRequest{
		Type:    TaskTypeDocumentProcessing,
		Payload: json.RawMessage(`{"document_id":"doc-42"}`),
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	view, err := h.client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusPending, view.Status)
	assert.Equal(t, testQueue, view.Queue)
	assert.Equal(t, 3, view.MaxAttempts, "client default applies")
	assert.Zero(t, view.AttemptCount)
	assert.Nil(t, view.StartedAt)
	assert.Nil(t, view.CompletedAt)

	rec, err := h.queue.Dequeue(ctx, testQueue, 0)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, id, rec.ID)
	assert.JSONEq(t, `{"document_id":"doc-42"}`, string(rec.Payload))
}

func TestClient_Enqueue_ExplicitQueue(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	id, err := h.client.Enqueue(ctx, EnqueueRequest{Queue: "priority", Type: "ok", MaxAttempts: 7})
	require.NoError(t, err)

	depth, err := h.queue.Depth(ctx, "priority")
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
	assert.Equal(t, 7, h.get(t, id).MaxAttempts)
}

func TestClient_Enqueue_Validation(t *testing.T) {
	h := newTestHarness(t)

	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{name: "missing type", req: EnqueueRequest{}},
		{name: "negative attempts", req: EnqueueRequest{Type: "ok", MaxAttempts: -1}},
		{name: "too many attempts", req: EnqueueRequest{Type: "ok", MaxAttempts: 101}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.client.Enqueue(context.Background(), tt.req)
			assert.Error(t, err)
			assert.Zero(t, h.store.Len(), "invalid requests are not persisted")
		})
	}
}

func TestClient_Enqueue_QueueUnavailable(t *testing.T) {
	h := newTestHarnessWithQueue(t, func(q Queue) Queue {
		return &faultyQueue{Queue: q, enqueueFailures: -1}
	})

	_, err := h.client.Enqueue(context.Background(), EnqueueRequest{Type: "ok"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)

	failed, err := h.store.GetStaleTasks(context.Background(), TaskStatusFailed, 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].ErrorMessage, "enqueue failed")
}

func TestClient_Status_NotFound(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.client.Status(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestClient_Cancel(t *testing.T) {
	h := newTestHarness(t)
	h.processor.Register("ok", func(ctx context.Context, job *Job) error { return nil })
	ctx := context.Background()

	pendingID := h.enqueue(t, "ok", 3)
	require.NoError(t, h.client.Cancel(ctx, pendingID))

	view, err := h.client.Status(ctx, pendingID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, view.Status)
	assert.NotNil(t, view.CompletedAt)
	assert.Equal(t, []string{"pending", "cancelled"}, h.recorder.trace(pendingID))

	err = h.client.Cancel(ctx, pendingID)
	assert.ErrorIs(t, err, ErrNotCancellable)

	doneID := h.enqueue(t, "ok", 3)
	h.drain(t)
	assert.ErrorIs(t, h.client.Cancel(ctx, doneID), ErrNotCancellable)

	assert.ErrorIs(t, h.client.Cancel(ctx, uuid.New()), ErrTaskNotFound)
}
