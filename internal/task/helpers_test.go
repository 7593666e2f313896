package task

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/docqueue/internal/events"
	"github.com/stretchr/testify/require"
)

const testQueue = "document_processing_test"

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// traceRecorder collects status transitions per task
type traceRecorder struct {
	mu     sync.Mutex
	traces map[uuid.UUID][]string
}

func newTraceRecorder() *traceRecorder {
	return &traceRecorder{traces: make(map[uuid.UUID][]string)}
}

func (r *traceRecorder) HandleEvent(ctx context.Context, e *events.StatusChangedEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.traces[e.TaskID]) == 0 {
		r.traces[e.TaskID] = append(r.traces[e.TaskID], e.From)
	}
	r.traces[e.TaskID] = append(r.traces[e.TaskID], e.To)
	return nil
}

func (r *traceRecorder) trace(id uuid.UUID) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.traces[id]...)
}

// testHarness wires a memory queue and store to a processor
type testHarness struct {
	store     *MemoryTaskStore
	queue     *MemoryQueue
	processor *Processor
	client    *Client
	recorder  *traceRecorder
	logger    *slog.Logger
}

func fastProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		RetryBackoff:    BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond},
		RequeueAttempts: 2,
		RequeueBackoff:  time.Millisecond,
	}
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	return newTestHarnessWithQueue(t, nil)
}

// newTestHarnessWithQueue lets a test wrap the memory queue; wrap may be nil
func newTestHarnessWithQueue(t *testing.T, wrap func(Queue) Queue) *testHarness {
	t.Helper()

	logger := setupTestLogger()
	store := NewMemoryTaskStore()
	memQueue := NewMemoryQueue(logger)
	var queue Queue = memQueue
	if wrap != nil {
		queue = wrap(memQueue)
	}

	recorder := newTraceRecorder()
	emitter := events.NewInMemoryEventEmitter(logger)
	emitter.RegisterHandler(recorder)

	return &testHarness{
		store:     store,
		queue:     memQueue,
		processor: NewProcessor(store, queue, fastProcessorConfig(), emitter, logger),
		client:    NewClient(store, queue, ClientConfig{DefaultQueue: testQueue, DefaultMaxAttempts: 3}, emitter, logger),
		recorder:  recorder,
		logger:    logger,
	}
}

func (h *testHarness) enqueue(t *testing.T, taskType string, maxAttempts int) uuid.UUID {
	t.Helper()
	id, err := h.client.Enqueue(context.Background(), EnqueueRequest{
		Type:        taskType,
		Payload:     json.RawMessage(`{"document_id":"doc-1"}`),
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	return id
}

// drain dequeues and processes records until the queue stays empty
func (h *testHarness) drain(t *testing.T) []Outcome {
	t.Helper()
	var outcomes []Outcome
	for {
		rec, err := h.queue.Dequeue(context.Background(), testQueue, 100*time.Millisecond)
		require.NoError(t, err)
		if rec == nil {
			return outcomes
		}
		outcome, err := h.processor.Process(context.Background(), rec)
		require.NoError(t, err)
		outcomes = append(outcomes, outcome)
	}
}

// drainQueue discards everything queued without processing it
func (h *testHarness) drainQueue(t *testing.T) {
	t.Helper()
	for {
		rec, err := h.queue.Dequeue(context.Background(), testQueue, 0)
		require.NoError(t, err)
		if rec == nil {
			return
		}
	}
}

func (h *testHarness) get(t *testing.T, id uuid.UUID) *Record {
	t.Helper()
	rec, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return rec
}

// waitForStatus polls the store until the task reaches status
func (h *testHarness) waitForStatus(t *testing.T, id uuid.UUID, status TaskStatus) *Record {
	t.Helper()
	var rec *Record
	require.Eventually(t, func() bool {
		current, err := h.store.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		rec = current
		return rec.Status == status
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, status)
	return rec
}

// faultyQueue fails the first n calls of the selected operations
type faultyQueue struct {
	Queue
	mu              sync.Mutex
	enqueueFailures int
	dequeueFailures int
	pingErr         error
}

func (q *faultyQueue) Enqueue(ctx context.Context, name string, rec *Record, delay time.Duration) error {
	q.mu.Lock()
	if q.enqueueFailures != 0 {
		if q.enqueueFailures > 0 {
			q.enqueueFailures--
		}
		q.mu.Unlock()
		return ErrConnection
	}
	q.mu.Unlock()
	return q.Queue.Enqueue(ctx, name, rec, delay)
}

func (q *faultyQueue) Dequeue(ctx context.Context, name string, timeout time.Duration) (*Record, error) {
	q.mu.Lock()
	if q.dequeueFailures > 0 {
		q.dequeueFailures--
		q.mu.Unlock()
		return nil, ErrConnection
	}
	q.mu.Unlock()
	return q.Queue.Dequeue(ctx, name, timeout)
}

func (q *faultyQueue) Ping(ctx context.Context) error {
	q.mu.Lock()
	pingErr := q.pingErr
	q.mu.Unlock()
	if pingErr != nil {
		return pingErr
	}
	return q.Queue.Ping(ctx)
}
