package ingest_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/docqueue/internal/ingest"
	"github.com/phrazzld/docqueue/internal/task"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEmbedder returns a one-element vector per chunk, failing the first
// failures calls
type fakeEmbedder struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (e *fakeEmbedder) Embed(ctx context.Context, chunks []ingest.Chunk) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failures > 0 {
		e.failures--
		return nil, errors.New("embedding service unavailable")
	}
	vectors := make([][]float32, len(chunks))
	for i := range chunks {
		vectors[i] = []float32{float32(i)}
	}
	return vectors, nil
}

// shortEmbedder drops the last vector
type shortEmbedder struct{}

func (shortEmbedder) Embed(ctx context.Context, chunks []ingest.Chunk) ([][]float32, error) {
	return make([][]float32, len(chunks)-1), nil
}

type fixture struct {
	fs       afero.Fs
	sink     ingest.FileSink
	embedder *fakeEmbedder
	handler  *ingest.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	sink := ingest.FileSink{Fs: fs, Dir: "chunks"}
	embedder := &fakeEmbedder{}
	handler, err := ingest.NewHandler(fs, ingest.PlainTextParser{}, ingest.WindowChunker{}, embedder, sink, setupTestLogger())
	require.NoError(t, err)
	return &fixture{fs: fs, sink: sink, embedder: embedder, handler: handler}
}

func (f *fixture) upload(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(f.fs, path, []byte(content), 0o644))
}

func (f *fixture) stored(t *testing.T, documentID string) []ingest.Chunk {
	t.Helper()
	data, err := afero.ReadFile(f.fs, f.sink.Path(documentID))
	require.NoError(t, err)
	var out struct {
		DocumentID string         `json:"document_id"`
		Chunks     []ingest.Chunk `json:"chunks"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, documentID, out.DocumentID)
	return out.Chunks
}

func newJob(t *testing.T, payload any) *task.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &task.Job{ID: uuid.New(), Type: ingest.TaskType, Payload: raw, Attempt: 1, MaxAttempts: 3}
}

func TestNewHandler_RequiresCollaborators(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := ingest.FileSink{Fs: fs, Dir: "out"}

	_, err := ingest.NewHandler(nil, ingest.PlainTextParser{}, ingest.WindowChunker{}, nil, sink, nil)
	assert.ErrorIs(t, err, ingest.ErrNilFs)
	_, err = ingest.NewHandler(fs, nil, ingest.WindowChunker{}, nil, sink, nil)
	assert.ErrorIs(t, err, ingest.ErrNilParser)
	_, err = ingest.NewHandler(fs, ingest.PlainTextParser{}, nil, nil, sink, nil)
	assert.ErrorIs(t, err, ingest.ErrNilChunker)
	_, err = ingest.NewHandler(fs, ingest.PlainTextParser{}, ingest.WindowChunker{}, nil, nil, nil)
	assert.ErrorIs(t, err, ingest.ErrNilSink)

	// The embedder is optional
	_, err = ingest.NewHandler(fs, ingest.PlainTextParser{}, ingest.WindowChunker{}, nil, sink, nil)
	assert.NoError(t, err)
}

func TestHandle_Success(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "uploads/doc-1.txt", "abcdefghij")

	payload := ingest.NewPayload("doc-1", "uploads/doc-1.txt")
	payload.Options = ingest.Options{ChunkSize: 4, ChunkOverlap: 1}

	require.NoError(t, f.handler.Handle(context.Background(), newJob(t, payload)))

	chunks := f.stored(t, "doc-1")
	require.Len(t, chunks, 3)
	assert.Equal(t, "abcd", chunks[0].Text)
	assert.Equal(t, "defg", chunks[1].Text)
	assert.Equal(t, "ghij", chunks[2].Text)
	assert.Equal(t, []float32{2}, chunks[2].Vector)
}

func TestHandle_DefaultOptions(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "doc.txt", "short document")

	job := newJob(t, map[string]string{"document_id": "doc-2", "storage_path": "doc.txt"})
	require.NoError(t, f.handler.Handle(context.Background(), job))

	chunks := f.stored(t, "doc-2")
	require.Len(t, chunks, 1)
	assert.Equal(t, "short document", chunks[0].Text)
}

func TestHandle_PermanentFailures(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		content string
	}{
		{
			name:    "missing document",
			payload: ingest.NewPayload("doc-1", "uploads/missing.txt"),
		},
		{
			name:    "missing document id",
			payload: map[string]string{"storage_path": "doc.txt"},
			content: "text",
		},
		{
			name:    "missing storage path",
			payload: map[string]string{"document_id": "doc-1"},
		},
		{
			name:    "document id with path separator",
			payload: ingest.NewPayload("../escape", "doc.txt"),
			content: "text",
		},
		{
			name: "overlap not smaller than chunk size",
			payload: ingest.Payload{
				DocumentID:  "doc-1",
				StoragePath: "doc.txt",
				Options:     ingest.Options{ChunkSize: 10, ChunkOverlap: 10},
			},
			content: "text",
		},
		{
			name:    "malformed json",
			payload: json.RawMessage(`"just a string"`),
		},
		{
			name:    "binary document",
			payload: ingest.NewPayload("doc-1", "doc.txt"),
			content: string([]byte{0xff, 0xfe, 0xfd}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.content != "" {
				f.upload(t, "doc.txt", tt.content)
			}

			err := f.handler.Handle(context.Background(), newJob(t, tt.payload))
			require.Error(t, err)
			assert.True(t, task.IsPermanent(err), "expected permanent error, got %v", err)
			assert.Zero(t, f.embedder.calls)
		})
	}
}

func TestHandle_TransientFailures(t *testing.T) {
	t.Run("embedder error is retryable", func(t *testing.T) {
		f := newFixture(t)
		f.upload(t, "doc.txt", "some text")
		f.embedder.failures = 1

		err := f.handler.Handle(context.Background(), newJob(t, ingest.NewPayload("doc-1", "doc.txt")))
		require.Error(t, err)
		assert.False(t, task.IsPermanent(err))
		assert.Contains(t, err.Error(), "embedding service unavailable")

		exists, err := afero.Exists(f.fs, f.sink.Path("doc-1"))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("vector count mismatch", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "doc.txt", []byte("some text"), 0o644))
		handler, err := ingest.NewHandler(fs, ingest.PlainTextParser{}, ingest.WindowChunker{},
			shortEmbedder{}, ingest.FileSink{Fs: fs, Dir: "out"}, setupTestLogger())
		require.NoError(t, err)

		err = handler.Handle(context.Background(), newJob(t, ingest.NewPayload("doc-1", "doc.txt")))
		require.Error(t, err)
		assert.False(t, task.IsPermanent(err))
	})

	t.Run("read-only sink", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		require.NoError(t, afero.WriteFile(fs, "doc.txt", []byte("some text"), 0o644))
		handler, err := ingest.NewHandler(fs, ingest.PlainTextParser{}, ingest.WindowChunker{},
			nil, ingest.FileSink{Fs: afero.NewReadOnlyFs(fs), Dir: "out"}, setupTestLogger())
		require.NoError(t, err)

		err = handler.Handle(context.Background(), newJob(t, ingest.NewPayload("doc-1", "doc.txt")))
		require.Error(t, err)
		assert.False(t, task.IsPermanent(err))
		assert.Contains(t, err.Error(), "failed to store chunks")
	})
}

// progressStore records every progress update the processor persists
type progressStore struct {
	*task.MemoryTaskStore
	mu      sync.Mutex
	updates []int
}

func (s *progressStore) UpdateTaskProgress(ctx context.Context, id uuid.UUID, progress int) error {
	s.mu.Lock()
	s.updates = append(s.updates, progress)
	s.mu.Unlock()
	return s.MemoryTaskStore.UpdateTaskProgress(ctx, id, progress)
}

// TestHandle_ThroughProcessor runs the handler as a registered task type,
// including a retry after a transient embedding failure.
func TestHandle_ThroughProcessor(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "uploads/report.txt", "quarterly report body")
	f.embedder.failures = 1

	logger := setupTestLogger()
	store := &progressStore{MemoryTaskStore: task.NewMemoryTaskStore()}
	queue := task.NewMemoryQueue(logger)
	processor := task.NewProcessor(store, queue, task.ProcessorConfig{
		RetryBackoff: task.BackoffPolicy{Base: time.Millisecond, Max: time.Millisecond},
	}, nil, logger)
	f.handler.Register(processor)
	assert.Equal(t, []string{ingest.TaskType}, processor.Types())

	payload, err := ingest.NewPayload("report", "uploads/report.txt").Marshal()
	require.NoError(t, err)
	client := task.NewClient(store, queue, task.ClientConfig{DefaultQueue: "docs"}, nil, logger)
	id, err := client.Enqueue(context.Background(), task.EnqueueRequest{Type: ingest.TaskType, Payload: payload})
	require.NoError(t, err)

	for {
		rec, err := queue.Dequeue(context.Background(), "docs", 100*time.Millisecond)
		require.NoError(t, err)
		if rec == nil {
			break
		}
		_, err = processor.Process(context.Background(), rec)
		require.NoError(t, err)
	}

	status, err := client.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, task.TaskStatusCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)
	assert.Equal(t, 2, status.AttemptCount)
	assert.Len(t, f.stored(t, "report"), 1)

	store.mu.Lock()
	defer store.mu.Unlock()
	// First attempt stops after chunking; the second runs every stage
	assert.Equal(t, []int{10, 30, 50, 10, 30, 50, 80, 95}, store.updates)
}
