package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/docqueue/internal/platform/logger"
	"github.com/phrazzld/docqueue/internal/task"
	"github.com/spf13/afero"
)

// Progress reported after each pipeline stage
const (
	progressRead     = 10
	progressParsed   = 30
	progressChunked  = 50
	progressEmbedded = 80
	progressStored   = 95
)

// Handler runs the document_processing pipeline for one task
type Handler struct {
	fs       afero.Fs
	parser   Parser
	chunker  Chunker
	embedder Embedder
	sink     Sink
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a Handler reading documents from fsys. embedder may be
// nil, in which case chunks are stored without vectors.
func NewHandler(
	fsys afero.Fs,
	parser Parser,
	chunker Chunker,
	embedder Embedder,
	sink Sink,
	logger *slog.Logger,
) (*Handler, error) {
	if fsys == nil {
		return nil, ErrNilFs
	}
	if parser == nil {
		return nil, ErrNilParser
	}
	if chunker == nil {
		return nil, ErrNilChunker
	}
	if sink == nil {
		return nil, ErrNilSink
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		fs:       fsys,
		parser:   parser,
		chunker:  chunker,
		embedder: embedder,
		sink:     sink,
		validate: validator.New(),
		logger:   logger.With("component", "ingest_handler"),
	}, nil
}

// Register binds the handler to TaskType on p
func (h *Handler) Register(p *task.Processor) {
	p.Register(TaskType, h.Handle)
}

// Handle implements task.Handler. Bad payloads, missing documents and
// unparseable content fail permanently; everything else is retried.
func (h *Handler) Handle(ctx context.Context, job *task.Job) error {
	log := h.logger.With("task_id", job.ID, "attempt", job.Attempt)
	ctx = logger.WithLogger(ctx, log)

	payload, err := decodePayload(h.validate, job.Payload)
	if err != nil {
		log.Error("rejecting task payload", "error", err)
		return task.Permanent(err)
	}
	log = log.With("document_id", payload.DocumentID)
	start := time.Now()

	data, err := h.read(payload.StoragePath)
	if err != nil {
		log.Error("failed to read document", "path", payload.StoragePath, "error", err)
		return err
	}
	job.ReportProgress(progressRead)

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("ingest interrupted: %w", err)
	}

	text, err := h.parser.Parse(ctx, payload.StoragePath, data)
	if err != nil {
		log.Error("failed to parse document", "error", err)
		if errors.Is(err, ErrInvalidDocument) {
			return task.Permanent(fmt.Errorf("failed to parse document: %w", err))
		}
		return fmt.Errorf("failed to parse document: %w", err)
	}
	job.ReportProgress(progressParsed)

	chunks, err := h.chunker.Chunk(ctx, text, payload.Options)
	if err != nil {
		log.Error("failed to chunk document", "error", err)
		return fmt.Errorf("failed to chunk document: %w", err)
	}
	job.ReportProgress(progressChunked)
	log.Debug("document chunked", "chunks", len(chunks), "bytes", len(data))

	if h.embedder != nil && len(chunks) > 0 {
		vectors, err := h.embedder.Embed(ctx, chunks)
		if err != nil {
			log.Error("failed to embed chunks", "error", err)
			return fmt.Errorf("failed to embed chunks: %w", err)
		}
		if len(vectors) != len(chunks) {
			return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(chunks))
		}
		for i := range chunks {
			chunks[i].Vector = vectors[i]
		}
	}
	job.ReportProgress(progressEmbedded)

	if err := h.sink.Store(ctx, payload.DocumentID, chunks); err != nil {
		log.Error("failed to store chunks", "error", err)
		return fmt.Errorf("failed to store chunks: %w", err)
	}
	job.ReportProgress(progressStored)

	log.Info("document ingested", "chunks", len(chunks), "duration", time.Since(start))
	return nil
}

// read loads the document, marking a missing object as permanent
func (h *Handler) read(path string) ([]byte, error) {
	data, err := afero.ReadFile(h.fs, path)
	if err == nil {
		return data, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil, task.Permanent(fmt.Errorf("document %s not found: %w", path, err))
	}
	return nil, fmt.Errorf("failed to read document %s: %w", path, err)
}
