package ingest

import (
	"context"
	"errors"
)

// TaskType is the task type the handler is registered under
const TaskType = "document_processing"

// Common errors
var (
	ErrNilFs      = errors.New("object store cannot be nil")
	ErrNilParser  = errors.New("parser cannot be nil")
	ErrNilChunker = errors.New("chunker cannot be nil")
	ErrNilSink    = errors.New("sink cannot be nil")

	// ErrInvalidDocument is returned by a Parser for input it can never
	// parse. The handler fails such tasks without retrying.
	ErrInvalidDocument = errors.New("invalid document")
)

// Chunk is one piece of a parsed document
type Chunk struct {
	Index  int       `json:"index"`
	Text   string    `json:"text"`
	Vector []float32 `json:"vector,omitempty"`
}

// Parser extracts plain text from raw document bytes
type Parser interface {
	// Parse returns the text of the document stored at path. Errors wrapping
	// ErrInvalidDocument are treated as permanent.
	Parse(ctx context.Context, path string, data []byte) (string, error)
}

// Chunker splits text into chunks according to opts
type Chunker interface {
	Chunk(ctx context.Context, text string, opts Options) ([]Chunk, error)
}

// Embedder computes one vector per chunk. Implementations usually call a
// remote model, so errors are retried.
type Embedder interface {
	Embed(ctx context.Context, chunks []Chunk) ([][]float32, error)
}

// Sink persists the processed chunks of a document. Writing the same
// document twice must replace the earlier result, since a retried task
// repeats the whole pipeline.
type Sink interface {
	Store(ctx context.Context, documentID string, chunks []Chunk) error
}
