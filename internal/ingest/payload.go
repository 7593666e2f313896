package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Default chunking options applied when the payload leaves them out
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// Options tune how a document is chunked
type Options struct {
	ChunkSize    int `json:"chunk_size"    validate:"gt=0,lte=100000"`
	ChunkOverlap int `json:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
}

// Payload is the producer-supplied body of a document_processing task
type Payload struct {
	DocumentID  string  `json:"document_id"  validate:"required,max=200,excludesall=/\\"`
	StoragePath string  `json:"storage_path" validate:"required"`
	Options     Options `json:"options"`
}

// NewPayload builds a payload with default options
func NewPayload(documentID, storagePath string) Payload {
	return Payload{
		DocumentID:  documentID,
		StoragePath: storagePath,
		Options:     Options{ChunkSize: DefaultChunkSize, ChunkOverlap: DefaultChunkOverlap},
	}
}

// Marshal encodes the payload for task.EnqueueRequest
func (p Payload) Marshal() (json.RawMessage, error) {
	return json.Marshal(p)
}

// decodePayload parses and validates a task payload. A zero chunk size
// selects both defaults; an explicit size keeps the given overlap.
func decodePayload(validate *validator.Validate, raw json.RawMessage) (Payload, error) {
	var p Payload
	if len(raw) == 0 {
		return p, fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("malformed payload: %w", err)
	}
	if p.Options.ChunkSize == 0 {
		p.Options.ChunkSize = DefaultChunkSize
		if p.Options.ChunkOverlap == 0 {
			p.Options.ChunkOverlap = DefaultChunkOverlap
		}
	}
	if err := validate.Struct(p); err != nil {
		return p, fmt.Errorf("invalid payload: %w", err)
	}
	return p, nil
}
