package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"unicode/utf8"

	"github.com/spf13/afero"
)

// PlainTextParser accepts UTF-8 text documents as they are
type PlainTextParser struct{}

// Parse implements Parser.
func (PlainTextParser) Parse(ctx context.Context, name string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidDocument, name)
	}
	return string(data), nil
}

// WindowChunker cuts text into fixed windows of ChunkSize runes, each
// starting ChunkSize-ChunkOverlap runes after the previous one.
type WindowChunker struct{}

// Chunk implements Chunker.
func (WindowChunker) Chunk(ctx context.Context, text string, opts Options) ([]Chunk, error) {
	if opts.ChunkSize <= 0 || opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		return nil, fmt.Errorf("invalid chunk options: size %d, overlap %d", opts.ChunkSize, opts.ChunkOverlap)
	}

	runes := []rune(text)
	step := opts.ChunkSize - opts.ChunkOverlap
	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := min(start+opts.ChunkSize, len(runes))
		chunks = append(chunks, Chunk{Index: len(chunks), Text: string(runes[start:end])})
		if end == len(runes) {
			break
		}
	}
	return chunks, nil
}

// FileSink writes each document's chunks as one JSON file under Dir
type FileSink struct {
	Fs  afero.Fs
	Dir string
}

// Store implements Sink. The file is written to a temporary name and
// renamed so readers never see a partial result.
func (s FileSink) Store(ctx context.Context, documentID string, chunks []Chunk) error {
	if err := s.Fs.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := json.Marshal(struct {
		DocumentID string  `json:"document_id"`
		Chunks     []Chunk `json:"chunks"`
	}{documentID, chunks})
	if err != nil {
		return fmt.Errorf("failed to encode chunks: %w", err)
	}

	target := s.Path(documentID)
	tmp := target + ".tmp"
	if err := afero.WriteFile(s.Fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write chunks: %w", err)
	}
	if err := s.Fs.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to publish chunks: %w", err)
	}
	return nil
}

// Path returns where the chunks of documentID are written
func (s FileSink) Path(documentID string) string {
	return path.Join(s.Dir, documentID+".json")
}
