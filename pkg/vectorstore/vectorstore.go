// Package vectorstore persists document chunks with their embeddings and
// answers nearest-neighbour queries over them.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// Store is the main interface for chunk storage and similarity search.
type Store interface {
	// Upsert inserts or updates chunks. Upserting the same
	// SourceID+Sequence again replaces the stored chunk rather than
	// duplicating it, so loads are idempotent under retry.
	Upsert(ctx context.Context, chunks []Chunk) error

	// Search returns the topK most similar chunks among the given
	// sources, ranked by cosine similarity descending with ties broken
	// by ascending Sequence then SourceID. An empty sources slice
	// searches everything.
	Search(ctx context.Context, embedding []float32, sources []string, topK int) ([]SearchResult, error)

	// Source returns all chunks for a source ordered by Sequence.
	Source(ctx context.Context, sourceID string) ([]Chunk, error)

	// DeleteSource removes all chunks belonging to a source.
	DeleteSource(ctx context.Context, sourceID string) error

	// Count returns the total number of stored chunks.
	Count(ctx context.Context) (int, error)

	// Close releases resources held by the store.
	Close() error
}

// Chunk is a contiguous slice of a source document.
// Chunks from one source ordered by Sequence reconstruct the source text
// allowing for the configured overlap.
type Chunk struct {
	// SourceID identifies the owning document.
	SourceID string `json:"source_id"`

	// Sequence defines ordering within the source.
	Sequence int `json:"sequence"`

	// Text is the chunk content.
	Text string `json:"text"`

	// Embedding is the vector representation of Text.
	Embedding []float32 `json:"embedding"`

	// Start and End are the character span within the source text.
	Start int `json:"start"`
	End   int `json:"end"`
}

// ID returns the stable identifier used for idempotent storage.
func (c Chunk) ID() string {
	return fmt.Sprintf("%s#%06d", c.SourceID, c.Sequence)
}

// SearchResult is one ranked search hit.
type SearchResult struct {
	Chunk Chunk
	// Score is cosine similarity; higher is more similar.
	Score float32
}

// ErrUnknownBackend is returned when no backend is registered under a name.
var ErrUnknownBackend = errors.New("unknown vectorstore backend")

// ValidateChunk checks a chunk before storage.
func ValidateChunk(c *Chunk, dims int) error {
	if c.SourceID == "" {
		return fmt.Errorf("chunk source ID cannot be empty")
	}
	if c.Sequence < 0 {
		return fmt.Errorf("chunk sequence cannot be negative")
	}
	if c.Text == "" {
		return fmt.Errorf("chunk text cannot be empty")
	}
	if len(c.Embedding) == 0 {
		return fmt.Errorf("chunk embedding cannot be empty")
	}
	if dims > 0 && len(c.Embedding) != dims {
		return fmt.Errorf("chunk %s embedding dimension mismatch: expected %d, got %d",
			c.ID(), dims, len(c.Embedding))
	}
	for i, v := range c.Embedding {
		if isNaN(v) || isInf(v) {
			return fmt.Errorf("embedding contains invalid value at index %d: %f", i, v)
		}
	}
	return nil
}

func isNaN(f float32) bool {
	return f != f
}

func isInf(f float32) bool {
	return f > maxFloat32 || f < -maxFloat32
}

const maxFloat32 = 3.40282346638528859811704183484516925440e+38
