// Package memory provides an in-memory chunk store using brute-force
// cosine search. It backs tests and small corpora; the file backend adds
// persistence on top of the same index.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/docuchat-dev/docuchat/pkg/vectorstore"
)

// MemoryStore implements vectorstore.Store with an in-process index.
type MemoryStore struct {
	chunks    map[string]vectorstore.Chunk // keyed by Chunk.ID()
	maxChunks int
	dims      int
	mu        sync.RWMutex
}

func init() {
	vectorstore.Register("memory", func(config vectorstore.Config) (vectorstore.Store, error) {
		return New(config)
	})
}

// New creates a MemoryStore from the provided configuration.
func New(config vectorstore.Config) (*MemoryStore, error) {
	if config.EmbeddingDimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be greater than 0, got %d", config.EmbeddingDimensions)
	}

	maxChunks := config.MaxChunks
	if maxChunks <= 0 {
		maxChunks = 100000
	}

	return &MemoryStore{
		chunks:    make(map[string]vectorstore.Chunk),
		maxChunks: maxChunks,
		dims:      config.EmbeddingDimensions,
	}, nil
}

// Upsert inserts or replaces chunks keyed by SourceID+Sequence.
func (m *MemoryStore) Upsert(ctx context.Context, chunks []vectorstore.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range chunks {
		if err := vectorstore.ValidateChunk(&chunks[i], m.dims); err != nil {
			return fmt.Errorf("invalid chunk at index %d: %w", i, err)
		}
	}

	added := 0
	for _, c := range chunks {
		if _, exists := m.chunks[c.ID()]; !exists {
			added++
		}
	}
	if len(m.chunks)+added > m.maxChunks {
		return fmt.Errorf("would exceed max chunks limit: %d (current: %d, adding: %d)",
			m.maxChunks, len(m.chunks), added)
	}

	for _, c := range chunks {
		m.chunks[c.ID()] = copyChunk(c)
	}

	return nil
}

// Search performs brute-force cosine search over the selected sources.
func (m *MemoryStore) Search(ctx context.Context, embedding []float32, sources []string, topK int) ([]vectorstore.SearchResult, error) {
	if len(embedding) != m.dims {
		return nil, fmt.Errorf("query embedding dimension mismatch: expected %d, got %d", m.dims, len(embedding))
	}
	if topK < 1 {
		return nil, fmt.Errorf("topK must be at least 1, got %d", topK)
	}

	var allowed map[string]bool
	if len(sources) > 0 {
		allowed = make(map[string]bool, len(sources))
		for _, s := range sources {
			allowed[s] = true
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	candidates := make([]vectorstore.SearchResult, 0, len(m.chunks))
	for _, c := range m.chunks {
		if allowed != nil && !allowed[c.SourceID] {
			continue
		}
		candidates = append(candidates, vectorstore.SearchResult{
			Chunk: c,
			Score: cosineSimilarity(embedding, c.Embedding),
		})
	}

	// Score descending; ties broken by sequence then source so that
	// identical queries always return identical orderings.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		ci, cj := candidates[i].Chunk, candidates[j].Chunk
		if ci.Sequence != cj.Sequence {
			return ci.Sequence < cj.Sequence
		}
		return ci.SourceID < cj.SourceID
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	return candidates, nil
}

// Source returns all chunks for a source ordered by Sequence.
func (m *MemoryStore) Source(ctx context.Context, sourceID string) ([]vectorstore.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var chunks []vectorstore.Chunk
	for _, c := range m.chunks {
		if c.SourceID == sourceID {
			chunks = append(chunks, copyChunk(c))
		}
	}

	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Sequence < chunks[j].Sequence
	})

	return chunks, nil
}

// DeleteSource removes all chunks belonging to a source.
func (m *MemoryStore) DeleteSource(ctx context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, c := range m.chunks {
		if c.SourceID == sourceID {
			delete(m.chunks, id)
		}
	}

	return nil
}

// Count returns the number of stored chunks.
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks), nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (sqrt(normA) * sqrt(normB))
}

func sqrt(x float32) float32 {
	return float32(math.Sqrt(float64(x)))
}

func copyChunk(c vectorstore.Chunk) vectorstore.Chunk {
	embedding := make([]float32, len(c.Embedding))
	copy(embedding, c.Embedding)
	c.Embedding = embedding
	return c
}
