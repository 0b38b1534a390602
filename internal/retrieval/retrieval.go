// Package retrieval selects document context for a query: either the
// top-scoring chunks from the vector index, or the full reconstructed
// text when retrieval is disabled.
package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/docuchat-dev/docuchat/internal/provider"
	"github.com/docuchat-dev/docuchat/pkg/embeddings"
	"github.com/docuchat-dev/docuchat/pkg/vectorstore"
)

// DefaultMaxChunks is the retrieval depth when the caller does not set one.
const DefaultMaxChunks = 5

// Planner turns a query into formatted document context.
type Planner struct {
	store    vectorstore.Store
	embedder embeddings.EmbeddingService
}

// NewPlanner creates a retrieval planner over the given index and embedder.
func NewPlanner(store vectorstore.Store, embedder embeddings.EmbeddingService) *Planner {
	return &Planner{store: store, embedder: embedder}
}

// Plan embeds the query and returns the top-scoring chunks from the
// session's sources. Results are deterministic: score descending, then
// Sequence ascending, then SourceID ascending. An empty result is not
// an error; the caller proceeds without document context.
func (p *Planner) Plan(ctx context.Context, query string, sources []string, maxChunks int) ([]vectorstore.SearchResult, error) {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	if len(sources) == 0 {
		return nil, nil
	}

	embedding, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	results, err := p.store.Search(ctx, embedding, sources, maxChunks)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}

	return results, nil
}

// FormatContext renders retrieved chunks into the context block that
// joins the stable prefix. The rendering is deterministic for a given
// result list so the prefix stays byte-identical across turns.
func FormatContext(results []vectorstore.SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "--- Context Chunk %d (Source: %s) ---\n", i+1, r.Chunk.SourceID)
		b.WriteString(r.Chunk.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// ChunkIDs extracts the stable identifiers of retrieved chunks, in rank
// order, for reporting alongside the answer.
func ChunkIDs(results []vectorstore.SearchResult) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Chunk.ID()
	}
	return ids
}

// FullText reconstructs the complete text of every source, in source
// order, for queries that bypass retrieval. The chunks for each source
// are stitched by their character spans so overlapping regions appear
// once. Exceeding limit chars is a hard input error, not a truncation.
func (p *Planner) FullText(ctx context.Context, sources []string, limit int) (string, error) {
	var b strings.Builder

	for _, sourceID := range sources {
		chunks, err := p.store.Source(ctx, sourceID)
		if err != nil {
			return "", fmt.Errorf("load source %s: %w", sourceID, err)
		}
		if len(chunks) == 0 {
			continue
		}

		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== Document: %s ===\n", sourceID)
		b.WriteString(reconstruct(chunks))

		if limit > 0 && b.Len() > limit {
			return "", provider.NewProviderError("orchestrator", provider.ErrorCodeInvalidRequest,
				fmt.Sprintf("full document text exceeds the %d character limit; enable retrieval", limit), nil)
		}
	}

	return b.String(), nil
}

// reconstruct joins a source's chunks using their character spans.
// Chunks arrive ordered by Sequence; each contributes only the region
// past the previous chunk's end so overlap is not duplicated.
func reconstruct(chunks []vectorstore.Chunk) string {
	var b strings.Builder
	end := 0

	for _, c := range chunks {
		if c.End <= end {
			continue
		}
		text := c.Text
		if c.Start < end {
			skip := end - c.Start
			if skip >= len(text) {
				continue
			}
			text = text[skip:]
		}
		b.WriteString(text)
		end = c.End
	}

	return b.String()
}
