package retrieval

import (
	"context"
	"strings"
	"testing"

	"github.com/docuchat-dev/docuchat/internal/provider"
	"github.com/docuchat-dev/docuchat/pkg/embeddings"
	"github.com/docuchat-dev/docuchat/pkg/vectorstore"
	"github.com/docuchat-dev/docuchat/pkg/vectorstore/memory"
)

func newTestPlanner(t *testing.T) (*Planner, vectorstore.Store, embeddings.EmbeddingService) {
	t.Helper()
	store, err := memory.New(vectorstore.Config{EmbeddingDimensions: 64})
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}
	embedder := embeddings.NewLocal(64)
	return NewPlanner(store, embedder), store, embedder
}

func indexTexts(t *testing.T, store vectorstore.Store, embedder embeddings.EmbeddingService, sourceID string, texts []string) {
	t.Helper()
	ctx := context.Background()

	pos := 0
	chunks := make([]vectorstore.Chunk, len(texts))
	for i, text := range texts {
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			t.Fatalf("embed: %v", err)
		}
		chunks[i] = vectorstore.Chunk{
			SourceID:  sourceID,
			Sequence:  i,
			Text:      text,
			Embedding: vec,
			Start:     pos,
			End:       pos + len(text),
		}
		pos += len(text)
	}
	if err := store.Upsert(ctx, chunks); err != nil {
		t.Fatalf("upsert: %v", err)
	}
}

func TestPlanDeterministic(t *testing.T) {
	planner, store, embedder := newTestPlanner(t)
	indexTexts(t, store, embedder, "animals.txt", []string{
		"cats are small carnivorous mammals",
		"dogs are loyal domestic companions",
		"the stock market closed higher today",
		"parrots can mimic human speech",
	})
	ctx := context.Background()

	first, err := planner.Plan(ctx, "tell me about cats", []string{"animals.txt"}, 2)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(first) == 0 || len(first) > 2 {
		t.Fatalf("Plan() = %d results, want 1..2", len(first))
	}

	for run := 0; run < 5; run++ {
		again, err := planner.Plan(ctx, "tell me about cats", []string{"animals.txt"}, 2)
		if err != nil {
			t.Fatalf("Plan() error = %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: result count changed", run)
		}
		for i := range again {
			if again[i].Chunk.ID() != first[i].Chunk.ID() {
				t.Fatalf("run %d: ordering changed at %d", run, i)
			}
		}
	}
}

func TestPlanRespectsBudgetAndSources(t *testing.T) {
	planner, store, embedder := newTestPlanner(t)
	indexTexts(t, store, embedder, "a.txt", []string{"alpha text", "beta text", "gamma text"})
	indexTexts(t, store, embedder, "b.txt", []string{"delta text"})
	ctx := context.Background()

	results, err := planner.Plan(ctx, "text", []string{"a.txt"}, 2)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	if len(results) > 2 {
		t.Errorf("Plan() = %d results, want at most 2", len(results))
	}
	for _, r := range results {
		if r.Chunk.SourceID != "a.txt" {
			t.Errorf("result from source %s, want only a.txt", r.Chunk.SourceID)
		}
	}

	// No sources means no context, not an error.
	empty, err := planner.Plan(ctx, "text", nil, 2)
	if err != nil {
		t.Fatalf("Plan() with no sources error = %v", err)
	}
	if empty != nil {
		t.Errorf("Plan() with no sources = %v, want nil", empty)
	}
}

func TestFormatContextStable(t *testing.T) {
	results := []vectorstore.SearchResult{
		{Chunk: vectorstore.Chunk{SourceID: "a.txt", Sequence: 0, Text: "first chunk"}},
		{Chunk: vectorstore.Chunk{SourceID: "b.txt", Sequence: 3, Text: "second chunk"}},
	}

	got := FormatContext(results)
	want := "--- Context Chunk 1 (Source: a.txt) ---\nfirst chunk\n" +
		"--- Context Chunk 2 (Source: b.txt) ---\nsecond chunk\n"
	if got != want {
		t.Errorf("FormatContext() = %q, want %q", got, want)
	}

	// Identical input must render byte-identically.
	if FormatContext(results) != got {
		t.Error("FormatContext() not stable across calls")
	}
	if FormatContext(nil) != "" {
		t.Error("FormatContext(nil) should be empty")
	}
}

func TestChunkIDs(t *testing.T) {
	results := []vectorstore.SearchResult{
		{Chunk: vectorstore.Chunk{SourceID: "a.txt", Sequence: 2}},
		{Chunk: vectorstore.Chunk{SourceID: "a.txt", Sequence: 0}},
	}
	ids := ChunkIDs(results)
	if len(ids) != 2 || ids[0] != "a.txt#000002" || ids[1] != "a.txt#000000" {
		t.Errorf("ChunkIDs() = %v", ids)
	}
}

func TestFullTextReconstructsOverlap(t *testing.T) {
	planner, store, _ := newTestPlanner(t)
	ctx := context.Background()

	// Overlapping spans: "hello world again" split with a shared region.
	text := "hello world again"
	chunks := []vectorstore.Chunk{
		{SourceID: "doc.txt", Sequence: 0, Text: text[0:11], Start: 0, End: 11, Embedding: make([]float32, 64)},
		{SourceID: "doc.txt", Sequence: 1, Text: text[6:17], Start: 6, End: 17, Embedding: make([]float32, 64)},
	}
	chunks[0].Embedding[0] = 1
	chunks[1].Embedding[1] = 1
	if err := store.Upsert(ctx, chunks); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := planner.FullText(ctx, []string{"doc.txt"}, 0)
	if err != nil {
		t.Fatalf("FullText() error = %v", err)
	}
	if !strings.HasSuffix(got, text) {
		t.Errorf("FullText() = %q, want suffix %q without duplicated overlap", got, text)
	}
	if strings.Count(got, "world") != 1 {
		t.Errorf("overlap duplicated in %q", got)
	}
}

func TestFullTextLimitIsHardError(t *testing.T) {
	planner, store, _ := newTestPlanner(t)
	ctx := context.Background()

	long := strings.Repeat("a", 500)
	chunk := vectorstore.Chunk{
		SourceID: "big.txt", Sequence: 0, Text: long,
		Start: 0, End: len(long), Embedding: make([]float32, 64),
	}
	chunk.Embedding[0] = 1
	if err := store.Upsert(ctx, []vectorstore.Chunk{chunk}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	_, err := planner.FullText(ctx, []string{"big.txt"}, 100)
	if err == nil {
		t.Fatal("FullText() over limit expected error")
	}
	if !provider.IsInputError(err) {
		t.Errorf("FullText() over limit error = %v, want input error", err)
	}

	// Under the limit it succeeds; the ceiling is not a truncation.
	got, err := planner.FullText(ctx, []string{"big.txt"}, 10_000)
	if err != nil {
		t.Fatalf("FullText() under limit error = %v", err)
	}
	if !strings.Contains(got, long) {
		t.Error("FullText() under limit truncated the document")
	}
}
