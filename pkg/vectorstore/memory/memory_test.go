package memory

import (
	"context"
	"testing"

	"github.com/docuchat-dev/docuchat/pkg/vectorstore"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	store, err := New(vectorstore.Config{EmbeddingDimensions: 3})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return store
}

func chunk(source string, seq int, embedding []float32) vectorstore.Chunk {
	return vectorstore.Chunk{
		SourceID:  source,
		Sequence:  seq,
		Text:      "chunk text",
		Embedding: embedding,
	}
}

func TestUpsertIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	c := chunk("doc.txt", 0, []float32{1, 0, 0})
	if err := store.Upsert(ctx, []vectorstore.Chunk{c}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	c.Text = "updated text"
	if err := store.Upsert(ctx, []vectorstore.Chunk{c}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	count, err := store.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}

	chunks, err := store.Source(ctx, "doc.txt")
	if err != nil {
		t.Fatalf("Source() error = %v", err)
	}
	if chunks[0].Text != "updated text" {
		t.Errorf("Text = %q, want replacement to win", chunks[0].Text)
	}
}

func TestUpsertValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		chunk vectorstore.Chunk
	}{
		{"empty source", chunk("", 0, []float32{1, 0, 0})},
		{"negative sequence", chunk("doc.txt", -1, []float32{1, 0, 0})},
		{"dimension mismatch", chunk("doc.txt", 0, []float32{1, 0})},
		{"empty embedding", chunk("doc.txt", 0, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := store.Upsert(ctx, []vectorstore.Chunk{tt.chunk}); err == nil {
				t.Error("Upsert() expected error, got nil")
			}
		})
	}
}

func TestSearchRankingDeterministic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	chunks := []vectorstore.Chunk{
		chunk("a.txt", 0, []float32{1, 0, 0}),
		chunk("a.txt", 1, []float32{0, 1, 0}),
		// Same direction as a.txt#0: identical score, tie broken by
		// sequence then source.
		chunk("b.txt", 0, []float32{2, 0, 0}),
		chunk("b.txt", 1, []float32{0.9, 0.1, 0}),
	}
	if err := store.Upsert(ctx, chunks); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	query := []float32{1, 0, 0}
	first, err := store.Search(ctx, query, nil, 3)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	wantOrder := []string{"a.txt#000000", "b.txt#000000", "b.txt#000001"}
	if len(first) != len(wantOrder) {
		t.Fatalf("Search() returned %d results, want %d", len(first), len(wantOrder))
	}
	for i, want := range wantOrder {
		if got := first[i].Chunk.ID(); got != want {
			t.Errorf("result[%d] = %s, want %s", i, got, want)
		}
	}

	// Identical query must return the identical ordering.
	for run := 0; run < 5; run++ {
		again, err := store.Search(ctx, query, nil, 3)
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		for i := range again {
			if again[i].Chunk.ID() != first[i].Chunk.ID() {
				t.Fatalf("run %d: ordering changed at %d", run, i)
			}
		}
	}
}

func TestSearchSourceFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, []vectorstore.Chunk{
		chunk("a.txt", 0, []float32{1, 0, 0}),
		chunk("b.txt", 0, []float32{1, 0, 0}),
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	results, err := store.Search(ctx, []float32{1, 0, 0}, []string{"b.txt"}, 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Chunk.SourceID != "b.txt" {
		t.Errorf("Search() = %v, want only b.txt", results)
	}
}

func TestDeleteSource(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, []vectorstore.Chunk{
		chunk("a.txt", 0, []float32{1, 0, 0}),
		chunk("a.txt", 1, []float32{0, 1, 0}),
		chunk("b.txt", 0, []float32{0, 0, 1}),
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	if err := store.DeleteSource(ctx, "a.txt"); err != nil {
		t.Fatalf("DeleteSource() error = %v", err)
	}

	count, _ := store.Count(ctx)
	if count != 1 {
		t.Errorf("Count() = %d after delete, want 1", count)
	}
	remaining, _ := store.Source(ctx, "a.txt")
	if len(remaining) != 0 {
		t.Errorf("Source(a.txt) = %d chunks after delete, want 0", len(remaining))
	}
}

func TestSourceOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Insert out of order.
	if err := store.Upsert(ctx, []vectorstore.Chunk{
		chunk("a.txt", 2, []float32{1, 0, 0}),
		chunk("a.txt", 0, []float32{0, 1, 0}),
		chunk("a.txt", 1, []float32{0, 0, 1}),
	}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	chunks, err := store.Source(ctx, "a.txt")
	if err != nil {
		t.Fatalf("Source() error = %v", err)
	}
	for i, c := range chunks {
		if c.Sequence != i {
			t.Errorf("chunks[%d].Sequence = %d, want %d", i, c.Sequence, i)
		}
	}
}
