// Package file provides a disk-persisted chunk store. Chunks are held in
// an in-process index for search and mirrored to one JSONL file per
// source, replaced atomically on every change.
package file

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/docuchat-dev/docuchat/pkg/vectorstore"
	"github.com/docuchat-dev/docuchat/pkg/vectorstore/memory"
)

// FileStore implements vectorstore.Store with JSONL persistence.
// Storage layout:
//
//	<dir>/
//	  ├── <sha256(source-id)>.jsonl
//	  └── ...
type FileStore struct {
	dir   string
	index *memory.MemoryStore
	mu    sync.Mutex
}

func init() {
	vectorstore.Register("file", func(config vectorstore.Config) (vectorstore.Store, error) {
		return New(config)
	})
}

// New opens (or creates) a file store at config.Path and loads the
// existing chunks into the search index.
func New(config vectorstore.Config) (*FileStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("file vectorstore requires a path")
	}

	if err := os.MkdirAll(config.Path, 0700); err != nil {
		return nil, fmt.Errorf("create vectorstore directory: %w", err)
	}

	index, err := memory.New(config)
	if err != nil {
		return nil, err
	}

	fs := &FileStore{dir: config.Path, index: index}
	if err := fs.loadAll(); err != nil {
		return nil, err
	}

	return fs, nil
}

func (f *FileStore) sourcePath(sourceID string) string {
	sum := sha256.Sum256([]byte(sourceID))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:16])+".jsonl")
}

func (f *FileStore) loadAll() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return fmt.Errorf("read vectorstore directory: %w", err)
	}

	ctx := context.Background()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}

		chunks, err := readChunkFile(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("load %s: %w", entry.Name(), err)
		}
		if err := f.index.Upsert(ctx, chunks); err != nil {
			return fmt.Errorf("index %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func readChunkFile(path string) ([]vectorstore.Chunk, error) {
	file, err := os.Open(path) // #nosec G304 - path built from hashed source ID
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var chunks []vectorstore.Chunk
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		var c vectorstore.Chunk
		if err := json.Unmarshal(scanner.Bytes(), &c); err != nil {
			return nil, fmt.Errorf("parse chunk record: %w", err)
		}
		chunks = append(chunks, c)
	}

	return chunks, scanner.Err()
}

func (f *FileStore) writeSource(ctx context.Context, sourceID string) error {
	chunks, err := f.index.Source(ctx, sourceID)
	if err != nil {
		return err
	}

	final := f.sourcePath(sourceID)
	if len(chunks) == 0 {
		if err := os.Remove(final); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove source file: %w", err)
		}
		return nil
	}

	tmp, err := os.CreateTemp(f.dir, "chunks.tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, c := range chunks {
		data, err := json.Marshal(c)
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("marshal chunk: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("write chunk: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("flush chunks: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace source file: %w", err)
	}

	return nil
}

// Upsert inserts or replaces chunks and rewrites the affected source files.
func (f *FileStore) Upsert(ctx context.Context, chunks []vectorstore.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.index.Upsert(ctx, chunks); err != nil {
		return err
	}

	touched := make(map[string]bool)
	for _, c := range chunks {
		touched[c.SourceID] = true
	}
	for sourceID := range touched {
		if err := f.writeSource(ctx, sourceID); err != nil {
			return err
		}
	}

	return nil
}

// Search delegates to the in-process index.
func (f *FileStore) Search(ctx context.Context, embedding []float32, sources []string, topK int) ([]vectorstore.SearchResult, error) {
	return f.index.Search(ctx, embedding, sources, topK)
}

// Source returns all chunks for a source ordered by Sequence.
func (f *FileStore) Source(ctx context.Context, sourceID string) ([]vectorstore.Chunk, error) {
	return f.index.Source(ctx, sourceID)
}

// DeleteSource removes a source's chunks from the index and disk.
func (f *FileStore) DeleteSource(ctx context.Context, sourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.index.DeleteSource(ctx, sourceID); err != nil {
		return err
	}
	return f.writeSource(ctx, sourceID)
}

// Count returns the total number of stored chunks.
func (f *FileStore) Count(ctx context.Context) (int, error) {
	return f.index.Count(ctx)
}

// Close is a no-op; all writes are flushed eagerly.
func (f *FileStore) Close() error {
	return nil
}
