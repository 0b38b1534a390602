package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrInvalidSessionID is returned when a session ID contains unsafe characters.
var ErrInvalidSessionID = errors.New("invalid session ID: contains path separator or traversal sequence")

// validateSessionID checks that a string is safe to use as a path component.
func validateSessionID(s string) error {
	if s == "" {
		return errors.New("session ID cannot be empty")
	}
	if strings.ContainsAny(s, `/\`) || strings.Contains(s, "..") {
		return ErrInvalidSessionID
	}
	return nil
}

// FileBackend implements Store using one JSON file per session:
//
//	<baseDir>/
//	  ├── <session-id>.json
//	  └── <session-id>.json
//
// Records stay readable by tools outside this process for audit and
// debugging. Writes go to a temp file in the same directory followed by
// an atomic rename.
type FileBackend struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewFileBackend creates a new file-based storage backend.
// If baseDir is empty, uses ~/.docuchat/sessions.
func NewFileBackend(baseDir string) (*FileBackend, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".docuchat", "sessions")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{baseDir: baseDir}, nil
}

// Save creates or replaces a session record atomically.
func (f *FileBackend) Save(ctx context.Context, state *State) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validateSessionID(state.ID); err != nil {
		return err
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	final := filepath.Join(f.baseDir, state.ID+".json")

	// Write to a temp file in the same directory, then rename into place.
	// The rename is atomic on POSIX filesystems, so a crash mid-write
	// leaves the previous record intact.
	tmp, err := os.CreateTemp(f.baseDir, state.ID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace session file: %w", err)
	}

	return nil
}

// Load retrieves a session by ID.
func (f *FileBackend) Load(ctx context.Context, sessionID string) (*State, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(f.baseDir, sessionID+".json")) // #nosec G304 - ID validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}

	return &state, nil
}

// Delete removes a session record.
func (f *FileBackend) Delete(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrStorageClosed
	}
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	err := os.Remove(filepath.Join(f.baseDir, sessionID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("delete session file: %w", err)
	}

	return nil
}

// List returns all session records, most recently accessed first.
func (f *FileBackend) List(ctx context.Context) ([]*State, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		return nil, ErrStorageClosed
	}

	entries, err := os.ReadDir(f.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*State{}, nil
		}
		return nil, fmt.Errorf("read base directory: %w", err)
	}

	states := make([]*State, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(f.baseDir, entry.Name())) // #nosec G304 - listing own directory
		if err != nil {
			continue
		}

		var state State
		if err := json.Unmarshal(data, &state); err != nil {
			// Skip unreadable records rather than failing the listing.
			continue
		}
		states = append(states, &state)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].LastAccessedAt.After(states[j].LastAccessedAt)
	})

	return states, nil
}

// Close releases any resources held by the backend.
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.closed = true
	return nil
}
