package session

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// Store abstracts session persistence.
// Implementations must be safe for concurrent use, and Save must replace
// the record atomically so a crash mid-write never corrupts it.
type Store interface {
	// Save creates or replaces a session record.
	Save(ctx context.Context, state *State) error

	// Load retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Load(ctx context.Context, sessionID string) (*State, error)

	// Delete removes a session record.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Delete(ctx context.Context, sessionID string) error

	// List returns all session records, most recently accessed first.
	List(ctx context.Context) ([]*State, error)

	// Close releases any resources held by the backend.
	Close() error
}
