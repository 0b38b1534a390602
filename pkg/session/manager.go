package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Manager manages session lifecycle on top of a Store.
// Manager is safe for concurrent use across sessions; operations on a
// single session must be serialized through Lock.
type Manager struct {
	store  Store
	maxAge time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a session manager with the given backend.
// maxAge controls the derived expiry recorded on each save and the
// CleanupExpired default.
func NewManager(store Store, maxAge time.Duration) *Manager {
	return &Manager{
		store:  store,
		maxAge: maxAge,
		locks:  make(map[string]*sync.Mutex),
		now:    time.Now,
	}
}

// Create creates a new session bound to a provider and model.
// The provider is immutable for the session's lifetime.
func (m *Manager) Create(ctx context.Context, provider Provider, model, instruction string) (*State, error) {
	if !provider.Valid() {
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}

	now := m.now().UTC()
	state := &State{
		ID:             uuid.New().String(),
		Provider:       provider,
		Model:          model,
		CreatedAt:      now,
		LastAccessedAt: now,
		Instruction:    instruction,
	}

	if err := m.Save(ctx, state); err != nil {
		return nil, err
	}

	return state, nil
}

// Get retrieves a session by ID. Expired sessions are still returned;
// only the explicit cleanup sweep removes them.
func (m *Manager) Get(ctx context.Context, sessionID string) (*State, error) {
	return m.store.Load(ctx, sessionID)
}

// Save persists a session record, stamping the derived expiry.
// The underlying store replaces the record atomically.
func (m *Manager) Save(ctx context.Context, state *State) error {
	state.ExpiresAt = state.LastAccessedAt.Add(m.maxAge)
	if err := m.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save session %s: %w", state.ID, err)
	}
	return nil
}

// Touch updates the last-accessed time without other mutation.
func (m *Manager) Touch(ctx context.Context, state *State) error {
	state.LastAccessedAt = m.now().UTC()
	return m.Save(ctx, state)
}

// Lock acquires the per-session mutex and returns its release func.
// No two operations on the same session may be in flight concurrently;
// every caller mutating a session must hold this lock.
func (m *Manager) Lock(sessionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[sessionID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Delete removes a session and its per-session lock.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.store.Delete(ctx, sessionID); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.locks, sessionID)
	m.mu.Unlock()

	return nil
}

// List returns all sessions, most recently accessed first.
func (m *Manager) List(ctx context.Context) ([]*State, error) {
	return m.store.List(ctx)
}

// CleanupExpired removes sessions whose age since last access exceeds
// maxAge and returns the number removed. A negative maxAge uses the
// manager's configured default; zero removes every session with any age.
func (m *Manager) CleanupExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge < 0 {
		maxAge = m.maxAge
	}

	states, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now().UTC()
	deleted := 0
	for _, state := range states {
		if now.Sub(state.LastAccessedAt) <= maxAge {
			continue
		}
		if err := m.Delete(ctx, state.ID); err != nil {
			return deleted, fmt.Errorf("delete expired session %s: %w", state.ID, err)
		}
		deleted++
	}

	return deleted, nil
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
