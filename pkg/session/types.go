// Package session provides durable conversation state for document chat.
// Each session records the transcript, loaded documents, the active system
// instruction, and the provider cache handle carried between turns.
package session

import (
	"time"
)

// Provider identifies the LLM provider a session is bound to.
// A session's provider never changes; switching providers means
// creating a new session.
type Provider string

const (
	// ProviderClaude uses implicit prefix caching with cache breakpoints.
	ProviderClaude Provider = "claude"
	// ProviderGemini uses explicit TTL-bound cache handles.
	ProviderGemini Provider = "gemini"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	return p == ProviderClaude || p == ProviderGemini
}

// Turn is a single entry in the conversation transcript.
// The transcript is append-only; insertion order is the literal
// conversation order resent on each turn.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// DocumentRef records a document loaded into a session.
type DocumentRef struct {
	Path       string `json:"path"`
	ChunkCount int    `json:"chunk_count"`
}

// CacheHandle is an opaque reference to provider-side cached context.
// It is only valid while the fingerprint matches the instruction and
// document context it was minted for and the TTL has not elapsed.
type CacheHandle struct {
	Name        string    `json:"name"`
	Fingerprint string    `json:"fingerprint"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the handle's TTL has elapsed at t.
func (h *CacheHandle) Expired(t time.Time) bool {
	return h == nil || !t.Before(h.ExpiresAt)
}

// InstructionRecord is a retired system instruction, kept for audit.
type InstructionRecord struct {
	Text  string    `json:"text"`
	SetAt time.Time `json:"set_at"`
}

// OutputRef records an artifact generated during the session.
type OutputRef struct {
	Path      string    `json:"path"`
	Bytes     int       `json:"bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// State is the durable record of one conversation.
// It is persisted as a single human-readable JSON document.
type State struct {
	ID             string    `json:"id"`
	Provider       Provider  `json:"provider"`
	Model          string    `json:"model"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	ExpiresAt      time.Time `json:"expires_at"`

	Instruction        string              `json:"instruction,omitempty"`
	InstructionHistory []InstructionRecord `json:"instruction_history,omitempty"`

	Documents []DocumentRef `json:"documents,omitempty"`
	History   []Turn        `json:"history,omitempty"`
	Outputs   []OutputRef   `json:"outputs,omitempty"`

	// CacheHandle is the active explicit cache handle, if any.
	CacheHandle *CacheHandle `json:"cache_handle,omitempty"`
}

// SourceIDs returns the loaded document identifiers in insertion order.
func (s *State) SourceIDs() []string {
	ids := make([]string, len(s.Documents))
	for i, d := range s.Documents {
		ids[i] = d.Path
	}
	return ids
}

// AddDocument records a loaded document, updating the chunk count if the
// path was already loaded.
func (s *State) AddDocument(path string, chunkCount int) {
	for i := range s.Documents {
		if s.Documents[i].Path == path {
			s.Documents[i].ChunkCount = chunkCount
			return
		}
	}
	s.Documents = append(s.Documents, DocumentRef{Path: path, ChunkCount: chunkCount})
}
