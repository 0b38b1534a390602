// Package provider hides the divergence between the two provider caching
// contracts behind one Adapter interface: Claude-style implicit prefix
// caching with breakpoints, and Gemini-style explicit TTL-bound cache
// handles. Adapters normalize token accounting into a uniform Usage.
package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// CacheMode selects the caching strategy for one provider call.
type CacheMode string

const (
	// CacheModeNone bypasses caching entirely (below-threshold prompts).
	CacheModeNone CacheMode = "none"
	// CacheModeBreakpoint marks the stable prefix boundary so the
	// provider's own prefix caching can apply (Claude).
	CacheModeBreakpoint CacheMode = "implicit_breakpoint"
	// CacheModeHandle submits the stable prefix once for an explicit
	// server-side cache entry and reuses the returned handle (Gemini).
	CacheModeHandle CacheMode = "explicit_handle"
)

// CacheSegment is the normalized caching decision for one call.
// The stable prefix (instruction + bulk context) must stay byte-identical
// across turns for caching to apply; the volatile suffix is the current
// turn's query and is never cached.
type CacheSegment struct {
	StablePrefix   string
	VolatileSuffix string
	Mode           CacheMode
}

// Turn is one prior conversation message resent with the request.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Handle references provider-side cached context.
type Handle struct {
	Name        string
	Fingerprint string
	ExpiresAt   time.Time
}

// Valid reports whether the handle can serve the given prefix
// fingerprint at time t. A small skew guards against serving a handle
// that expires while the request is in flight.
func (h *Handle) Valid(fingerprint string, t time.Time) bool {
	if h == nil || h.Name == "" {
		return false
	}
	if h.Fingerprint != fingerprint {
		return false
	}
	return t.Add(30 * time.Second).Before(h.ExpiresAt)
}

// Request is a normalized provider invocation.
type Request struct {
	Segment     CacheSegment
	History     []Turn
	Model       string
	MaxTokens   int
	Temperature float64

	// Handle is the session's active explicit cache handle, if any.
	// Ignored by implicit-cache providers.
	Handle *Handle
}

// Usage is the uniform token accounting record.
type Usage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
}

// Result is a normalized provider response.
type Result struct {
	Content string
	Usage   Usage
	Model   string

	// Handle is the active explicit cache handle after this call:
	// the one reused, refreshed, or freshly minted. Nil for implicit
	// providers and uncached calls.
	Handle *Handle
}

// Adapter translates a normalized request into a provider's wire-specific
// caching contract. An expired explicit handle is never surfaced; adapters
// transparently resubmit the full context and mint a new handle.
type Adapter interface {
	// Invoke performs one provider call.
	Invoke(ctx context.Context, req Request) (*Result, error)

	// Name returns the provider name ("claude" or "gemini").
	Name() string
}

// Fingerprint identifies the exact stable-prefix content a cache entry
// was created for. Any byte difference produces a new fingerprint.
func Fingerprint(stablePrefix string) string {
	sum := sha256.Sum256([]byte(stablePrefix))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens is the rough chars/4 heuristic used for the
// minimum-cacheable-size decision. It intentionally overestimates for
// dense text; the threshold is a floor, not an exact boundary.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// ProviderError represents a provider-specific error
type ProviderError struct {
	Provider      string `json:"provider"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Type          string `json:"type,omitempty"`
	StatusCode    int    `json:"status_code,omitempty"`
	IsRetryable   bool   `json:"is_retryable"`
	OriginalError error  `json:"-"`
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	return e.Provider + " error: " + e.Message
}

// Unwrap returns the original error
func (e *ProviderError) Unwrap() error {
	return e.OriginalError
}

// Common error codes
const (
	ErrorCodeInvalidRequest = "invalid_request"
	ErrorCodeAuthentication = "authentication_error"
	ErrorCodeRateLimit      = "rate_limit_exceeded"
	ErrorCodeQuotaExceeded  = "quota_exceeded"
	ErrorCodeServerError    = "server_error"
	ErrorCodeTimeout        = "timeout"
	ErrorCodeModelNotFound  = "model_not_found"
	ErrorCodeCacheExpired   = "cache_expired"
	ErrorCodeUnavailable    = "provider_unavailable"
	ErrorCodeUnknown        = "unknown_error"
)

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, original error) *ProviderError {
	return &ProviderError{
		Provider:      provider,
		Code:          code,
		Message:       message,
		OriginalError: original,
		IsRetryable:   isRetryableCode(code),
	}
}

// isRetryableCode determines if an error code is retryable.
// Authentication and quota errors are permanent and must surface
// immediately; only transient/network-class failures retry.
func isRetryableCode(code string) bool {
	switch code {
	case ErrorCodeRateLimit, ErrorCodeServerError, ErrorCodeTimeout:
		return true
	default:
		return false
	}
}

// Unavailable wraps the last transient error once the retry budget is
// exhausted, giving callers a distinct non-retryable kind.
func Unavailable(provider string, last error) *ProviderError {
	msg := "provider unavailable after retries"
	if last != nil {
		msg = msg + ": " + last.Error()
	}
	return &ProviderError{
		Provider:      provider,
		Code:          ErrorCodeUnavailable,
		Message:       msg,
		OriginalError: last,
	}
}

// errorCode extracts the code from a ProviderError, or "" for other errors.
func errorCode(err error) string {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code
	}
	return ""
}

// IsAuthError reports whether err is a credential failure.
func IsAuthError(err error) bool {
	return errorCode(err) == ErrorCodeAuthentication
}

// IsInputError reports whether err is a caller-input failure
// (malformed or oversized request).
func IsInputError(err error) bool {
	code := errorCode(err)
	return code == ErrorCodeInvalidRequest || code == ErrorCodeModelNotFound
}

// IsUnavailable reports whether err means the retry budget was exhausted
// against transient failures.
func IsUnavailable(err error) bool {
	return errorCode(err) == ErrorCodeUnavailable
}

// isCacheExpired reports whether err indicates the provider rejected an
// explicit cache handle. Never surfaced to callers.
func isCacheExpired(err error) bool {
	return errorCode(err) == ErrorCodeCacheExpired
}
