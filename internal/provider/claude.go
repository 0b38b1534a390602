package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/docuchat-dev/docuchat/pkg/observability"
)

const (
	claudeDefaultBaseURL   = "https://api.anthropic.com/v1"
	claudeAPIVersion       = "2023-06-01"
	claudeDefaultMaxTokens = 4096
)

// ClaudeAdapter implements Adapter against the Anthropic Messages API.
// Caching is implicit: the stable prefix is sent as a system content
// block carrying a cache_control breakpoint, and the provider reuses
// its own server-side prefix cache for roughly five minutes as long as
// the prefix stays byte-identical. No handle is ever returned.
type ClaudeAdapter struct {
	apiKey      string
	baseURL     string
	model       string
	maxAttempts int
	cacheTTL    time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
	backoffBase time.Duration
}

// ClaudeConfig configures a ClaudeAdapter.
type ClaudeConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// CacheTTL selects the breakpoint lifetime. Anthropic offers two
	// tiers: the default five minutes, or one hour for anything
	// configured at an hour or longer.
	CacheTTL    time.Duration
	MaxAttempts int
	Timeout     time.Duration
	// RequestsPerSecond caps the outbound call rate. Zero disables
	// client-side limiting.
	RequestsPerSecond float64
}

// NewClaude creates a Claude adapter.
func NewClaude(config ClaudeConfig) (*ClaudeAdapter, error) {
	if config.APIKey == "" {
		return nil, NewProviderError("claude", ErrorCodeAuthentication, "api key is required", nil)
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = claudeDefaultBaseURL
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	return &ClaudeAdapter{
		apiKey:      config.APIKey,
		baseURL:     baseURL,
		model:       config.Model,
		maxAttempts: maxAttempts,
		cacheTTL:    config.CacheTTL,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
		backoffBase: time.Second,
	}, nil
}

// Name returns the provider name.
func (c *ClaudeAdapter) Name() string { return "claude" }

type claudeCacheControl struct {
	Type string `json:"type"`
	TTL  string `json:"ttl,omitempty"`
}

type claudeSystemBlock struct {
	Type         string              `json:"type"`
	Text         string              `json:"text"`
	CacheControl *claudeCacheControl `json:"cache_control,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string              `json:"model"`
	MaxTokens   int                 `json:"max_tokens"`
	System      []claudeSystemBlock `json:"system,omitempty"`
	Messages    []claudeMessage     `json:"messages"`
	Temperature *float64            `json:"temperature,omitempty"`
}

type claudeResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

type claudeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Invoke performs one Messages API call. The stable prefix becomes the
// system block; history and the volatile suffix become the message list.
func (c *ClaudeAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claudeDefaultMaxTokens
	}

	body := claudeRequest{
		Model:     model,
		MaxTokens: maxTokens,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		body.Temperature = &t
	}

	if req.Segment.StablePrefix != "" {
		block := claudeSystemBlock{Type: "text", Text: req.Segment.StablePrefix}
		if req.Segment.Mode == CacheModeBreakpoint {
			cc := &claudeCacheControl{Type: "ephemeral"}
			if c.cacheTTL >= time.Hour {
				cc.TTL = "1h"
			}
			block.CacheControl = cc
		}
		body.System = []claudeSystemBlock{block}
	}

	for _, turn := range req.History {
		body.Messages = append(body.Messages, claudeMessage{Role: turn.Role, Content: turn.Content})
	}
	body.Messages = append(body.Messages, claudeMessage{Role: "user", Content: req.Segment.VolatileSuffix})

	var resp claudeResponse
	err := c.doRequestWithRetry(ctx, "POST", "/messages", body, &resp)
	if err != nil {
		return nil, err
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &Result{
		Content: content,
		Model:   resp.Model,
		Usage: Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
		},
	}, nil
}

// doRequestWithRetry performs an HTTP request with bounded exponential
// backoff. Only transient failures retry; auth, quota, and input errors
// surface immediately.
func (c *ClaudeAdapter) doRequestWithRetry(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var lastErr error

	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			observability.ProviderRetriesTotal.WithLabelValues("claude").Inc()
			backoff := c.backoffBase << uint(attempt-1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := c.doRequest(ctx, method, path, reqBody, respBody)
		if err == nil {
			return nil
		}

		var pe *ProviderError
		if errors.As(err, &pe) && !pe.IsRetryable {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
	}

	return Unavailable("claude", lastErr)
}

func (c *ClaudeAdapter) doRequest(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return NewProviderError("claude", ErrorCodeInvalidRequest, "marshal request: "+err.Error(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return NewProviderError("claude", ErrorCodeInvalidRequest, "create request: "+err.Error(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", claudeAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewProviderError("claude", ErrorCodeTimeout, "request failed: "+err.Error(), err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return NewProviderError("claude", ErrorCodeServerError, "read response: "+err.Error(), err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return c.parseError(httpResp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, respBody); err != nil {
		return NewProviderError("claude", ErrorCodeServerError, "parse response: "+err.Error(), err)
	}

	return nil
}

func (c *ClaudeAdapter) parseError(status int, body []byte) error {
	var errResp claudeErrorResponse
	message := fmt.Sprintf("http %d", status)
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	code := ErrorCodeUnknown
	switch status {
	case http.StatusBadRequest:
		code = ErrorCodeInvalidRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		code = ErrorCodeAuthentication
	case http.StatusNotFound:
		code = ErrorCodeModelNotFound
	case http.StatusTooManyRequests:
		code = ErrorCodeRateLimit
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		code = ErrorCodeTimeout
	default:
		if status >= 500 {
			code = ErrorCodeServerError
		}
	}

	pe := NewProviderError("claude", code, message, nil)
	pe.Type = errResp.Error.Type
	pe.StatusCode = status
	return pe
}
