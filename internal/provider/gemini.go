package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/docuchat-dev/docuchat/pkg/observability"
)

const (
	geminiDefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	geminiDefaultTTL     = time.Hour
)

// GeminiAdapter implements Adapter against the Gemini API. Caching is
// explicit: the stable prefix is uploaded once as a cachedContents
// resource with a TTL, and subsequent calls reference it by name. When
// the entry expires (locally or provider-side), the adapter silently
// resubmits the full context and mints a replacement handle; callers
// never see an expiry error.
type GeminiAdapter struct {
	apiKey      string
	baseURL     string
	model       string
	cacheTTL    time.Duration
	maxAttempts int
	httpClient  *http.Client
	limiter     *rate.Limiter
	backoffBase time.Duration
	now         func() time.Time
}

// GeminiConfig configures a GeminiAdapter.
type GeminiConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	CacheTTL    time.Duration
	MaxAttempts int
	Timeout     time.Duration
	// RequestsPerSecond caps the outbound call rate. Zero disables
	// client-side limiting.
	RequestsPerSecond float64
}

// NewGemini creates a Gemini adapter.
func NewGemini(config GeminiConfig) (*GeminiAdapter, error) {
	if config.APIKey == "" {
		return nil, NewProviderError("gemini", ErrorCodeAuthentication, "api key is required", nil)
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	ttl := config.CacheTTL
	if ttl <= 0 {
		ttl = geminiDefaultTTL
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

	return &GeminiAdapter{
		apiKey:      config.APIKey,
		baseURL:     baseURL,
		model:       config.Model,
		cacheTTL:    ttl,
		maxAttempts: maxAttempts,
		httpClient:  &http.Client{Timeout: timeout},
		limiter:     limiter,
		backoffBase: time.Second,
		now:         time.Now,
	}, nil
}

// Name returns the provider name.
func (g *GeminiAdapter) Name() string { return "gemini" }

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiCacheCreateRequest struct {
	Model    string          `json:"model"`
	Contents []geminiContent `json:"contents"`
	TTL      string          `json:"ttl"`
}

type geminiCacheResource struct {
	Name          string `json:"name"`
	ExpireTime    string `json:"expireTime"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type geminiGenerateRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	CachedContent     string                  `json:"cachedContent,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
	ModelVersion string `json:"modelVersion"`
}

type geminiErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// Invoke performs one generateContent call, maintaining the explicit
// cache handle lifecycle around it.
func (g *GeminiAdapter) Invoke(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	if req.Segment.Mode != CacheModeHandle {
		return g.generateUncached(ctx, model, req)
	}

	fingerprint := Fingerprint(req.Segment.StablePrefix)
	handle := req.Handle
	usage := Usage{}

	if !handle.Valid(fingerprint, g.now()) {
		minted, writeTokens, err := g.createCache(ctx, model, req.Segment.StablePrefix, fingerprint)
		if err != nil {
			return nil, err
		}
		handle = minted
		usage.CacheWriteTokens += writeTokens
	}

	result, err := g.generateCached(ctx, model, req, handle)
	if isCacheExpired(err) {
		// The provider dropped the entry before our local expiry.
		// Re-mint and retry once; the caller never sees this.
		minted, writeTokens, mintErr := g.createCache(ctx, model, req.Segment.StablePrefix, fingerprint)
		if mintErr != nil {
			return nil, mintErr
		}
		handle = minted
		usage.CacheWriteTokens += writeTokens
		result, err = g.generateCached(ctx, model, req, handle)
	}
	if err != nil {
		return nil, err
	}

	result.Usage.CacheWriteTokens += usage.CacheWriteTokens
	result.Handle = handle
	return result, nil
}

// createCache uploads the stable prefix as a cachedContents resource.
func (g *GeminiAdapter) createCache(ctx context.Context, model, stablePrefix, fingerprint string) (*Handle, int, error) {
	body := geminiCacheCreateRequest{
		Model: "models/" + model,
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: stablePrefix}}},
		},
		TTL: fmt.Sprintf("%ds", int(g.cacheTTL.Seconds())),
	}

	var resource geminiCacheResource
	if err := g.doRequestWithRetry(ctx, "POST", "/cachedContents", body, &resource); err != nil {
		return nil, 0, err
	}

	expiresAt, err := time.Parse(time.RFC3339, resource.ExpireTime)
	if err != nil {
		// Fall back to the requested TTL if the server timestamp is odd.
		expiresAt = g.now().Add(g.cacheTTL)
	}

	return &Handle{
		Name:        resource.Name,
		Fingerprint: fingerprint,
		ExpiresAt:   expiresAt,
	}, resource.UsageMetadata.TotalTokenCount, nil
}

func (g *GeminiAdapter) generateCached(ctx context.Context, model string, req Request, handle *Handle) (*Result, error) {
	body := geminiGenerateRequest{
		CachedContent:    handle.Name,
		Contents:         buildGeminiContents(req),
		GenerationConfig: buildGeminiGenerationConfig(req),
	}
	return g.generate(ctx, model, body)
}

// generateUncached sends the stable prefix inline as the system
// instruction. Used below the caching threshold and when caching is off.
func (g *GeminiAdapter) generateUncached(ctx context.Context, model string, req Request) (*Result, error) {
	body := geminiGenerateRequest{
		Contents:         buildGeminiContents(req),
		GenerationConfig: buildGeminiGenerationConfig(req),
	}
	if req.Segment.StablePrefix != "" {
		body.SystemInstruction = &geminiContent{
			Parts: []geminiPart{{Text: req.Segment.StablePrefix}},
		}
	}
	return g.generate(ctx, model, body)
}

func buildGeminiContents(req Request) []geminiContent {
	var contents []geminiContent
	for _, turn := range req.History {
		role := turn.Role
		if role == "assistant" {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: turn.Content}},
		})
	}
	contents = append(contents, geminiContent{
		Role:  "user",
		Parts: []geminiPart{{Text: req.Segment.VolatileSuffix}},
	})
	return contents
}

func buildGeminiGenerationConfig(req Request) *geminiGenerationConfig {
	if req.Temperature <= 0 && req.MaxTokens <= 0 {
		return nil
	}
	cfg := &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens}
	if req.Temperature > 0 {
		t := req.Temperature
		cfg.Temperature = &t
	}
	return cfg
}

func (g *GeminiAdapter) generate(ctx context.Context, model string, body geminiGenerateRequest) (*Result, error) {
	var resp geminiGenerateResponse
	path := fmt.Sprintf("/models/%s:generateContent", model)
	if err := g.doRequestWithRetry(ctx, "POST", path, body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Candidates) == 0 {
		return nil, NewProviderError("gemini", ErrorCodeServerError, "no candidates in response", nil)
	}

	var content strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	cached := resp.UsageMetadata.CachedContentTokenCount
	// promptTokenCount includes cached tokens; split them out so the
	// uniform record counts each token exactly once.
	input := resp.UsageMetadata.PromptTokenCount - cached
	if input < 0 {
		input = 0
	}

	modelName := resp.ModelVersion
	if modelName == "" {
		modelName = model
	}

	return &Result{
		Content: content.String(),
		Model:   modelName,
		Usage: Usage{
			InputTokens:     input,
			OutputTokens:    resp.UsageMetadata.CandidatesTokenCount,
			CacheReadTokens: cached,
		},
	}, nil
}

// doRequestWithRetry performs an HTTP request with bounded exponential
// backoff. Cache-expired responses are classified but never retried
// here; Invoke handles the re-mint.
func (g *GeminiAdapter) doRequestWithRetry(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var lastErr error

	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			observability.ProviderRetriesTotal.WithLabelValues("gemini").Inc()
			backoff := g.backoffBase << uint(attempt-1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		err := g.doRequest(ctx, method, path, reqBody, respBody)
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

	return Unavailable("gemini", lastErr)
}

func (g *GeminiAdapter) doRequest(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	data, err := json.Marshal(reqBody)
	if err != nil {
		return NewProviderError("gemini", ErrorCodeInvalidRequest, "marshal request: "+err.Error(), err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return NewProviderError("gemini", ErrorCodeInvalidRequest, "create request: "+err.Error(), err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", g.apiKey)

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewProviderError("gemini", ErrorCodeTimeout, "request failed: "+err.Error(), err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return NewProviderError("gemini", ErrorCodeServerError, "read response: "+err.Error(), err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return g.parseError(httpResp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, respBody); err != nil {
		return NewProviderError("gemini", ErrorCodeServerError, "parse response: "+err.Error(), err)
	}

	return nil
}

func (g *GeminiAdapter) parseError(status int, body []byte) error {
	var errResp geminiErrorResponse
	message := fmt.Sprintf("http %d", status)
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	code := ErrorCodeUnknown
	switch status {
	case http.StatusBadRequest:
		code = ErrorCodeInvalidRequest
	case http.StatusUnauthorized:
		code = ErrorCodeAuthentication
	case http.StatusForbidden:
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

	// A rejected cachedContents reference means the entry is gone
	// provider-side regardless of the outer status code.
	if referencesCachedContent(message) && (status == http.StatusForbidden || status == http.StatusNotFound || status == http.StatusBadRequest) {
		code = ErrorCodeCacheExpired
	}

	pe := NewProviderError("gemini", code, message, nil)
	pe.Type = errResp.Error.Status
	pe.StatusCode = status
	return pe
}

func referencesCachedContent(message string) bool {
	lower := strings.ToLower(message)
	return strings.Contains(lower, "cachedcontent") || strings.Contains(lower, "cached content")
}
