// Package orchestrator coordinates one document-chat turn end to end:
// assemble the prompt, pick the cache strategy, invoke the provider,
// commit the session mutation, and report token accounting.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/docuchat-dev/docuchat/internal/cost"
	"github.com/docuchat-dev/docuchat/internal/loader"
	"github.com/docuchat-dev/docuchat/internal/provider"
	"github.com/docuchat-dev/docuchat/internal/retrieval"
	"github.com/docuchat-dev/docuchat/pkg/config"
	"github.com/docuchat-dev/docuchat/pkg/embeddings"
	"github.com/docuchat-dev/docuchat/pkg/observability"
	"github.com/docuchat-dev/docuchat/pkg/session"
	"github.com/docuchat-dev/docuchat/pkg/vectorstore"
)

// Options control one query.
type Options struct {
	// UseRAG selects retrieved chunks instead of full document text.
	UseRAG bool
	// UseCache enables provider-side context caching.
	UseCache bool
	// MaxChunks is the retrieval depth when UseRAG is set.
	MaxChunks int
	// Temperature overrides the provider default when > 0.
	Temperature float64
}

// DefaultOptions is the policy for interactive use.
var DefaultOptions = Options{UseRAG: true, UseCache: true, MaxChunks: retrieval.DefaultMaxChunks}

// Result is the answer plus its accounting record.
type Result struct {
	Answer            string         `json:"answer"`
	Usage             provider.Usage `json:"usage"`
	CacheHitRate      float64        `json:"cache_hit_rate"`
	RetrievedChunkIDs []string       `json:"retrieved_chunk_ids,omitempty"`
	Model             string         `json:"model,omitempty"`
	CostUSD           float64        `json:"cost_usd,omitempty"`
}

// DocumentLoadResult summarizes one loaded document.
type DocumentLoadResult struct {
	Path       string `json:"path"`
	ChunkCount int    `json:"chunk_count"`
}

// Orchestrator wires the session store, chunk store, retrieval planner,
// and provider adapters together.
type Orchestrator struct {
	sessions *session.Manager
	store    vectorstore.Store
	embedder embeddings.EmbeddingService
	planner  *retrieval.Planner
	adapters map[session.Provider]provider.Adapter
	cfg      *config.Config
	chunker  *loader.Chunker
	now      func() time.Time
}

// New creates an orchestrator. The adapters map must contain an entry
// for every provider sessions may be bound to.
func New(cfg *config.Config, sessions *session.Manager, store vectorstore.Store, embedder embeddings.EmbeddingService, adapters map[session.Provider]provider.Adapter) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		store:    store,
		embedder: embedder,
		planner:  retrieval.NewPlanner(store, embedder),
		adapters: adapters,
		cfg:      cfg,
		chunker:  loader.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		now:      time.Now,
	}
}

// CreateSession starts a new session bound to a provider.
// An empty providerName uses the configured default.
func (o *Orchestrator) CreateSession(ctx context.Context, providerName, instruction string) (*session.State, error) {
	if providerName == "" {
		providerName = o.cfg.DefaultProvider
	}
	prov := session.Provider(providerName)
	if _, ok := o.adapters[prov]; !ok {
		return nil, fmt.Errorf("no adapter configured for provider %q", providerName)
	}

	model := o.cfg.ClaudeModel
	if prov == session.ProviderGemini {
		model = o.cfg.GeminiModel
	}

	state, err := o.sessions.Create(ctx, prov, model, instruction)
	if err != nil {
		return nil, err
	}
	log.Printf("session %s created (provider=%s model=%s)", state.ID, prov, model)
	return state, nil
}

// LoadDocuments chunks, embeds, and indexes documents into a session.
// Loading is idempotent per path; reloading replaces the chunks. Any
// active cache handle is invalidated because the document context has
// changed.
func (o *Orchestrator) LoadDocuments(ctx context.Context, sessionID string, paths []string) ([]DocumentLoadResult, error) {
	unlock := o.sessions.Lock(sessionID)
	defer unlock()

	state, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	results := make([]DocumentLoadResult, 0, len(paths))
	for _, path := range paths {
		doc, err := loader.Load(path)
		if err != nil {
			return nil, err
		}

		chunks := o.chunker.Chunk(doc)
		if err := o.embedChunks(ctx, chunks); err != nil {
			return nil, fmt.Errorf("embed %s: %w", doc.SourceID, err)
		}
		if err := o.store.Upsert(ctx, chunks); err != nil {
			return nil, fmt.Errorf("index %s: %w", doc.SourceID, err)
		}

		state.AddDocument(doc.SourceID, len(chunks))
		results = append(results, DocumentLoadResult{Path: doc.SourceID, ChunkCount: len(chunks)})
		log.Printf("session %s: loaded %s (%d chunks)", sessionID, doc.SourceID, len(chunks))
	}

	state.CacheHandle = nil
	state.LastAccessedAt = o.now().UTC()
	if err := o.sessions.Save(ctx, state); err != nil {
		return nil, err
	}

	return results, nil
}

// embedChunks fills in chunk embeddings, batching across goroutines.
func (o *Orchestrator) embedChunks(ctx context.Context, chunks []vectorstore.Chunk) error {
	const batchSize = 32

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(chunks); start += batchSize {
		end := start + batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		g.Go(func() error {
			texts := make([]string, len(batch))
			for i, c := range batch {
				texts[i] = c.Text
			}
			vectors, err := o.embedder.EmbedBatch(ctx, texts)
			if err != nil {
				return err
			}
			for i := range batch {
				batch[i].Embedding = vectors[i]
			}
			return nil
		})
	}

	return g.Wait()
}

// SwitchInstruction replaces the session's system instruction. The old
// instruction is retired into the audit history, and any explicit cache
// handle is invalidated: the stable prefix it was minted for no longer
// exists. Implicit-cache providers simply miss on the next turn.
func (o *Orchestrator) SwitchInstruction(ctx context.Context, sessionID, instruction string) error {
	unlock := o.sessions.Lock(sessionID)
	defer unlock()

	state, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if state.Instruction != "" {
		state.InstructionHistory = append(state.InstructionHistory, session.InstructionRecord{
			Text:  state.Instruction,
			SetAt: o.now().UTC(),
		})
	}
	state.Instruction = instruction
	state.CacheHandle = nil
	state.LastAccessedAt = o.now().UTC()

	return o.sessions.Save(ctx, state)
}

// DeleteSession removes a session. Indexed chunks are kept; documents
// may be shared across sessions.
func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	unlock := o.sessions.Lock(sessionID)
	defer unlock()
	return o.sessions.Delete(ctx, sessionID)
}

// Run processes one query against a session and returns the answer with
// its accounting record. The session mutation (both transcript turns,
// the refreshed handle, the access time) is committed in one save after
// the provider call succeeds; a failed or canceled turn leaves the
// session unchanged.
func (o *Orchestrator) Run(ctx context.Context, sessionID, query string, opts Options) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, provider.NewProviderError("orchestrator", provider.ErrorCodeInvalidRequest, "query is empty", nil)
	}

	unlock := o.sessions.Lock(sessionID)
	defer unlock()

	state, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	adapter, ok := o.adapters[state.Provider]
	if !ok {
		return nil, fmt.Errorf("no adapter configured for provider %q", state.Provider)
	}

	start := o.now()

	// ASSEMBLE_CONTEXT: instruction, then document context, in a fixed
	// deterministic order. Any byte change here defeats prefix caching.
	docContext, chunkIDs, err := o.assembleContext(ctx, state, query, opts)
	if err != nil {
		return nil, err
	}
	stablePrefix := buildStablePrefix(state.Instruction, docContext)

	// SELECT_CACHE_STRATEGY.
	mode := o.selectCacheMode(state.Provider, stablePrefix, opts)

	req := provider.Request{
		Segment: provider.CacheSegment{
			StablePrefix:   stablePrefix,
			VolatileSuffix: query,
			Mode:           mode,
		},
		History:     historyWindow(state.History, o.cfg.HistoryWindow),
		Model:       state.Model,
		MaxTokens:   o.maxTokens(state.Provider),
		Temperature: opts.Temperature,
		Handle:      toProviderHandle(state.CacheHandle),
	}

	// INVOKE_PROVIDER.
	result, err := adapter.Invoke(ctx, req)
	if err != nil {
		observability.QueriesTotal.WithLabelValues(string(state.Provider), "error").Inc()
		return nil, err
	}

	// A cancellation observed after the call completes still aborts the
	// turn without mutating the session.
	if ctx.Err() != nil {
		observability.QueriesTotal.WithLabelValues(string(state.Provider), "canceled").Inc()
		return nil, ctx.Err()
	}

	// APPEND_HISTORY: one atomic mutation for the whole turn.
	now := o.now().UTC()
	state.History = append(state.History,
		session.Turn{Role: "user", Content: query, Timestamp: now},
		session.Turn{Role: "assistant", Content: result.Content, Timestamp: now},
	)
	state.CacheHandle = fromProviderHandle(result.Handle)
	state.LastAccessedAt = now
	if err := o.sessions.Save(ctx, state); err != nil {
		return nil, err
	}

	// SUMMARIZE.
	hitRate := cost.HitRate(result.Usage)
	o.recordMetrics(string(state.Provider), result.Usage, hitRate, o.now().Sub(start))

	return &Result{
		Answer:            result.Content,
		Usage:             result.Usage,
		CacheHitRate:      hitRate,
		RetrievedChunkIDs: chunkIDs,
		Model:             result.Model,
		CostUSD:           cost.Estimate(result.Usage, state.Model),
	}, nil
}

// assembleContext builds the document context block and reports which
// chunks were retrieved, if any.
func (o *Orchestrator) assembleContext(ctx context.Context, state *session.State, query string, opts Options) (string, []string, error) {
	sources := state.SourceIDs()
	if len(sources) == 0 {
		return "", nil, nil
	}

	if opts.UseRAG {
		results, err := o.planner.Plan(ctx, query, sources, opts.MaxChunks)
		if err != nil {
			return "", nil, err
		}
		return retrieval.FormatContext(results), retrieval.ChunkIDs(results), nil
	}

	text, err := o.planner.FullText(ctx, sources, o.cfg.FullTextLimit)
	if err != nil {
		return "", nil, err
	}
	return text, nil, nil
}

// buildStablePrefix joins the instruction and document context in the
// fixed order every turn uses.
func buildStablePrefix(instruction, docContext string) string {
	switch {
	case instruction == "":
		return docContext
	case docContext == "":
		return instruction
	default:
		return instruction + "\n\n" + docContext
	}
}

// selectCacheMode picks the provider's caching strategy, bypassing
// caching entirely when disabled or when the prefix is too small to be
// worth the overhead.
func (o *Orchestrator) selectCacheMode(prov session.Provider, stablePrefix string, opts Options) provider.CacheMode {
	if !opts.UseCache {
		return provider.CacheModeNone
	}
	if provider.EstimateTokens(stablePrefix) < o.cfg.MinCacheTokens {
		return provider.CacheModeNone
	}
	if prov == session.ProviderGemini {
		return provider.CacheModeHandle
	}
	return provider.CacheModeBreakpoint
}

// historyWindow returns the most recent turns within the window.
func historyWindow(history []session.Turn, window int) []provider.Turn {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	turns := make([]provider.Turn, len(history))
	for i, t := range history {
		turns[i] = provider.Turn{Role: t.Role, Content: t.Content}
	}
	return turns
}

func (o *Orchestrator) maxTokens(prov session.Provider) int {
	if prov == session.ProviderGemini {
		return o.cfg.GeminiMaxTokens
	}
	return o.cfg.ClaudeMaxTokens
}

func toProviderHandle(h *session.CacheHandle) *provider.Handle {
	if h == nil {
		return nil
	}
	return &provider.Handle{Name: h.Name, Fingerprint: h.Fingerprint, ExpiresAt: h.ExpiresAt}
}

func fromProviderHandle(h *provider.Handle) *session.CacheHandle {
	if h == nil {
		return nil
	}
	return &session.CacheHandle{Name: h.Name, Fingerprint: h.Fingerprint, ExpiresAt: h.ExpiresAt}
}

func (o *Orchestrator) recordMetrics(prov string, u provider.Usage, hitRate float64, elapsed time.Duration) {
	observability.QueriesTotal.WithLabelValues(prov, "ok").Inc()
	observability.InputTokensTotal.WithLabelValues(prov).Add(float64(u.InputTokens))
	observability.OutputTokensTotal.WithLabelValues(prov).Add(float64(u.OutputTokens))
	observability.CacheReadTokensTotal.WithLabelValues(prov).Add(float64(u.CacheReadTokens))
	observability.CacheWriteTokensTotal.WithLabelValues(prov).Add(float64(u.CacheWriteTokens))
	observability.CacheHitRate.WithLabelValues(prov).Observe(hitRate)
	observability.QueryDuration.WithLabelValues(prov).Observe(elapsed.Seconds())
}

// GenerateOutput runs a query and writes the answer to a file, recording
// the artifact on the session.
func (o *Orchestrator) GenerateOutput(ctx context.Context, sessionID, query, outputPath string, opts Options) (*Result, error) {
	result, err := o.Run(ctx, sessionID, query, opts)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(outputPath, []byte(result.Answer), 0600); err != nil {
		return nil, fmt.Errorf("write output %s: %w", outputPath, err)
	}

	unlock := o.sessions.Lock(sessionID)
	defer unlock()

	state, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	state.Outputs = append(state.Outputs, session.OutputRef{
		Path:      outputPath,
		Bytes:     len(result.Answer),
		CreatedAt: o.now().UTC(),
	})
	if err := o.sessions.Save(ctx, state); err != nil {
		return nil, err
	}

	return result, nil
}

// BatchResult pairs one batch query with its outcome.
type BatchResult struct {
	Query  string  `json:"query"`
	Result *Result `json:"result,omitempty"`
	Err    error   `json:"-"`
}

// RunBatch processes queries sequentially against one session so later
// queries reuse the cache warmed by earlier ones. A failed query is
// recorded and the batch continues.
func (o *Orchestrator) RunBatch(ctx context.Context, sessionID string, queries []string, opts Options) ([]BatchResult, error) {
	results := make([]BatchResult, 0, len(queries))
	for _, q := range queries {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		r, err := o.Run(ctx, sessionID, q, opts)
		if err != nil {
			log.Printf("session %s: batch query failed: %v", sessionID, err)
		}
		results = append(results, BatchResult{Query: q, Result: r, Err: err})
	}
	return results, nil
}
