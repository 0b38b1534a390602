package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docuchat-dev/docuchat/internal/provider"
	"github.com/docuchat-dev/docuchat/pkg/config"
	"github.com/docuchat-dev/docuchat/pkg/embeddings"
	"github.com/docuchat-dev/docuchat/pkg/session"
	"github.com/docuchat-dev/docuchat/pkg/vectorstore"
	"github.com/docuchat-dev/docuchat/pkg/vectorstore/memory"
)

// fakeAdapter simulates provider-side prefix caching: a call whose
// stable prefix matches the previous call's produces cache reads.
type fakeAdapter struct {
	name string

	mu       sync.Mutex
	requests []provider.Request
	prevKey  string
	failWith error
	mints    int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Invoke(ctx context.Context, req provider.Request) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, req)
	if f.failWith != nil {
		err := f.failWith
		f.failWith = nil
		return nil, err
	}

	result := &provider.Result{
		Content: fmt.Sprintf("answer %d", len(f.requests)),
		Model:   "fake-model",
		Usage:   provider.Usage{InputTokens: 100, OutputTokens: 10},
	}

	if req.Segment.Mode != provider.CacheModeNone {
		key := string(req.Segment.Mode) + "\x00" + req.Segment.StablePrefix
		if key == f.prevKey {
			result.Usage = provider.Usage{InputTokens: 20, OutputTokens: 10, CacheReadTokens: 80}
		} else {
			result.Usage.CacheWriteTokens = 80
		}
		f.prevKey = key

		if req.Segment.Mode == provider.CacheModeHandle {
			fp := provider.Fingerprint(req.Segment.StablePrefix)
			if req.Handle.Valid(fp, time.Now()) {
				result.Handle = req.Handle
			} else {
				f.mints++
				result.Handle = &provider.Handle{
					Name:        fmt.Sprintf("cachedContents/fake-%d", f.mints),
					Fingerprint: fp,
					ExpiresAt:   time.Now().Add(time.Hour),
				}
			}
		}
	} else {
		f.prevKey = ""
	}

	return result, nil
}

func (f *fakeAdapter) lastRequest(t *testing.T) provider.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no requests captured")
	}
	return f.requests[len(f.requests)-1]
}

type fixture struct {
	orch     *Orchestrator
	sessions *session.Manager
	claude   *fakeAdapter
	gemini   *fakeAdapter
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	cfg.EmbeddingDimensions = 64
	cfg.MinCacheTokens = 1 // caching applies to any non-empty prefix
	cfg.ChunkSize = 120
	cfg.ChunkOverlap = 20

	backend, err := session.NewFileBackend(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}
	sessions := session.NewManager(backend, cfg.MaxSessionAge)
	t.Cleanup(func() { _ = sessions.Close() })

	store, err := memory.New(vectorstore.Config{EmbeddingDimensions: 64})
	if err != nil {
		t.Fatalf("memory.New() error = %v", err)
	}

	claude := &fakeAdapter{name: "claude"}
	gemini := &fakeAdapter{name: "gemini"}
	adapters := map[session.Provider]provider.Adapter{
		session.ProviderClaude: claude,
		session.ProviderGemini: gemini,
	}

	return &fixture{
		orch:     New(cfg, sessions, store, embeddings.NewLocal(64), adapters),
		sessions: sessions,
		claude:   claude,
		gemini:   gemini,
		cfg:      cfg,
	}
}

func writeTestDoc(t *testing.T, sentences int) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < sentences; i++ {
		fmt.Fprintf(&b, "Fact number %d concerns topic %d and is stated plainly here. ", i, i%7)
	}
	path := filepath.Join(t.TempDir(), "report.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	return path
}

func TestQueryScenarioCacheWarmsOnSecondTurn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.orch.CreateSession(ctx, "claude", "answer using only the document")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	loaded, err := f.orch.LoadDocuments(ctx, state.ID, []string{writeTestDoc(t, 40)})
	if err != nil {
		t.Fatalf("LoadDocuments() error = %v", err)
	}
	if loaded[0].ChunkCount < 10 {
		t.Fatalf("ChunkCount = %d, want a multi-chunk document", loaded[0].ChunkCount)
	}

	opts := Options{UseRAG: true, UseCache: true, MaxChunks: 3}
	first, err := f.orch.Run(ctx, state.ID, "summarize the report", opts)
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if len(first.RetrievedChunkIDs) == 0 || len(first.RetrievedChunkIDs) > 3 {
		t.Errorf("RetrievedChunkIDs = %d, want 1..3", len(first.RetrievedChunkIDs))
	}
	if first.CacheHitRate != 0 {
		t.Errorf("first query CacheHitRate = %f, want 0", first.CacheHitRate)
	}

	second, err := f.orch.Run(ctx, state.ID, "summarize the report", opts)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if second.CacheHitRate <= 0 {
		t.Errorf("second query CacheHitRate = %f, want > 0", second.CacheHitRate)
	}
	if second.CacheHitRate > 1 {
		t.Errorf("CacheHitRate = %f outside [0,1]", second.CacheHitRate)
	}

	after, err := f.sessions.Get(ctx, state.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(after.History) != 4 {
		t.Errorf("History length = %d after two turns, want 4", len(after.History))
	}
	if after.History[0].Role != "user" || after.History[1].Role != "assistant" {
		t.Error("transcript roles out of order")
	}
}

func TestStablePrefixByteIdenticalAcrossTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.orch.CreateSession(ctx, "claude", "be precise")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := f.orch.LoadDocuments(ctx, state.ID, []string{writeTestDoc(t, 30)}); err != nil {
		t.Fatalf("LoadDocuments() error = %v", err)
	}

	opts := Options{UseRAG: true, UseCache: true, MaxChunks: 3}
	for i := 0; i < 3; i++ {
		if _, err := f.orch.Run(ctx, state.ID, "what is fact number 3?", opts); err != nil {
			t.Fatalf("Run() %d error = %v", i, err)
		}
	}

	f.claude.mu.Lock()
	defer f.claude.mu.Unlock()
	prefix := f.claude.requests[0].Segment.StablePrefix
	if prefix == "" {
		t.Fatal("stable prefix is empty")
	}
	if !strings.HasPrefix(prefix, "be precise") {
		t.Error("instruction not at the head of the stable prefix")
	}
	for i, req := range f.claude.requests {
		if req.Segment.StablePrefix != prefix {
			t.Errorf("request %d stable prefix differs byte-for-byte", i)
		}
		if req.Segment.VolatileSuffix != "what is fact number 3?" {
			t.Errorf("request %d volatile suffix = %q", i, req.Segment.VolatileSuffix)
		}
	}
}

func TestProviderFailureLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, err := f.orch.CreateSession(ctx, "claude", "")
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := f.orch.Run(ctx, state.ID, "first question", Options{UseCache: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	f.claude.failWith = provider.Unavailable("claude", nil)
	if _, err := f.orch.Run(ctx, state.ID, "second question", Options{UseCache: true}); err == nil {
		t.Fatal("Run() expected provider error")
	}

	after, err := f.sessions.Get(ctx, state.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(after.History) != 2 {
		t.Errorf("History length = %d after failed turn, want 2 (unchanged)", len(after.History))
	}
}

func TestCancellationLeavesSessionUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "claude", "")
	if _, err := f.orch.Run(ctx, state.ID, "first", Options{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := f.orch.Run(canceled, state.ID, "second", Options{}); err == nil {
		t.Fatal("Run() with canceled context expected error")
	}

	after, _ := f.sessions.Get(ctx, state.ID)
	if len(after.History) != 2 {
		t.Errorf("History length = %d after canceled turn, want 2 (unchanged)", len(after.History))
	}
}

func TestEmptyQueryRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "claude", "")
	_, err := f.orch.Run(ctx, state.ID, "   ", Options{})
	if err == nil {
		t.Fatal("Run() with blank query expected error")
	}
	if !provider.IsInputError(err) {
		t.Errorf("error = %v, want input error", err)
	}
}

func TestCacheBypassedBelowThreshold(t *testing.T) {
	f := newFixture(t)
	f.cfg.MinCacheTokens = 1_000_000
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "claude", "short instruction")
	if _, err := f.orch.Run(ctx, state.ID, "question", Options{UseCache: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := f.claude.lastRequest(t).Segment.Mode; got != provider.CacheModeNone {
		t.Errorf("Mode = %s for tiny prefix, want none", got)
	}
}

func TestCacheDisabledByOption(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "gemini", strings.Repeat("long instruction ", 100))
	if _, err := f.orch.Run(ctx, state.ID, "question", Options{UseCache: false}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := f.gemini.lastRequest(t).Segment.Mode; got != provider.CacheModeNone {
		t.Errorf("Mode = %s with caching disabled, want none", got)
	}
}

func TestCacheModePerProvider(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	instruction := strings.Repeat("detailed instruction text ", 50)

	claudeSession, _ := f.orch.CreateSession(ctx, "claude", instruction)
	if _, err := f.orch.Run(ctx, claudeSession.ID, "q", Options{UseCache: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.claude.lastRequest(t).Segment.Mode; got != provider.CacheModeBreakpoint {
		t.Errorf("claude Mode = %s, want implicit breakpoint", got)
	}

	geminiSession, _ := f.orch.CreateSession(ctx, "gemini", instruction)
	if _, err := f.orch.Run(ctx, geminiSession.ID, "q", Options{UseCache: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := f.gemini.lastRequest(t).Segment.Mode; got != provider.CacheModeHandle {
		t.Errorf("gemini Mode = %s, want explicit handle", got)
	}
}

func TestGeminiHandlePersistedAndReused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "gemini", strings.Repeat("instruction ", 50))
	if _, err := f.orch.Run(ctx, state.ID, "q1", Options{UseCache: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	after, _ := f.sessions.Get(ctx, state.ID)
	if after.CacheHandle == nil {
		t.Fatal("CacheHandle not persisted after explicit-cache turn")
	}
	firstName := after.CacheHandle.Name

	if _, err := f.orch.Run(ctx, state.ID, "q2", Options{UseCache: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	after, _ = f.sessions.Get(ctx, state.ID)
	if after.CacheHandle.Name != firstName {
		t.Error("valid handle re-minted instead of reused")
	}
	if f.gemini.mints != 1 {
		t.Errorf("mints = %d, want 1", f.gemini.mints)
	}
}

func TestSwitchInstructionInvalidatesHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "gemini", strings.Repeat("old instruction ", 50))
	if _, err := f.orch.Run(ctx, state.ID, "q", Options{UseCache: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	before, _ := f.sessions.Get(ctx, state.ID)
	if before.CacheHandle == nil {
		t.Fatal("expected a handle before the switch")
	}

	if err := f.orch.SwitchInstruction(ctx, state.ID, "new instruction"); err != nil {
		t.Fatalf("SwitchInstruction() error = %v", err)
	}

	after, _ := f.sessions.Get(ctx, state.ID)
	if after.CacheHandle != nil {
		t.Error("CacheHandle survived an instruction switch")
	}
	if after.Instruction != "new instruction" {
		t.Errorf("Instruction = %q", after.Instruction)
	}
	if len(after.InstructionHistory) != 1 || !strings.HasPrefix(after.InstructionHistory[0].Text, "old instruction") {
		t.Errorf("InstructionHistory = %+v, want retired old instruction", after.InstructionHistory)
	}
}

func TestLoadDocumentsInvalidatesHandle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "gemini", strings.Repeat("instruction ", 50))
	if _, err := f.orch.Run(ctx, state.ID, "q", Options{UseCache: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if _, err := f.orch.LoadDocuments(ctx, state.ID, []string{writeTestDoc(t, 10)}); err != nil {
		t.Fatalf("LoadDocuments() error = %v", err)
	}

	after, _ := f.sessions.Get(ctx, state.ID)
	if after.CacheHandle != nil {
		t.Error("CacheHandle survived a document load")
	}
}

func TestHistoryWindowLimitsResentTurns(t *testing.T) {
	f := newFixture(t)
	f.cfg.HistoryWindow = 2
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "claude", "")
	for i := 0; i < 3; i++ {
		if _, err := f.orch.Run(ctx, state.ID, fmt.Sprintf("question %d", i), Options{}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	}

	// Third call: 4 turns exist, window of 2 sends only the latest pair.
	last := f.claude.lastRequest(t)
	if len(last.History) != 2 {
		t.Errorf("resent history = %d turns, want 2", len(last.History))
	}
	if last.History[1].Role != "assistant" {
		t.Error("window did not keep the most recent turns")
	}

	// The durable transcript keeps everything.
	after, _ := f.sessions.Get(ctx, state.ID)
	if len(after.History) != 6 {
		t.Errorf("stored History = %d, want 6", len(after.History))
	}
}

func TestLoadDocumentsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "claude", "")
	path := writeTestDoc(t, 20)

	first, err := f.orch.LoadDocuments(ctx, state.ID, []string{path})
	if err != nil {
		t.Fatalf("LoadDocuments() error = %v", err)
	}
	second, err := f.orch.LoadDocuments(ctx, state.ID, []string{path})
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if first[0].ChunkCount != second[0].ChunkCount {
		t.Errorf("reload changed chunk count: %d vs %d", first[0].ChunkCount, second[0].ChunkCount)
	}

	after, _ := f.sessions.Get(ctx, state.ID)
	if len(after.Documents) != 1 {
		t.Errorf("Documents = %d after reload, want 1", len(after.Documents))
	}
}

func TestGenerateOutputRecordsArtifact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "claude", "")
	outPath := filepath.Join(t.TempDir(), "summary.md")

	result, err := f.orch.GenerateOutput(ctx, state.ID, "write a summary", outPath, Options{})
	if err != nil {
		t.Fatalf("GenerateOutput() error = %v", err)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("output file not written: %v", err)
	}
	if string(data) != result.Answer {
		t.Error("output file content differs from the answer")
	}

	after, _ := f.sessions.Get(ctx, state.ID)
	if len(after.Outputs) != 1 || after.Outputs[0].Path != outPath {
		t.Errorf("Outputs = %+v, want the recorded artifact", after.Outputs)
	}
}

func TestRunBatchContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "claude", "")

	// Fail the second query only.
	if _, err := f.orch.Run(ctx, state.ID, "warmup", Options{}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	f.claude.failWith = provider.Unavailable("claude", nil)

	results, err := f.orch.RunBatch(ctx, state.ID, []string{"q1", "q2"}, Options{})
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("RunBatch() = %d results, want 2", len(results))
	}
	if results[0].Err == nil {
		t.Error("first batch query should carry the injected failure")
	}
	if results[1].Err != nil || results[1].Result == nil {
		t.Error("batch should continue past a failed query")
	}
}

func TestFullTextModeUsesWholeDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	state, _ := f.orch.CreateSession(ctx, "claude", "instruction")
	if _, err := f.orch.LoadDocuments(ctx, state.ID, []string{writeTestDoc(t, 30)}); err != nil {
		t.Fatalf("LoadDocuments() error = %v", err)
	}

	result, err := f.orch.Run(ctx, state.ID, "q", Options{UseRAG: false, UseCache: true})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(result.RetrievedChunkIDs) != 0 {
		t.Error("full-text mode should not report retrieved chunks")
	}

	prefix := f.claude.lastRequest(t).Segment.StablePrefix
	if !strings.Contains(prefix, "Fact number 29") {
		t.Error("full document text missing from the stable prefix")
	}

	// Shrinking the ceiling turns the same query into a hard input error.
	f.cfg.FullTextLimit = 50
	_, err = f.orch.Run(ctx, state.ID, "q", Options{UseRAG: false})
	if !provider.IsInputError(err) {
		t.Errorf("over-limit full text error = %v, want input error", err)
	}
}

func TestCreateSessionUnknownProvider(t *testing.T) {
	f := newFixture(t)
	if _, err := f.orch.CreateSession(context.Background(), "mistral", ""); err == nil {
		t.Error("CreateSession() with unknown provider expected error")
	}
}
