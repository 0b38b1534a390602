package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/docuchat-dev/docuchat/internal/orchestrator"
	"github.com/docuchat-dev/docuchat/internal/provider"
	"github.com/docuchat-dev/docuchat/pkg/config"
	"github.com/docuchat-dev/docuchat/pkg/embeddings"
	"github.com/docuchat-dev/docuchat/pkg/session"
	"github.com/docuchat-dev/docuchat/pkg/vectorstore"

	// Backend registrations.
	_ "github.com/docuchat-dev/docuchat/pkg/vectorstore/file"
	_ "github.com/docuchat-dev/docuchat/pkg/vectorstore/memory"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:     "docuchat",
	Short:   "Caching-aware document chat over Claude and Gemini",
	Version: Version,
	Long: `docuchat runs document-grounded conversations against Claude or Gemini,
keeping the bulk context in the provider's prompt cache so repeated
queries over the same documents pay a fraction of the token cost.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "docuchat.yaml", "configuration file")
}

// app holds the wired application components for one command invocation.
type app struct {
	cfg      *config.Config
	sessions *session.Manager
	orch     *orchestrator.Orchestrator
	closers  []func() error
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
}

// buildApp wires storage, embeddings, and provider adapters from the
// config. Adapters whose API key is absent are skipped; sessions bound
// to them fail with a clear error at use time.
func buildApp() (*app, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}

	var store session.Store
	if cfg.RedisAddr != "" {
		store, err = session.NewRedisBackend(session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	} else {
		store, err = session.NewFileBackend(cfg.SessionPath)
	}
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	a.sessions = session.NewManager(store, cfg.MaxSessionAge)
	a.closers = append(a.closers, a.sessions.Close)

	chunks, err := vectorstore.New(vectorstore.Config{
		Backend:             "file",
		Path:                cfg.VectorPath,
		EmbeddingDimensions: cfg.EmbeddingDimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	a.closers = append(a.closers, chunks.Close)

	embedder, err := embeddings.New(embeddings.Config{
		Provider:   cfg.EmbeddingProvider,
		APIKey:     cfg.OpenAIKey,
		Model:      cfg.EmbeddingModel,
		Dimensions: cfg.EmbeddingDimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	a.closers = append(a.closers, embedder.Close)

	adapters := make(map[session.Provider]provider.Adapter)
	for _, name := range provider.Names() {
		adapter, err := provider.New(name, cfg)
		if err != nil {
			log.Printf("provider %s not configured: %v", name, err)
			continue
		}
		adapters[session.Provider(name)] = adapter
	}

	a.orch = orchestrator.New(cfg, a.sessions, chunks, embedder, adapters)
	return a, nil
}

// printResult renders a query result for the terminal.
func printResult(r *orchestrator.Result) {
	fmt.Println(r.Answer)
	fmt.Println()
	fmt.Printf("tokens: in=%d out=%d cache_read=%d cache_write=%d  hit_rate=%.2f  cost=$%.6f\n",
		r.Usage.InputTokens, r.Usage.OutputTokens,
		r.Usage.CacheReadTokens, r.Usage.CacheWriteTokens,
		r.CacheHitRate, r.CostUSD)
	if len(r.RetrievedChunkIDs) > 0 {
		fmt.Printf("chunks: %v\n", r.RetrievedChunkIDs)
	}
}
