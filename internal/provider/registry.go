package provider

import (
	"fmt"
	"sync"

	"github.com/docuchat-dev/docuchat/pkg/config"
)

// Factory builds an Adapter from the application config.
type Factory func(cfg *config.Config) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a provider factory. Called from init; panics on
// duplicate registration.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("provider: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("provider: Register called twice for " + name)
	}
	registry[name] = factory
}

// New constructs the named provider adapter from the config.
func New(name string, cfg *config.Config) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return factory(cfg)
}

// Names returns the registered provider names.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

func init() {
	Register("claude", func(cfg *config.Config) (Adapter, error) {
		return NewClaude(ClaudeConfig{
			APIKey:            cfg.AnthropicKey,
			Model:             cfg.ClaudeModel,
			CacheTTL:          cfg.ClaudeCacheTTL,
			MaxAttempts:       cfg.MaxAttempts,
			Timeout:           cfg.RequestTimeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	})
	Register("gemini", func(cfg *config.Config) (Adapter, error) {
		return NewGemini(GeminiConfig{
			APIKey:            cfg.GoogleKey,
			Model:             cfg.GeminiModel,
			CacheTTL:          cfg.GeminiCacheTTL,
			MaxAttempts:       cfg.MaxAttempts,
			Timeout:           cfg.RequestTimeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
	})
}
