// Package embeddings generates text embeddings. The same service must be
// used at index time and query time so vectors stay comparable.
package embeddings

import (
	"context"
	"fmt"
	"sync"
)

// EmbeddingService is the main interface for generating text embeddings.
type EmbeddingService interface {
	// Embed generates an embedding for a single text
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the dimension size of the embeddings
	Dimensions() int

	// ModelName returns the name of the embedding model
	ModelName() string

	// Close closes any resources held by the service
	Close() error
}

// Config holds configuration for embedding providers.
type Config struct {
	// Provider specifies which embedding service to use: "openai" or "local".
	Provider string `yaml:"provider" json:"provider"`

	// APIKey authenticates against hosted providers.
	APIKey string `yaml:"api_key,omitempty" json:"api_key,omitempty"`

	// Model selects the embedding model.
	Model string `yaml:"model,omitempty" json:"model,omitempty"`

	// BaseURL overrides the API endpoint (OpenAI-compatible servers).
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`

	// Dimensions sets (or reduces, for OpenAI v3 models) the vector size.
	Dimensions int `yaml:"dimensions,omitempty" json:"dimensions,omitempty"`
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Provider {
	case "openai":
		if c.APIKey == "" {
			return fmt.Errorf("openai api_key is required")
		}
		if c.Model == "" {
			c.Model = "text-embedding-3-small"
		}
	case "local":
		if c.Dimensions <= 0 {
			c.Dimensions = 256
		}
	case "":
		return fmt.Errorf("provider must be specified")
	default:
		return fmt.Errorf("unsupported provider: %s", c.Provider)
	}
	return nil
}

// ProviderFactory is a function that creates an EmbeddingService from a Config.
type ProviderFactory func(config Config) (EmbeddingService, error)

var (
	registry = make(map[string]ProviderFactory)
	mu       sync.RWMutex
)

// Register adds a new embedding provider to the registry.
func Register(name string, factory ProviderFactory) {
	mu.Lock()
	defer mu.Unlock()

	if factory == nil {
		panic("embeddings: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("embeddings: Register called twice for provider " + name)
	}
	registry[name] = factory
}

// New creates an EmbeddingService based on the provider named in the config.
func New(config Config) (EmbeddingService, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mu.RLock()
	factory, ok := registry[config.Provider]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown embedding provider: %s", config.Provider)
	}

	return factory(config)
}
