package vectorstore

import (
	"fmt"
	"sync"
)

// Config selects and configures a backend.
type Config struct {
	// Backend names a registered backend: "memory" or "file".
	Backend string `yaml:"backend" json:"backend"`

	// EmbeddingDimensions is the expected vector dimensionality.
	EmbeddingDimensions int `yaml:"embedding_dimensions" json:"embedding_dimensions"`

	// Path is the storage directory for persistent backends.
	Path string `yaml:"path,omitempty" json:"path,omitempty"`

	// MaxChunks caps the number of stored chunks (0 = backend default).
	MaxChunks int `yaml:"max_chunks,omitempty" json:"max_chunks,omitempty"`
}

// Factory creates a Store from a Config.
type Factory func(config Config) (Store, error)

var (
	registry   = make(map[string]Factory)
	registryMu sync.RWMutex
)

// Register adds a backend factory to the registry.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("vectorstore: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("vectorstore: Register called twice for backend " + name)
	}
	registry[name] = factory
}

// New creates a Store for the backend named in the config.
func New(config Config) (Store, error) {
	registryMu.RLock()
	factory, ok := registry[config.Backend]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, config.Backend)
	}

	return factory(config)
}
