// Package config loads application configuration from YAML with
// environment-variable fallback for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// API Keys
	AnthropicKey string `yaml:"anthropic_key"`
	GoogleKey    string `yaml:"google_key"`
	OpenAIKey    string `yaml:"openai_key"`

	// Default provider for new sessions: "claude" or "gemini"
	DefaultProvider string `yaml:"default_provider"`

	// Claude settings
	ClaudeModel     string        `yaml:"claude_model"`
	ClaudeMaxTokens int           `yaml:"claude_max_tokens"`
	ClaudeCacheTTL  time.Duration `yaml:"claude_cache_ttl"`

	// Gemini settings
	GeminiModel     string        `yaml:"gemini_model"`
	GeminiMaxTokens int           `yaml:"gemini_max_tokens"`
	GeminiCacheTTL  time.Duration `yaml:"gemini_cache_ttl"`

	// Embeddings
	EmbeddingProvider   string `yaml:"embedding_provider"` // openai, local
	EmbeddingModel      string `yaml:"embedding_model"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`

	// Chunking
	ChunkSize    int `yaml:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap"`

	// Storage paths
	VectorPath  string `yaml:"vector_path"`
	SessionPath string `yaml:"session_path"`

	// Session lifecycle
	MaxSessionAge time.Duration `yaml:"max_session_age"`
	HistoryWindow int           `yaml:"history_window"`

	// Caching thresholds
	MinCacheTokens int `yaml:"min_cache_tokens"` // stable prefix below this bypasses caching
	FullTextLimit  int `yaml:"full_text_limit"`  // char ceiling for RAG-disabled queries

	// Provider call policy
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RequestsPerSecond float64       `yaml:"requests_per_second"` // 0 disables client-side limiting

	// Redis session backend (optional; file backend is used when empty)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// LoadConfig loads configuration from a YAML file.
// A missing file yields the defaults with keys taken from the environment.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	return &cfg, nil
}

// SaveConfig saves configuration to a YAML file
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.DefaultProvider == "" {
		c.DefaultProvider = "claude"
	}
	if c.ClaudeModel == "" {
		c.ClaudeModel = "claude-3-5-sonnet-20241022"
	}
	if c.ClaudeMaxTokens == 0 {
		c.ClaudeMaxTokens = 8192
	}
	if c.ClaudeCacheTTL == 0 {
		c.ClaudeCacheTTL = 5 * time.Minute
	}
	if c.GeminiModel == "" {
		c.GeminiModel = "gemini-1.5-flash"
	}
	if c.GeminiMaxTokens == 0 {
		c.GeminiMaxTokens = 8192
	}
	if c.GeminiCacheTTL == 0 {
		c.GeminiCacheTTL = time.Hour
	}
	if c.EmbeddingProvider == "" {
		c.EmbeddingProvider = "local"
	}
	if c.EmbeddingModel == "" {
		c.EmbeddingModel = "text-embedding-3-small"
	}
	if c.EmbeddingDimensions == 0 {
		c.EmbeddingDimensions = 256
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 200
	}
	if c.VectorPath == "" {
		c.VectorPath = "./data/vectordb"
	}
	if c.SessionPath == "" {
		c.SessionPath = "./data/sessions"
	}
	if c.MaxSessionAge == 0 {
		c.MaxSessionAge = 24 * time.Hour
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = 10
	}
	if c.MinCacheTokens == 0 {
		c.MinCacheTokens = 1024
	}
	if c.FullTextLimit == 0 {
		c.FullTextLimit = 400_000
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 120 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
}

func (c *Config) applyEnv() {
	if c.AnthropicKey == "" {
		c.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.GoogleKey == "" {
		c.GoogleKey = os.Getenv("GOOGLE_API_KEY")
	}
	if c.OpenAIKey == "" {
		c.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.RedisAddr == "" {
		c.RedisAddr = os.Getenv("REDIS_ADDR")
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.DefaultProvider != "claude" && c.DefaultProvider != "gemini" {
		return fmt.Errorf("unknown default_provider: %s", c.DefaultProvider)
	}

	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap (%d) must be smaller than chunk_size (%d)", c.ChunkOverlap, c.ChunkSize)
	}

	if c.EmbeddingProvider == "openai" && c.OpenAIKey == "" {
		return fmt.Errorf("openai embedding provider requires an API key")
	}

	return nil
}
