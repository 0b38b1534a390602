package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Known dimensions for OpenAI embedding models.
var openAIModelDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIEmbeddings implements EmbeddingService using the OpenAI API
// (or any OpenAI-compatible endpoint).
type OpenAIEmbeddings struct {
	client     *openai.Client
	model      string
	dimensions int
}

func init() {
	Register("openai", func(config Config) (EmbeddingService, error) {
		return NewOpenAI(config)
	})
}

// NewOpenAI creates an OpenAI-backed embedding service.
func NewOpenAI(config Config) (*OpenAIEmbeddings, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("openai api_key is required")
	}

	model := config.Model
	if model == "" {
		model = "text-embedding-3-small"
	}

	dims := config.Dimensions
	if dims == 0 {
		dims = openAIModelDims[model]
	}
	if dims == 0 {
		return nil, fmt.Errorf("unknown dimensions for model %s; set dimensions explicitly", model)
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIEmbeddings{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      model,
		dimensions: dims,
	}, nil
}

// Embed generates an embedding for a single text.
func (o *OpenAIEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts in one request.
func (o *OpenAIEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.model),
	}
	// Only the v3 models accept a dimensions override.
	if o.dimensions != openAIModelDims[o.model] {
		req.Dimensions = o.dimensions
	}

	resp, err := o.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(resp.Data))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index out of range: %d", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}

	return vectors, nil
}

// Dimensions returns the embedding dimensionality.
func (o *OpenAIEmbeddings) Dimensions() int {
	return o.dimensions
}

// ModelName returns the embedding model name.
func (o *OpenAIEmbeddings) ModelName() string {
	return o.model
}

// Close is a no-op for the OpenAI client.
func (o *OpenAIEmbeddings) Close() error {
	return nil
}
