package embeddings

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// LocalEmbeddings is a deterministic, dependency-free embedder based on
// hashed bag-of-words features. It produces stable vectors without any
// network access, which makes it suitable for tests and offline use.
// It is not a semantic model; hosted deployments should use "openai".
type LocalEmbeddings struct {
	dimensions int
}

func init() {
	Register("local", func(config Config) (EmbeddingService, error) {
		dims := config.Dimensions
		if dims <= 0 {
			dims = 256
		}
		return &LocalEmbeddings{dimensions: dims}, nil
	})
}

// NewLocal creates a local embedder with the given dimensionality.
func NewLocal(dimensions int) *LocalEmbeddings {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &LocalEmbeddings{dimensions: dimensions}
}

// Embed generates a normalized hashed bag-of-words vector.
func (l *LocalEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, l.dimensions)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?\"'()[]{}")
		if token == "" {
			continue
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum32()
		// Low bits pick the bucket, high bit picks the sign.
		idx := int(sum % uint32(l.dimensions))
		if sum&0x80000000 != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}

	return vec, nil
}

// EmbedBatch generates embeddings for multiple texts.
func (l *LocalEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := l.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

// Dimensions returns the embedding dimensionality.
func (l *LocalEmbeddings) Dimensions() int {
	return l.dimensions
}

// ModelName returns the embedding model name.
func (l *LocalEmbeddings) ModelName() string {
	return "local-hash"
}

// Close is a no-op.
func (l *LocalEmbeddings) Close() error {
	return nil
}
