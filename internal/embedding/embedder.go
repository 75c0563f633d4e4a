// Package embedding maps text segments to fixed-length dense vectors.
package embedding

import (
	"context"
	"errors"
	"time"
)

// ErrBackend marks transient transport or model failures. Callers retry with
// bounded backoff and mark the file failed once retries are exhausted.
var ErrBackend = errors.New("embedding backend failure")

// Embedder is a pure function of input text and model version: no side
// effects beyond the model call.
type Embedder interface {
	// Embed returns one vector per input text, in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Cache stores embeddings keyed by content hash. Implementations may be
// lossy; a miss just costs a model call.
type Cache interface {
	GetEmbedding(ctx context.Context, key string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, key string, embedding []float32, ttl time.Duration) error
}
