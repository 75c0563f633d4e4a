package embedding

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/docqa/backend/pkg/circuitbreaker"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
	"github.com/docqa/backend/pkg/utils"
)

const cacheTTL = 24 * time.Hour

// OpenAIEmbedder batches texts through the OpenAI embeddings endpoint,
// guarded by a circuit breaker and bounded retries. An optional cache short-
// circuits repeat content, which makes re-ingestion of unchanged files cheap.
type OpenAIEmbedder struct {
	client      *openai.Client
	model       string
	batchSize   int
	timeout     time.Duration
	cache       Cache
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewOpenAIEmbedder(apiKey, model string, batchSize, timeoutSec int, cache Cache) *OpenAIEmbedder {
	if batchSize <= 0 {
		batchSize = 100
	}
	if timeoutSec <= 0 {
		timeoutSec = 15
	}

	cb := circuitbreaker.NewCircuitBreaker("embeddings", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    2,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Embedder initialized",
		zap.String("model", model),
		zap.Int("batch_size", batchSize),
		zap.Bool("cache", cache != nil),
	)

	return &OpenAIEmbedder{
		client:      openai.NewClient(apiKey),
		model:       model,
		batchSize:   batchSize,
		timeout:     time.Duration(timeoutSec) * time.Second,
		cache:       cache,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	embeddings := make([][]float32, len(texts))

	// Cache pass: collect only the texts we actually have to embed.
	missIdx := make([]int, 0, len(texts))
	for i, text := range texts {
		if cached, ok := e.fromCache(ctx, text); ok {
			embeddings[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
	}

	for start := 0; start < len(missIdx); start += e.batchSize {
		end := start + e.batchSize
		if end > len(missIdx) {
			end = len(missIdx)
		}
		batchIdx := missIdx[start:end]

		batch := make([]string, len(batchIdx))
		for i, idx := range batchIdx {
			batch[i] = texts[idx]
		}

		vectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(batch) {
			return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrBackend, len(vectors), len(batch))
		}

		for i, idx := range batchIdx {
			embeddings[idx] = vectors[i]
			e.toCache(ctx, texts[idx], vectors[i])
		}
	}

	logger.Debug("Embeddings generated",
		zap.Int("texts", len(texts)),
		zap.Int("cache_hits", len(texts)-len(missIdx)),
	)

	return embeddings, nil
}

func (e *OpenAIEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var vectors [][]float32

	err := e.cb.Execute(ctx, func() error {
		return retry.Do(ctx, e.retryConfig, func() error {
			resp, err := e.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: batch,
					Model: openai.EmbeddingModel(e.model),
				},
			)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrBackend, err)
			}

			vectors = vectors[:0]
			for _, data := range resp.Data {
				vec := make([]float32, len(data.Embedding))
				copy(vec, data.Embedding)
				vectors = append(vectors, vec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return vectors, nil
}

func (e *OpenAIEmbedder) cacheKey(text string) string {
	return e.model + ":" + utils.HashString(text)
}

func (e *OpenAIEmbedder) fromCache(ctx context.Context, text string) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	vec, ok, err := e.cache.GetEmbedding(ctx, e.cacheKey(text))
	if err != nil {
		logger.Warn("Embedding cache read failed", zap.Error(err))
		return nil, false
	}
	return vec, ok
}

func (e *OpenAIEmbedder) toCache(ctx context.Context, text string, vec []float32) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetEmbedding(ctx, e.cacheKey(text), vec, cacheTTL); err != nil {
		logger.Warn("Embedding cache write failed", zap.Error(err))
	}
}
