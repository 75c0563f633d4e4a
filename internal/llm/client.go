// Package llm wraps the text-generation backend.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/prompts"
	"github.com/docqa/backend/pkg/circuitbreaker"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
)

// ErrBackend marks transient generation failures; the pipeline retries once
// with backoff and then surfaces a user-safe failure.
var ErrBackend = errors.New("generation backend failure")

// Generator produces an answer from a fully composed prompt, using the
// tenant's prompt configuration for model selection and sampling.
type Generator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string, cfg prompts.PromptConfig) (string, error)
}

type Client struct {
	client      *openai.Client
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(apiKey string, timeoutSec int) *Client {
	if timeoutSec <= 0 {
		timeoutSec = 45
	}

	cb := circuitbreaker.NewCircuitBreaker("generation", circuitbreaker.Config{
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

	logger.Info("Generation client initialized", zap.Int("timeout_sec", timeoutSec))

	return &Client{
		client:      openai.NewClient(apiKey),
		timeout:     time.Duration(timeoutSec) * time.Second,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Generate(ctx context.Context, systemPrompt, userPrompt string, cfg prompts.PromptConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt},
	}

	var answer string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       cfg.ModelName,
					Messages:    messages,
					Temperature: cfg.Temperature,
					MaxTokens:   cfg.MaxTokens,
				},
			)
			if err != nil {
				return fmt.Errorf("%w: %s", ErrBackend, err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("%w: no completion choices returned", ErrBackend)
			}

			logger.Debug("Completion generated",
				zap.String("model", cfg.ModelName),
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)
			metrics.GenerationTokens.WithLabelValues(cfg.ModelName, "prompt").Add(float64(resp.Usage.PromptTokens))
			metrics.GenerationTokens.WithLabelValues(cfg.ModelName, "completion").Add(float64(resp.Usage.CompletionTokens))

			answer = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	return answer, nil
}
