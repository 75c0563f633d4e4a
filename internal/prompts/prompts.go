// Package prompts holds the per-tenant prompt configuration consumed
// read-only by the answer pipeline. Configs are complete value objects with
// every field populated, validated when loaded rather than checked at each
// use site.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is a configuration error: fatal, never retried.
var ErrInvalidConfig = errors.New("invalid prompt configuration")

// QuestionPlaceholder must appear in every user prompt template.
const QuestionPlaceholder = "{question}"

type PromptConfig struct {
	SystemPrompt       string
	UserPromptTemplate string
	ModelName          string
	MaxTokens          int
	Temperature        float32
	IsDefault          bool
}

// Default is the tenant-independent fallback used when a tenant has no
// config flagged as default.
func Default() PromptConfig {
	return PromptConfig{
		SystemPrompt: "You are a helpful assistant. Answer using only the provided document context. " +
			"Cite the source file of every claim. If the context does not contain the answer, say so.",
		UserPromptTemplate: QuestionPlaceholder,
		ModelName:          "gpt-4",
		MaxTokens:          1024,
		Temperature:        0.2,
		IsDefault:          true,
	}
}

func (c PromptConfig) Validate() error {
	if strings.TrimSpace(c.SystemPrompt) == "" {
		return fmt.Errorf("%w: system prompt is empty", ErrInvalidConfig)
	}
	if !strings.Contains(c.UserPromptTemplate, QuestionPlaceholder) {
		return fmt.Errorf("%w: user prompt template missing %s", ErrInvalidConfig, QuestionPlaceholder)
	}
	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidConfig)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max tokens must be positive", ErrInvalidConfig)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature %v out of range [0, 2]", ErrInvalidConfig, c.Temperature)
	}
	return nil
}

// RenderQuestion substitutes the question into the user prompt template.
func (c PromptConfig) RenderQuestion(question string) string {
	return strings.ReplaceAll(c.UserPromptTemplate, QuestionPlaceholder, question)
}

// Store resolves the active prompt configuration for a tenant.
type Store interface {
	Active(ctx context.Context, tenantID string) (PromptConfig, error)
}

// RecordSource is the collaborator-owned lookup of a tenant's config record
// flagged as default. The second return is false when the tenant has none.
type RecordSource interface {
	ActivePromptConfig(ctx context.Context, tenantID string) (PromptConfig, bool, error)
}

// DBStore loads tenant configs from the record store, validating each one
// before use and falling back to Default when a tenant has no config.
type DBStore struct {
	src      RecordSource
	fallback PromptConfig
}

func NewDBStore(src RecordSource) *DBStore {
	return &DBStore{src: src, fallback: Default()}
}

// NewDBStoreWithFallback overrides the built-in fallback, letting the
// deployment pick the default model without a per-tenant record. The
// fallback must already be valid.
func NewDBStoreWithFallback(src RecordSource, fallback PromptConfig) (*DBStore, error) {
	if err := fallback.Validate(); err != nil {
		return nil, err
	}
	return &DBStore{src: src, fallback: fallback}, nil
}

func (s *DBStore) Active(ctx context.Context, tenantID string) (PromptConfig, error) {
	cfg, ok, err := s.src.ActivePromptConfig(ctx, tenantID)
	if err != nil {
		return PromptConfig{}, fmt.Errorf("failed to load prompt config: %w", err)
	}
	if !ok {
		return s.fallback, nil
	}
	if err := cfg.Validate(); err != nil {
		return PromptConfig{}, err
	}
	return cfg, nil
}

// StaticStore always returns the same config. Used in tests and single-
// tenant deployments.
type StaticStore struct {
	Config PromptConfig
}

func (s StaticStore) Active(ctx context.Context, tenantID string) (PromptConfig, error) {
	return s.Config, nil
}
