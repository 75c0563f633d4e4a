// Package answer orchestrates one question through access resolution,
// scoped retrieval, prompt assembly and generation. Each request moves
// through the stages ResolvingAccess, Retrieving, ComposingPrompt and
// Generating, ending Answered or Failed; a failure in any stage is local to
// the request.
package answer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/access"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/prompts"
	"github.com/docqa/backend/internal/session"
	"github.com/docqa/backend/internal/vector"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
)

// NoAccessAnswer is returned without invoking the generation backend when a
// user can read nothing in the tenant: no grounding means no generation.
const NoAccessAnswer = "You don't currently have access to any documents in this workspace, " +
	"so I can't answer from the document library. Ask a workspace administrator for access."

// Error kinds surfaced to the chat collaborator.
const (
	KindEmbeddingBackend  = "embedding_backend"
	KindGenerationBackend = "generation_backend"
	KindVectorIndex       = "vector_index"
	KindCancelled         = "cancelled"
	KindInternal          = "internal"
)

// Error is the user-safe failure payload: a generic message plus an opaque
// reference id. The underlying cause is logged under the same id and never
// leaves the process.
type Error struct {
	Kind    string
	Message string
	ErrorID string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (ref %s)", e.Kind, e.ErrorID)
}

type Request struct {
	TenantID  string
	UserID    string
	SessionID string
	Question  string
	TopK      int
}

type Source struct {
	FileID   string `json:"file_id"`
	FileName string `json:"file_name"`
}

type Response struct {
	Answer    string   `json:"answer"`
	Sources   []Source `json:"sources"`
	SessionID string   `json:"session_id"`
}

// CollaboratorStore is the slice of the record store the pipeline consults.
type CollaboratorStore interface {
	TenantHasPublicFiles(ctx context.Context, tenantID string) (bool, error)
}

// QueryEmbedder embeds the incoming question.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	TopK         int
	MaxTopK      int
	PromptWindow int
}

// Pipeline owns its vector index handle explicitly; tests substitute an
// in-memory index without touching process-wide state.
type Pipeline struct {
	resolver    access.Resolver
	index       vector.Index
	embedder    QueryEmbedder
	generator   llm.Generator
	promptStore prompts.Store
	sessions    *session.Manager
	files       CollaboratorStore
	cfg         Config
	retryConfig retry.Config
}

func NewPipeline(
	resolver access.Resolver,
	index vector.Index,
	embedder QueryEmbedder,
	generator llm.Generator,
	promptStore prompts.Store,
	sessions *session.Manager,
	files CollaboratorStore,
	cfg Config,
) *Pipeline {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.MaxTopK <= 0 {
		cfg.MaxTopK = 50
	}
	if cfg.PromptWindow <= 0 {
		cfg.PromptWindow = 6
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.Logger = logger.GetLogger()

	return &Pipeline{
		resolver:    resolver,
		index:       index,
		embedder:    embedder,
		generator:   generator,
		promptStore: promptStore,
		sessions:    sessions,
		files:       files,
		cfg:         cfg,
		retryConfig: retryCfg,
	}
}

func (p *Pipeline) Answer(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	if req.TenantID == "" || req.Question == "" {
		return nil, p.fail(KindInternal, fmt.Errorf("tenant id and question are required"), req)
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}
	topK := req.TopK
	if topK <= 0 {
		topK = p.cfg.TopK
	}
	if topK > p.cfg.MaxTopK {
		topK = p.cfg.MaxTopK
	}

	log := logger.GetLogger().With(
		zap.String("tenant_id", req.TenantID),
		zap.String("session_id", req.SessionID),
	)

	// ResolvingAccess. Re-resolved on every request: grants can be revoked
	// or expire between turns of the same session.
	log.Debug("Answer pipeline stage", zap.String("stage", "resolving_access"))
	allowed, err := p.resolver.Resolve(ctx, req.TenantID, req.UserID)
	if err != nil {
		return nil, p.fail(KindInternal, err, req)
	}

	if len(allowed) == 0 {
		hasPublic, err := p.files.TenantHasPublicFiles(ctx, req.TenantID)
		if err != nil {
			return nil, p.fail(KindInternal, err, req)
		}
		if !hasPublic {
			metrics.NoAccessShortCircuits.Inc()
			metrics.QueryTotal.WithLabelValues("no_access").Inc()
			if err := p.sessions.AppendExchange(ctx, req.TenantID, req.UserID, req.SessionID, req.Question, NoAccessAnswer); err != nil {
				log.Warn("Failed to record no-access exchange", zap.Error(err))
			}
			return &Response{
				Answer:    NoAccessAnswer,
				Sources:   []Source{},
				SessionID: req.SessionID,
			}, nil
		}
	}

	// Retrieving.
	log.Debug("Answer pipeline stage", zap.String("stage", "retrieving"))
	queryVector, err := p.embedder.EmbedQuery(ctx, req.Question)
	if err != nil {
		return nil, p.fail(KindEmbeddingBackend, err, req)
	}

	filter := vector.TenantFilter{
		TenantID:       req.TenantID,
		AllowedFileIDs: allowed,
		IncludePublic:  true,
	}
	results, err := retry.DoWithResult(ctx, p.retryConfig, func() ([]vector.ScoredChunk, error) {
		return p.index.Search(ctx, queryVector, filter, topK)
	})
	if err != nil {
		return nil, p.fail(KindVectorIndex, err, req)
	}
	metrics.RetrievedChunks.Observe(float64(len(results)))

	// ComposingPrompt.
	log.Debug("Answer pipeline stage", zap.String("stage", "composing_prompt"))
	promptCfg, err := p.promptStore.Active(ctx, req.TenantID)
	if err != nil {
		return nil, p.fail(KindInternal, err, req)
	}
	history, err := p.sessions.WindowedHistory(ctx, req.SessionID, p.cfg.PromptWindow)
	if err != nil {
		return nil, p.fail(KindInternal, err, req)
	}
	userPrompt := session.ComposeUserContent(results, history, promptCfg.RenderQuestion(req.Question))

	// Generating.
	log.Debug("Answer pipeline stage", zap.String("stage", "generating"))
	answerText, err := p.generator.Generate(ctx, promptCfg.SystemPrompt, userPrompt, promptCfg)
	if err != nil {
		if ctx.Err() != nil {
			// Client went away mid-generation. Keep the retrieval outcome in
			// the logs, append no partial turn.
			log.Info("Request cancelled during generation",
				zap.Int("retrieved_chunks", len(results)),
			)
			return nil, p.fail(KindCancelled, ctx.Err(), req)
		}
		return nil, p.fail(KindGenerationBackend, err, req)
	}
	if ctx.Err() != nil {
		return nil, p.fail(KindCancelled, ctx.Err(), req)
	}

	if err := p.sessions.AppendExchange(ctx, req.TenantID, req.UserID, req.SessionID, req.Question, answerText); err != nil {
		return nil, p.fail(KindInternal, err, req)
	}

	resp := &Response{
		Answer:    answerText,
		Sources:   p.provenance(results, allowed),
		SessionID: req.SessionID,
	}

	metrics.QueryTotal.WithLabelValues("answered").Inc()
	metrics.QueryDuration.WithLabelValues("answered").Observe(time.Since(start).Seconds())

	log.Info("Question answered",
		zap.Int("retrieved_chunks", len(results)),
		zap.Int("sources", len(resp.Sources)),
		zap.Duration("latency", time.Since(start)),
	)

	return resp, nil
}

// provenance lists only files the resolved access set (or the public flag)
// vouches for, even if the index returned something else: a stale index
// entry must not leak a filename from an inaccessible file.
func (p *Pipeline) provenance(results []vector.ScoredChunk, allowed []string) []Source {
	allowedSet := make(map[string]bool, len(allowed))
	for _, id := range allowed {
		allowedSet[id] = true
	}

	seen := make(map[string]bool)
	sources := make([]Source, 0, len(results))
	for _, sc := range results {
		c := sc.Chunk
		if !allowedSet[c.FileID] && !c.IsPublic {
			continue
		}
		if seen[c.FileID] {
			continue
		}
		seen[c.FileID] = true
		sources = append(sources, Source{FileID: c.FileID, FileName: c.FileName})
	}
	return sources
}

func (p *Pipeline) fail(kind string, err error, req Request) *Error {
	errID := uuid.New().String()

	metrics.QueryTotal.WithLabelValues("failed").Inc()

	logger.Error("Answer pipeline failed",
		zap.String("error_id", errID),
		zap.String("kind", kind),
		zap.String("tenant_id", req.TenantID),
		zap.String("session_id", req.SessionID),
		zap.Error(err),
	)

	return &Error{
		Kind:    kind,
		ErrorID: errID,
		Message: fmt.Sprintf("Sorry, something went wrong while answering your question. Please try again. (ref: %s)", errID),
	}
}
