// Package ingestion turns an uploaded file's raw text into indexed chunks:
// chunk, embed, upsert, and keep the collaborator's file record in step.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docqa/backend/internal/chunker"
	"github.com/docqa/backend/internal/embedding"
	"github.com/docqa/backend/internal/metrics"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/internal/vector"
	"github.com/docqa/backend/pkg/logger"
	"github.com/docqa/backend/pkg/retry"
)

// ErrNoContent means chunking produced nothing: the file is marked failed,
// never silently indexed as empty.
var ErrNoContent = errors.New("no extractable chunks in document")

// Request is the ingestion input from the file-upload collaborator. RawText
// is already extracted; format parsing happens upstream.
type Request struct {
	TenantID string
	FileID   string
	FileName string
	RawText  string
	IsPublic bool
}

// FileStore is the slice of the record store ingestion needs.
type FileStore interface {
	UpsertFile(ctx context.Context, rec *models.FileRecord) error
	SetFileStatus(ctx context.Context, tenantID, fileID, status string, chunkCount int) error
	DeleteFileRecord(ctx context.Context, tenantID, fileID string) error
}

type Processor struct {
	store       FileStore
	index       vector.Index
	embedder    embedding.Embedder
	chunker     *chunker.Chunker
	retryConfig retry.Config
}

func NewProcessor(store FileStore, index vector.Index, embedder embedding.Embedder, ch *chunker.Chunker) *Processor {
	cfg := retry.DefaultConfig()
	cfg.Logger = logger.GetLogger()
	return &Processor{
		store:       store,
		index:       index,
		embedder:    embedder,
		chunker:     ch,
		retryConfig: cfg,
	}
}

// ProcessDocument ingests one file. The whole operation is idempotent:
// chunking is deterministic and upsert is keyed by stable chunk ids, so a
// retried or repeated ingestion replaces rather than duplicates. Failures are
// local to the file; the record ends in status failed, never half-indexed
// with status completed.
func (p *Processor) ProcessDocument(ctx context.Context, req Request) error {
	logger.Info("Processing document",
		zap.String("tenant_id", req.TenantID),
		zap.String("file_id", req.FileID),
		zap.String("file_name", req.FileName),
	)

	rec := &models.FileRecord{
		TenantID:         req.TenantID,
		FileID:           req.FileID,
		FileName:         req.FileName,
		IsPublic:         req.IsPublic,
		ProcessingStatus: models.StatusProcessing,
	}
	if err := p.store.UpsertFile(ctx, rec); err != nil {
		return fmt.Errorf("failed to record file: %w", err)
	}

	chunkTexts := p.chunker.Chunk(req.RawText)
	if len(chunkTexts) == 0 {
		p.markFailed(ctx, req)
		return fmt.Errorf("%w: tenant %s file %s", ErrNoContent, req.TenantID, req.FileID)
	}

	embeddings, err := p.embedder.Embed(ctx, chunkTexts)
	if err != nil {
		p.markFailed(ctx, req)
		return fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(embeddings) != len(chunkTexts) {
		p.markFailed(ctx, req)
		return fmt.Errorf("embedding count mismatch: got %d, expected %d", len(embeddings), len(chunkTexts))
	}

	now := time.Now()
	chunks := make([]vector.Chunk, len(chunkTexts))
	for i, text := range chunkTexts {
		chunks[i] = vector.Chunk{
			ID:        vector.ChunkID(req.FileID, i),
			TenantID:  req.TenantID,
			FileID:    req.FileID,
			FileName:  req.FileName,
			Ordinal:   i,
			Text:      text,
			IsPublic:  req.IsPublic,
			Embedding: embeddings[i],
			CreatedAt: now,
		}
	}

	err = retry.Do(ctx, p.retryConfig, func() error {
		return p.index.Upsert(ctx, chunks)
	})
	if err != nil {
		p.markFailed(ctx, req)
		return fmt.Errorf("failed to upsert into vector index: %w", err)
	}

	if err := p.store.SetFileStatus(ctx, req.TenantID, req.FileID, models.StatusCompleted, len(chunks)); err != nil {
		return fmt.Errorf("failed to mark file completed: %w", err)
	}

	metrics.DocumentsIngested.WithLabelValues(models.StatusCompleted).Inc()
	metrics.ChunksIndexed.Add(float64(len(chunks)))

	logger.Info("Document processed",
		zap.String("tenant_id", req.TenantID),
		zap.String("file_id", req.FileID),
		zap.Int("chunks", len(chunks)),
	)

	return nil
}

// DeleteDocument removes a file's chunks from the index, then its record.
// Order matters: the record must not disappear while vectors for the
// "deleted" file are still searchable, so an unconfirmed index delete is
// surfaced for retry instead.
func (p *Processor) DeleteDocument(ctx context.Context, tenantID, fileID string) error {
	err := retry.Do(ctx, p.retryConfig, func() error {
		return p.index.DeleteByFile(ctx, tenantID, fileID)
	})
	if err != nil {
		metrics.IndexDeletes.WithLabelValues("failed").Inc()
		if errors.Is(err, vector.ErrIndexConsistency) {
			return err
		}
		return fmt.Errorf("failed to delete file from index: %w", err)
	}

	if err := p.store.DeleteFileRecord(ctx, tenantID, fileID); err != nil {
		return fmt.Errorf("failed to delete file record: %w", err)
	}

	metrics.IndexDeletes.WithLabelValues("completed").Inc()

	logger.Info("Document deleted",
		zap.String("tenant_id", tenantID),
		zap.String("file_id", fileID),
	)

	return nil
}

func (p *Processor) markFailed(ctx context.Context, req Request) {
	metrics.DocumentsIngested.WithLabelValues(models.StatusFailed).Inc()
	if err := p.store.SetFileStatus(ctx, req.TenantID, req.FileID, models.StatusFailed, 0); err != nil {
		logger.Error("Failed to mark file failed",
			zap.String("tenant_id", req.TenantID),
			zap.String("file_id", req.FileID),
			zap.Error(err),
		)
	}
}
