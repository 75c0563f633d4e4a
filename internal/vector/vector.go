// Package vector defines the tenant-scoped vector index consumed by the
// ingestion and answer pipelines. Implementations must apply the tenant
// filter inside the nearest-neighbor query itself, never as a post-filter on
// an unscoped top-k result.
package vector

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidFilter is returned when a search filter has no tenant id.
	ErrInvalidFilter = errors.New("tenant filter requires a tenant id")

	// ErrIndexConsistency is returned when a delete cannot confirm full
	// removal of a file's chunks. Callers must retry; stale vectors are a
	// tenant-isolation risk.
	ErrIndexConsistency = errors.New("index delete could not confirm full removal")
)

// Chunk is one indexed slice of a document, tagged with everything the
// filter needs server-side.
type Chunk struct {
	ID        string
	TenantID  string
	FileID    string
	FileName  string
	Ordinal   int
	Text      string
	IsPublic  bool
	Embedding []float32
	CreatedAt time.Time
}

// ChunkID derives the stable chunk identifier from its file and ordinal.
// Re-ingesting a file reproduces the same ids, which is what makes Upsert
// idempotent.
func ChunkID(fileID string, ordinal int) string {
	return fmt.Sprintf("%s_chunk_%d", fileID, ordinal)
}

// TenantFilter is the ephemeral access predicate for one search:
// tenant_id == TenantID AND (file_id IN AllowedFileIDs OR (IncludePublic AND is_public)).
type TenantFilter struct {
	TenantID       string
	AllowedFileIDs []string
	IncludePublic  bool
}

func (f TenantFilter) Validate() error {
	if f.TenantID == "" {
		return ErrInvalidFilter
	}
	return nil
}

// FailClosed reports whether the filter can match nothing at all. Searches
// with such a filter must return zero results without touching the backend.
func (f TenantFilter) FailClosed() bool {
	return len(f.AllowedFileIDs) == 0 && !f.IncludePublic
}

// Matches evaluates the filter predicate against a chunk's metadata.
func (f TenantFilter) Matches(c Chunk) bool {
	if c.TenantID != f.TenantID {
		return false
	}
	for _, id := range f.AllowedFileIDs {
		if c.FileID == id {
			return true
		}
	}
	return f.IncludePublic && c.IsPublic
}

// ScoredChunk pairs a retrieved chunk with its similarity score.
type ScoredChunk struct {
	Chunk Chunk
	Score float32
}

// Index stores chunk vectors with payload metadata and serves filtered
// nearest-neighbor queries.
//
// Upsert is idempotent by chunk id: re-upserting replaces vector and payload
// with no duplicate entries. DeleteByFile removes every chunk of one file and
// reports ErrIndexConsistency when it cannot confirm completeness. Search
// results are ordered by descending similarity, ties broken by ascending
// chunk id.
type Index interface {
	Upsert(ctx context.Context, chunks []Chunk) error
	DeleteByFile(ctx context.Context, tenantID, fileID string) error
	Search(ctx context.Context, queryVector []float32, filter TenantFilter, topK int) ([]ScoredChunk, error)
}
