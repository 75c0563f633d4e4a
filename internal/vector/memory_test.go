package vector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkChunk(tenantID, fileID string, ordinal int, isPublic bool, embedding []float32) Chunk {
	return Chunk{
		ID:        ChunkID(fileID, ordinal),
		TenantID:  tenantID,
		FileID:    fileID,
		FileName:  fileID + ".pdf",
		Ordinal:   ordinal,
		Text:      "chunk text",
		IsPublic:  isPublic,
		Embedding: embedding,
		CreatedAt: time.Now(),
	}
}

func TestSearch_TenantIsolation(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()

	// Identical embeddings in both tenants: similarity alone would return
	// everything.
	vec := []float32{1, 0, 0}
	require.NoError(t, idx.Upsert(ctx, []Chunk{
		mkChunk("acme", "f1", 0, true, vec),
		mkChunk("globex", "g1", 0, true, vec),
	}))

	results, err := idx.Search(ctx, vec, TenantFilter{TenantID: "acme", IncludePublic: true}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	for _, r := range results {
		assert.Equal(t, "acme", r.Chunk.TenantID)
	}
}

func TestSearch_FailClosedOnEmptyAccess(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Chunk{
		mkChunk("acme", "f1", 0, true, []float32{1, 0, 0}),
	}))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, TenantFilter{TenantID: "acme"}, 10)
	require.NoError(t, err)
	assert.Empty(t, results, "empty allow-list with include_public=false must match nothing")
}

func TestSearch_RequiresTenantID(t *testing.T) {
	idx := NewInMemoryIndex()
	_, err := idx.Search(context.Background(), []float32{1}, TenantFilter{IncludePublic: true}, 5)
	require.ErrorIs(t, err, ErrInvalidFilter)
}

func TestSearch_PublicOrGrantedConjunction(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()
	vec := []float32{1, 0, 0}

	require.NoError(t, idx.Upsert(ctx, []Chunk{
		mkChunk("acme", "policy", 0, true, vec),
		mkChunk("acme", "salary", 0, false, vec),
		mkChunk("acme", "roadmap", 0, false, vec),
	}))

	t.Run("public only", func(t *testing.T) {
		results, err := idx.Search(ctx, vec, TenantFilter{TenantID: "acme", IncludePublic: true}, 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "policy", results[0].Chunk.FileID)
	})

	t.Run("grant plus public", func(t *testing.T) {
		f := TenantFilter{TenantID: "acme", AllowedFileIDs: []string{"salary"}, IncludePublic: true}
		results, err := idx.Search(ctx, vec, f, 10)
		require.NoError(t, err)
		require.Len(t, results, 2)
		got := []string{results[0].Chunk.FileID, results[1].Chunk.FileID}
		assert.ElementsMatch(t, []string{"policy", "salary"}, got)
	})

	t.Run("grant without public", func(t *testing.T) {
		f := TenantFilter{TenantID: "acme", AllowedFileIDs: []string{"roadmap"}}
		results, err := idx.Search(ctx, vec, f, 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "roadmap", results[0].Chunk.FileID)
	})
}

func TestSearch_OrderingAndTieBreak(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Chunk{
		mkChunk("acme", "b", 0, true, []float32{1, 0, 0}), // same score as "a"
		mkChunk("acme", "a", 0, true, []float32{1, 0, 0}),
		mkChunk("acme", "c", 0, true, []float32{0, 1, 0}), // orthogonal, lowest
	}))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, TenantFilter{TenantID: "acme", IncludePublic: true}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, ChunkID("a", 0), results[0].Chunk.ID, "ties break by ascending chunk id")
	assert.Equal(t, ChunkID("b", 0), results[1].Chunk.ID)
	assert.Equal(t, ChunkID("c", 0), results[2].Chunk.ID)
	assert.GreaterOrEqual(t, results[0].Score, results[2].Score)
}

func TestUpsert_IdempotentByChunkID(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()

	chunks := []Chunk{
		mkChunk("acme", "f1", 0, true, []float32{1, 0, 0}),
		mkChunk("acme", "f1", 1, true, []float32{0, 1, 0}),
	}
	require.NoError(t, idx.Upsert(ctx, chunks))
	require.NoError(t, idx.Upsert(ctx, chunks)) // re-ingestion

	results, err := idx.Search(ctx, []float32{1, 1, 0}, TenantFilter{TenantID: "acme", IncludePublic: true}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 2, "re-upserting the same ids must not duplicate entries")
}

func TestDeleteByFile_Completeness(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Chunk{
		mkChunk("acme", "f1", 0, true, []float32{1, 0, 0}),
		mkChunk("acme", "f1", 1, true, []float32{1, 0, 0}),
		mkChunk("acme", "f2", 0, true, []float32{1, 0, 0}),
	}))

	require.NoError(t, idx.DeleteByFile(ctx, "acme", "f1"))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, TenantFilter{TenantID: "acme", IncludePublic: true}, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "f1", r.Chunk.FileID)
	}
	assert.Equal(t, 0, idx.Count("acme", "f1"))
	assert.Equal(t, 1, idx.Count("acme", "f2"))
}

func TestDeleteByFile_IsTenantScoped(t *testing.T) {
	idx := NewInMemoryIndex()
	ctx := context.Background()

	// Same file id in two tenants; deleting acme's must not touch globex's.
	require.NoError(t, idx.Upsert(ctx, []Chunk{
		mkChunk("acme", "shared", 0, true, []float32{1, 0, 0}),
		{
			ID: "globex_" + ChunkID("shared", 0), TenantID: "globex", FileID: "shared",
			FileName: "shared.pdf", IsPublic: true, Embedding: []float32{1, 0, 0},
		},
	}))

	require.NoError(t, idx.DeleteByFile(ctx, "acme", "shared"))

	results, err := idx.Search(ctx, []float32{1, 0, 0}, TenantFilter{TenantID: "globex", IncludePublic: true}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
