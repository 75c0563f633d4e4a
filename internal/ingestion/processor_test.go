package ingestion

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/chunker"
	"github.com/docqa/backend/internal/embedding"
	"github.com/docqa/backend/internal/storage/models"
	"github.com/docqa/backend/internal/vector"
)

type fakeEmbedder struct {
	failWith error
	calls    int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.failWith != nil {
		return nil, f.failWith
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		// Deterministic per text so re-ingestion produces identical vectors.
		out[i] = []float32{float32(len(text)), 1, 0}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

type fakeStore struct {
	statuses   []string
	chunkCount int
	deleted    bool
}

func (s *fakeStore) UpsertFile(ctx context.Context, rec *models.FileRecord) error {
	s.statuses = append(s.statuses, rec.ProcessingStatus)
	return nil
}

func (s *fakeStore) SetFileStatus(ctx context.Context, tenantID, fileID, status string, chunkCount int) error {
	s.statuses = append(s.statuses, status)
	s.chunkCount = chunkCount
	return nil
}

func (s *fakeStore) DeleteFileRecord(ctx context.Context, tenantID, fileID string) error {
	s.deleted = true
	return nil
}

type failingIndex struct {
	vector.Index
	deleteErr error
}

func (f *failingIndex) DeleteByFile(ctx context.Context, tenantID, fileID string) error {
	return f.deleteErr
}

func newProcessor(t *testing.T, store *fakeStore, index vector.Index, emb embedding.Embedder) *Processor {
	t.Helper()
	ch, err := chunker.New(10, 2)
	require.NoError(t, err)
	return NewProcessor(store, index, emb, ch)
}

func longText(words int) string {
	text := ""
	for i := 0; i < words; i++ {
		text += fmt.Sprintf("word%d ", i)
	}
	return text
}

func TestProcessDocument_Success(t *testing.T) {
	store := &fakeStore{}
	index := vector.NewInMemoryIndex()
	p := newProcessor(t, store, index, &fakeEmbedder{})

	err := p.ProcessDocument(context.Background(), Request{
		TenantID: "acme", FileID: "f1", FileName: "policy.pdf",
		RawText: longText(30), IsPublic: true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{models.StatusProcessing, models.StatusCompleted}, store.statuses)
	assert.Equal(t, store.chunkCount, index.Count("acme", "f1"))
	assert.Greater(t, store.chunkCount, 1)
}

func TestProcessDocument_EmptyTextMarksFailed(t *testing.T) {
	store := &fakeStore{}
	p := newProcessor(t, store, vector.NewInMemoryIndex(), &fakeEmbedder{})

	err := p.ProcessDocument(context.Background(), Request{
		TenantID: "acme", FileID: "f1", FileName: "empty.pdf", RawText: "   ",
	})
	require.ErrorIs(t, err, ErrNoContent)
	assert.Equal(t, []string{models.StatusProcessing, models.StatusFailed}, store.statuses)
}

func TestProcessDocument_EmbeddingFailureMarksFailed(t *testing.T) {
	store := &fakeStore{}
	index := vector.NewInMemoryIndex()
	emb := &fakeEmbedder{failWith: embedding.ErrBackend}
	p := newProcessor(t, store, index, emb)

	err := p.ProcessDocument(context.Background(), Request{
		TenantID: "acme", FileID: "f1", FileName: "doc.pdf", RawText: longText(30),
	})
	require.ErrorIs(t, err, embedding.ErrBackend)
	assert.Equal(t, []string{models.StatusProcessing, models.StatusFailed}, store.statuses)
	assert.Equal(t, 0, index.Count("acme", "f1"), "nothing is indexed on failure")
}

func TestProcessDocument_ReingestionIsIdempotent(t *testing.T) {
	store := &fakeStore{}
	index := vector.NewInMemoryIndex()
	p := newProcessor(t, store, index, &fakeEmbedder{})

	req := Request{
		TenantID: "acme", FileID: "f1", FileName: "doc.pdf",
		RawText: longText(40), IsPublic: true,
	}
	require.NoError(t, p.ProcessDocument(context.Background(), req))
	first := index.Count("acme", "f1")

	require.NoError(t, p.ProcessDocument(context.Background(), req))
	assert.Equal(t, first, index.Count("acme", "f1"), "re-ingestion must not duplicate chunks")
}

func TestDeleteDocument_RecordSurvivesFailedIndexDelete(t *testing.T) {
	store := &fakeStore{}
	index := &failingIndex{deleteErr: vector.ErrIndexConsistency}
	p := newProcessor(t, store, index, &fakeEmbedder{})

	err := p.DeleteDocument(context.Background(), "acme", "f1")
	require.ErrorIs(t, err, vector.ErrIndexConsistency)
	assert.False(t, store.deleted, "record must not be deleted while vectors may remain")
}

func TestDeleteDocument_Success(t *testing.T) {
	store := &fakeStore{}
	index := vector.NewInMemoryIndex()
	p := newProcessor(t, store, index, &fakeEmbedder{})

	require.NoError(t, p.ProcessDocument(context.Background(), Request{
		TenantID: "acme", FileID: "f1", FileName: "doc.pdf", RawText: longText(20), IsPublic: true,
	}))
	require.NoError(t, p.DeleteDocument(context.Background(), "acme", "f1"))

	assert.True(t, store.deleted)
	assert.Equal(t, 0, index.Count("acme", "f1"))
}

func TestDeleteDocument_RetriesTransientFailure(t *testing.T) {
	store := &fakeStore{}
	transient := errors.New("grpc unavailable")

	// Fails once, then succeeds.
	calls := 0
	index := &countingIndex{inner: vector.NewInMemoryIndex(), onDelete: func() error {
		calls++
		if calls == 1 {
			return transient
		}
		return nil
	}}
	p := newProcessor(t, store, index, &fakeEmbedder{})

	require.NoError(t, p.DeleteDocument(context.Background(), "acme", "f1"))
	assert.Equal(t, 2, calls)
	assert.True(t, store.deleted)
}

type countingIndex struct {
	inner    vector.Index
	onDelete func() error
}

func (c *countingIndex) Upsert(ctx context.Context, chunks []vector.Chunk) error {
	return c.inner.Upsert(ctx, chunks)
}

func (c *countingIndex) DeleteByFile(ctx context.Context, tenantID, fileID string) error {
	if err := c.onDelete(); err != nil {
		return err
	}
	return c.inner.DeleteByFile(ctx, tenantID, fileID)
}

func (c *countingIndex) Search(ctx context.Context, queryVector []float32, filter vector.TenantFilter, topK int) ([]vector.ScoredChunk, error) {
	return c.inner.Search(ctx, queryVector, filter, topK)
}
