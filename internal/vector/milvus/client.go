// Package milvus implements the tenant vector index on a Milvus/Zilliz
// collection. The tenant filter is compiled to a boolean expression that
// Milvus evaluates inside the ANN query, so a scoped search never
// under-returns the way an unscoped-then-filter top-k would.
package milvus

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/docqa/backend/internal/vector"
	"github.com/docqa/backend/pkg/logger"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewClient(context.Background(), client.Config{
		Address: endpoint,
		APIKey:  apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Tenant-scoped document chunk embeddings",
		Fields: []*entity.Field{
			{
				Name:       "chunk_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "192"},
			},
			{
				Name:       "tenant_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "file_id",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "128"},
			},
			{
				Name:       "file_name",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "256"},
			},
			{
				Name:     "ordinal",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "is_public",
				DataType: entity.FieldTypeBool,
			},
			{
				Name:       "text",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "8192"},
			},
			{
				Name:     "created_at",
				DataType: entity.FieldTypeInt64,
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

func (m *Client) Upsert(ctx context.Context, chunks []vector.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	chunkIDs := make([]string, len(chunks))
	tenantIDs := make([]string, len(chunks))
	fileIDs := make([]string, len(chunks))
	fileNames := make([]string, len(chunks))
	ordinals := make([]int64, len(chunks))
	publics := make([]bool, len(chunks))
	texts := make([]string, len(chunks))
	createdAts := make([]int64, len(chunks))
	embeddings := make([][]float32, len(chunks))

	for i, chunk := range chunks {
		chunkIDs[i] = chunk.ID
		tenantIDs[i] = chunk.TenantID
		fileIDs[i] = chunk.FileID
		fileNames[i] = chunk.FileName
		ordinals[i] = int64(chunk.Ordinal)
		publics[i] = chunk.IsPublic
		texts[i] = chunk.Text
		createdAts[i] = chunk.CreatedAt.Unix()
		embeddings[i] = chunk.Embedding
	}

	_, err := m.client.Upsert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("chunk_id", chunkIDs),
		entity.NewColumnVarChar("tenant_id", tenantIDs),
		entity.NewColumnVarChar("file_id", fileIDs),
		entity.NewColumnVarChar("file_name", fileNames),
		entity.NewColumnInt64("ordinal", ordinals),
		entity.NewColumnBool("is_public", publics),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnInt64("created_at", createdAts),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunks: %w", err)
	}

	err = m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Chunks upserted into vector index",
		zap.Int("count", len(chunks)),
		zap.String("tenant_id", chunks[0].TenantID),
		zap.String("file_id", chunks[0].FileID),
	)

	return nil
}

func (m *Client) DeleteByFile(ctx context.Context, tenantID, fileID string) error {
	expr := fmt.Sprintf(`tenant_id == "%s" && file_id == "%s"`, escape(tenantID), escape(fileID))

	err := m.client.Delete(ctx, m.collectionName, "", expr)
	if err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}

	err = m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush after delete: %w", err)
	}

	// Verify completeness: a half-applied delete leaves chunks of a
	// "deleted" file searchable.
	rows, err := m.client.Query(ctx, m.collectionName, nil, expr, []string{"chunk_id"})
	if err != nil {
		return fmt.Errorf("failed to verify delete: %w", err)
	}
	remaining := 0
	for _, col := range rows {
		if col.Name() == "chunk_id" {
			remaining = col.Len()
		}
	}
	if remaining > 0 {
		return fmt.Errorf("%w: %d chunks remain for tenant %s file %s",
			vector.ErrIndexConsistency, remaining, tenantID, fileID)
	}

	logger.Info("File chunks deleted from vector index",
		zap.String("tenant_id", tenantID),
		zap.String("file_id", fileID),
	)

	return nil
}

func (m *Client) Search(ctx context.Context, queryVector []float32, filter vector.TenantFilter, topK int) ([]vector.ScoredChunk, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if filter.FailClosed() || topK <= 0 {
		return nil, nil
	}

	expr := BuildFilterExpr(filter)

	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"chunk_id", "tenant_id", "file_id", "file_name", "ordinal", "is_public", "text"},
		[]entity.Vector{entity.FloatVector(queryVector)},
		"embedding",
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]vector.ScoredChunk, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			chunk, err := chunkAt(sr.Fields, i)
			if err != nil {
				return nil, err
			}
			results = append(results, vector.ScoredChunk{
				Chunk: chunk,
				Score: sr.Scores[i],
			})
		}
	}

	// Milvus orders by similarity but leaves ties unspecified; pin them.
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
		zap.String("filter", expr),
	)

	return results, nil
}

func chunkAt(fields client.ResultSet, i int) (vector.Chunk, error) {
	var chunk vector.Chunk

	get := func(name string) (interface{}, error) {
		col := fields.GetColumn(name)
		if col == nil {
			return nil, fmt.Errorf("missing column %q in search result", name)
		}
		return col.Get(i)
	}

	for name, dst := range map[string]*string{
		"chunk_id":  &chunk.ID,
		"tenant_id": &chunk.TenantID,
		"file_id":   &chunk.FileID,
		"file_name": &chunk.FileName,
		"text":      &chunk.Text,
	} {
		v, err := get(name)
		if err != nil {
			return chunk, err
		}
		s, ok := v.(string)
		if !ok {
			return chunk, fmt.Errorf("column %q is not a string", name)
		}
		*dst = s
	}

	if v, err := get("ordinal"); err == nil {
		if n, ok := v.(int64); ok {
			chunk.Ordinal = int(n)
		}
	}
	if v, err := get("is_public"); err == nil {
		if b, ok := v.(bool); ok {
			chunk.IsPublic = b
		}
	}

	return chunk, nil
}

// BuildFilterExpr compiles a TenantFilter into a Milvus boolean expression:
// tenant_id == T && (file_id in [...] || is_public == true).
func BuildFilterExpr(filter vector.TenantFilter) string {
	var b strings.Builder
	fmt.Fprintf(&b, `tenant_id == "%s"`, escape(filter.TenantID))

	var access []string
	if len(filter.AllowedFileIDs) > 0 {
		quoted := make([]string, len(filter.AllowedFileIDs))
		for i, id := range filter.AllowedFileIDs {
			quoted[i] = fmt.Sprintf(`"%s"`, escape(id))
		}
		access = append(access, fmt.Sprintf("file_id in [%s]", strings.Join(quoted, ", ")))
	}
	if filter.IncludePublic {
		access = append(access, "is_public == true")
	}

	switch len(access) {
	case 1:
		fmt.Fprintf(&b, " && %s", access[0])
	case 2:
		fmt.Fprintf(&b, " && (%s || %s)", access[0], access[1])
	}

	return b.String()
}

func escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
