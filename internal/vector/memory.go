package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// InMemoryIndex is a brute-force index used in tests and single-node dev
// runs. It evaluates the tenant predicate before ranking, the same contract
// the Milvus implementation gets from a server-side boolean expression.
type InMemoryIndex struct {
	mu     sync.RWMutex
	chunks map[string]Chunk           // chunk id -> chunk
	files  map[string]map[string]bool // tenant/file key -> set of chunk ids
}

func NewInMemoryIndex() *InMemoryIndex {
	return &InMemoryIndex{
		chunks: make(map[string]Chunk),
		files:  make(map[string]map[string]bool),
	}
}

func fileKey(tenantID, fileID string) string {
	return tenantID + "/" + fileID
}

func (s *InMemoryIndex) Upsert(ctx context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunks {
		s.chunks[chunk.ID] = chunk
		key := fileKey(chunk.TenantID, chunk.FileID)
		if s.files[key] == nil {
			s.files[key] = make(map[string]bool)
		}
		s.files[key][chunk.ID] = true
	}
	return nil
}

func (s *InMemoryIndex) DeleteByFile(ctx context.Context, tenantID, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fileKey(tenantID, fileID)
	for id := range s.files[key] {
		delete(s.chunks, id)
	}
	delete(s.files, key)
	return nil
}

func (s *InMemoryIndex) Search(ctx context.Context, queryVector []float32, filter TenantFilter, topK int) ([]ScoredChunk, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if filter.FailClosed() || topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]ScoredChunk, 0)
	for _, chunk := range s.chunks {
		if !filter.Matches(chunk) {
			continue
		}
		results = append(results, ScoredChunk{
			Chunk: chunk,
			Score: cosineSimilarity(queryVector, chunk.Embedding),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})

	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Count reports how many chunks a file still has in the index. Test helper.
func (s *InMemoryIndex) Count(tenantID, fileID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files[fileKey(tenantID, fileID)])
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
