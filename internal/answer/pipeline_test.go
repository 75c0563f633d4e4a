package answer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docqa/backend/internal/access"
	"github.com/docqa/backend/internal/llm"
	"github.com/docqa/backend/internal/prompts"
	"github.com/docqa/backend/internal/session"
	"github.com/docqa/backend/internal/vector"
)

type fakeQueryEmbedder struct{}

func (fakeQueryEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeGenerator struct {
	answer     string
	err        error
	calls      int
	lastSystem string
	lastUser   string
}

func (g *fakeGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string, cfg prompts.PromptConfig) (string, error) {
	g.calls++
	g.lastSystem = systemPrompt
	g.lastUser = userPrompt
	if g.err != nil {
		return "", g.err
	}
	return g.answer, nil
}

type fakeFiles struct {
	hasPublic bool
}

func (f fakeFiles) TenantHasPublicFiles(ctx context.Context, tenantID string) (bool, error) {
	return f.hasPublic, nil
}

// stubIndex returns canned results regardless of the filter, standing in for
// an index whose payloads have gone stale relative to the resolver.
type stubIndex struct {
	results []vector.ScoredChunk
}

func (s *stubIndex) Upsert(ctx context.Context, chunks []vector.Chunk) error { return nil }
func (s *stubIndex) DeleteByFile(ctx context.Context, tenantID, fileID string) error {
	return nil
}
func (s *stubIndex) Search(ctx context.Context, queryVector []float32, filter vector.TenantFilter, topK int) ([]vector.ScoredChunk, error) {
	return s.results, nil
}

type env struct {
	pipeline  *Pipeline
	generator *fakeGenerator
	turns     *session.MemoryTurnStore
}

func newEnv(t *testing.T, index vector.Index, resolver access.Resolver, hasPublic bool) *env {
	t.Helper()
	generator := &fakeGenerator{answer: "generated answer"}
	turns := session.NewMemoryTurnStore()
	p := NewPipeline(
		resolver,
		index,
		fakeQueryEmbedder{},
		generator,
		prompts.StaticStore{Config: prompts.Default()},
		session.NewManager(turns, 0),
		fakeFiles{hasPublic: hasPublic},
		Config{TopK: 5, MaxTopK: 50, PromptWindow: 6},
	)
	return &env{pipeline: p, generator: generator, turns: turns}
}

func seedAcme(t *testing.T, index vector.Index) {
	t.Helper()
	vec := []float32{1, 0, 0}
	require.NoError(t, index.Upsert(context.Background(), []vector.Chunk{
		{
			ID: vector.ChunkID("policy", 0), TenantID: "acme", FileID: "policy",
			FileName: "policy.pdf", Text: "salary reviews happen yearly",
			IsPublic: true, Embedding: vec,
		},
		{
			ID: vector.ChunkID("salary", 0), TenantID: "acme", FileID: "salary",
			FileName: "salary.pdf", Text: "alice earns a lot",
			IsPublic: false, Embedding: vec,
		},
	}))
}

func TestAnswer_NoAccessShortCircuit(t *testing.T) {
	e := newEnv(t, vector.NewInMemoryIndex(), access.StaticResolver{}, false)

	resp, err := e.pipeline.Answer(context.Background(), Request{
		TenantID: "acme", UserID: "bob", SessionID: "s1", Question: "anything?",
	})
	require.NoError(t, err)

	assert.Equal(t, NoAccessAnswer, resp.Answer)
	assert.Empty(t, resp.Sources)
	assert.Equal(t, 0, e.generator.calls, "generation backend must not be invoked without grounding")

	turns, err := e.turns.ListTurns(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, NoAccessAnswer, turns[1].Content)
}

func TestAnswer_PublicOnlyUserScenario(t *testing.T) {
	// Tenant acme: policy.pdf public, salary.pdf granted only to alice.
	// bob has no grants but the tenant has public files.
	index := vector.NewInMemoryIndex()
	seedAcme(t, index)
	e := newEnv(t, index, access.StaticResolver{Grants: map[string][]string{
		"acme/alice": {"salary"},
	}}, true)

	resp, err := e.pipeline.Answer(context.Background(), Request{
		TenantID: "acme", UserID: "bob", SessionID: "s1",
		Question: "what is the salary policy?",
	})
	require.NoError(t, err)

	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "policy", resp.Sources[0].FileID)
	assert.Equal(t, "policy.pdf", resp.Sources[0].FileName)
	assert.NotContains(t, e.generator.lastUser, "alice earns a lot",
		"private chunk content must not reach the prompt for ungranted users")
	assert.Contains(t, e.generator.lastUser, "salary reviews happen yearly")
}

func TestAnswer_GrantedUserSeesPrivateFile(t *testing.T) {
	index := vector.NewInMemoryIndex()
	seedAcme(t, index)
	e := newEnv(t, index, access.StaticResolver{Grants: map[string][]string{
		"acme/alice": {"salary"},
	}}, true)

	resp, err := e.pipeline.Answer(context.Background(), Request{
		TenantID: "acme", UserID: "alice", SessionID: "s1",
		Question: "what is the salary policy?",
	})
	require.NoError(t, err)

	ids := make([]string, len(resp.Sources))
	for i, s := range resp.Sources {
		ids[i] = s.FileID
	}
	assert.ElementsMatch(t, []string{"policy", "salary"}, ids)
}

func TestAnswer_ProvenanceExcludesStaleIndexEntries(t *testing.T) {
	// The index returns a chunk from f3, but the resolver does not vouch for
	// f3 and the chunk is not public: the filename must not leak.
	index := &stubIndex{results: []vector.ScoredChunk{
		{Chunk: vector.Chunk{ID: "ok_chunk_0", TenantID: "acme", FileID: "ok", FileName: "ok.pdf", IsPublic: true}, Score: 0.9},
		{Chunk: vector.Chunk{ID: "f3_chunk_0", TenantID: "acme", FileID: "f3", FileName: "secret.pdf", IsPublic: false}, Score: 0.8},
	}}
	e := newEnv(t, index, access.StaticResolver{Grants: map[string][]string{
		"acme/bob": {"ok"},
	}}, true)

	resp, err := e.pipeline.Answer(context.Background(), Request{
		TenantID: "acme", UserID: "bob", SessionID: "s1", Question: "q",
	})
	require.NoError(t, err)

	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "ok", resp.Sources[0].FileID)
	for _, s := range resp.Sources {
		assert.NotEqual(t, "secret.pdf", s.FileName)
	}
}

func TestAnswer_SourcesDeduplicatedPerFile(t *testing.T) {
	index := &stubIndex{results: []vector.ScoredChunk{
		{Chunk: vector.Chunk{ID: "f1_chunk_0", TenantID: "acme", FileID: "f1", FileName: "a.pdf", IsPublic: true}, Score: 0.9},
		{Chunk: vector.Chunk{ID: "f1_chunk_1", TenantID: "acme", FileID: "f1", FileName: "a.pdf", IsPublic: true}, Score: 0.8},
	}}
	e := newEnv(t, index, access.StaticResolver{}, true)

	resp, err := e.pipeline.Answer(context.Background(), Request{
		TenantID: "acme", UserID: "bob", SessionID: "s1", Question: "q",
	})
	require.NoError(t, err)
	assert.Len(t, resp.Sources, 1)
}

func TestAnswer_GenerationFailureIsOpaque(t *testing.T) {
	index := vector.NewInMemoryIndex()
	seedAcme(t, index)
	e := newEnv(t, index, access.StaticResolver{}, true)
	e.generator.err = llm.ErrBackend

	_, err := e.pipeline.Answer(context.Background(), Request{
		TenantID: "acme", UserID: "bob", SessionID: "s1", Question: "q",
	})
	require.Error(t, err)

	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, KindGenerationBackend, pErr.Kind)
	assert.NotEmpty(t, pErr.ErrorID)
	assert.Contains(t, pErr.Message, pErr.ErrorID)
	assert.NotContains(t, pErr.Message, "backend", "internal detail must not reach the user message")

	turns, listErr := e.turns.ListTurns(context.Background(), "s1")
	require.NoError(t, listErr)
	assert.Empty(t, turns, "failed exchanges append no turns")
}

func TestAnswer_CancellationAppendsNoPartialTurn(t *testing.T) {
	index := vector.NewInMemoryIndex()
	seedAcme(t, index)

	ctx, cancel := context.WithCancel(context.Background())
	turns := session.NewMemoryTurnStore()
	generator := &fakeGenerator{answer: "half an answer"}
	p := NewPipeline(
		access.StaticResolver{},
		index,
		fakeQueryEmbedder{},
		cancellingGenerator{inner: generator, cancel: cancel},
		prompts.StaticStore{Config: prompts.Default()},
		session.NewManager(turns, 0),
		fakeFiles{hasPublic: true},
		Config{TopK: 5, MaxTopK: 50, PromptWindow: 6},
	)

	_, err := p.Answer(ctx, Request{
		TenantID: "acme", UserID: "bob", SessionID: "s1", Question: "q",
	})
	require.Error(t, err)

	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, KindCancelled, pErr.Kind)

	got, listErr := turns.ListTurns(context.Background(), "s1")
	require.NoError(t, listErr)
	assert.Empty(t, got, "a cancelled request must not append a partial exchange")
}

// cancellingGenerator simulates a client disconnect landing mid-generation.
type cancellingGenerator struct {
	inner  *fakeGenerator
	cancel context.CancelFunc
}

func (g cancellingGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string, cfg prompts.PromptConfig) (string, error) {
	g.cancel()
	return g.inner.Generate(ctx, systemPrompt, userPrompt, cfg)
}

func TestAnswer_AppendsExchangeAndGeneratesSessionID(t *testing.T) {
	index := vector.NewInMemoryIndex()
	seedAcme(t, index)
	e := newEnv(t, index, access.StaticResolver{}, true)

	resp, err := e.pipeline.Answer(context.Background(), Request{
		TenantID: "acme", UserID: "bob", Question: "what is the policy?",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID, "first message creates a fresh session id")

	turns, err := e.turns.ListTurns(context.Background(), resp.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, session.RoleUser, turns[0].Role)
	assert.Equal(t, "what is the policy?", turns[0].Content)
	assert.Equal(t, session.RoleAssistant, turns[1].Role)
	assert.Equal(t, "generated answer", turns[1].Content)
}

func TestAnswer_HistoryWindowFlowsIntoPrompt(t *testing.T) {
	index := vector.NewInMemoryIndex()
	seedAcme(t, index)
	e := newEnv(t, index, access.StaticResolver{}, true)

	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := e.pipeline.Answer(ctx, Request{
			TenantID: "acme", UserID: "bob", SessionID: "s1", Question: "earlier question",
		})
		require.NoError(t, err)
	}

	_, err := e.pipeline.Answer(ctx, Request{
		TenantID: "acme", UserID: "bob", SessionID: "s1", Question: "latest question",
	})
	require.NoError(t, err)

	assert.Contains(t, e.generator.lastUser, "User: earlier question")
	assert.Contains(t, e.generator.lastUser, "Question: latest question")
}

func TestAnswer_RejectsMissingTenant(t *testing.T) {
	e := newEnv(t, vector.NewInMemoryIndex(), access.StaticResolver{}, false)

	_, err := e.pipeline.Answer(context.Background(), Request{UserID: "bob", Question: "q"})
	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, KindInternal, pErr.Kind)
}

func TestAnswer_VectorIndexFailureRetriesThenFails(t *testing.T) {
	failing := &failingSearchIndex{err: errors.New("grpc unavailable")}
	e := newEnv(t, failing, access.StaticResolver{}, true)

	_, err := e.pipeline.Answer(context.Background(), Request{
		TenantID: "acme", UserID: "bob", SessionID: "s1", Question: "q",
	})
	var pErr *Error
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, KindVectorIndex, pErr.Kind)
	assert.Equal(t, 2, failing.calls, "transport failure is retried once before failing")
}

type failingSearchIndex struct {
	err   error
	calls int
}

func (f *failingSearchIndex) Upsert(ctx context.Context, chunks []vector.Chunk) error { return nil }
func (f *failingSearchIndex) DeleteByFile(ctx context.Context, tenantID, fileID string) error {
	return nil
}
func (f *failingSearchIndex) Search(ctx context.Context, queryVector []float32, filter vector.TenantFilter, topK int) ([]vector.ScoredChunk, error) {
	f.calls++
	return nil, f.err
}
