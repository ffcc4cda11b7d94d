package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/knowledgecore/retrieval/internal/bm25"
	"github.com/knowledgecore/retrieval/internal/circuitbreaker"
	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/degradation"
	"github.com/knowledgecore/retrieval/internal/kberrors"
	"github.com/knowledgecore/retrieval/internal/repository"
	"github.com/knowledgecore/retrieval/internal/resilience"
	"github.com/knowledgecore/retrieval/internal/rewrite"
	"github.com/knowledgecore/retrieval/internal/vectordb"
)

type fakeSparse struct {
	mu      sync.Mutex
	indexes map[string]*bm25.Index
	err     error
	queries []string
}

func (f *fakeSparse) Search(ctx context.Context, kbID, query string, k int, minScore float64) ([]bm25.Hit, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ix, ok := f.indexes[kbID]
	if !ok {
		return nil, nil
	}
	return ix.Search(query, k), nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

type fakeDense struct {
	mu     sync.Mutex
	points map[string][]vectordb.ScoredPoint
	err    error
	calls  int
}

func (f *fakeDense) Search(ctx context.Context, kbID string, params vectordb.SearchParams) ([]vectordb.ScoredPoint, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	pts := f.points[kbID]
	if len(pts) > params.Limit {
		pts = pts[:params.Limit]
	}
	return pts, nil
}

type fakeReranker struct {
	scores   []float64
	err      error
	gotQuery string
	gotN     int
}

func (f *fakeReranker) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	f.gotQuery = query
	f.gotN = len(passages)
	if f.err != nil {
		return nil, f.err
	}
	return f.scores[:len(passages)], nil
}

type fakeRewriter struct {
	res rewrite.Result
}

func (f *fakeRewriter) RewriteForConversation(ctx context.Context, conversationID, query string) rewrite.Result {
	if f.res.Rewritten == "" {
		return rewrite.Result{Original: query, Rewritten: query, Confidence: 1.0}
	}
	return f.res
}

func densePoint(id, chunkID, docID string, index int, content string, score float64) vectordb.ScoredPoint {
	return vectordb.ScoredPoint{
		ID:    id,
		Score: score,
		Payload: map[string]interface{}{
			"chunk_id":    chunkID,
			"doc_id":      docID,
			"chunk_index": float64(index),
			"content":     content,
		},
	}
}

type engineFixture struct {
	repo     *repository.Memory
	sparse   *fakeSparse
	embed    *fakeEmbedder
	dense    *fakeDense
	rerank   *fakeReranker
	breakers *circuitbreaker.Manager
	engine   *Engine
}

func newFixture(t *testing.T) *engineFixture {
	logger := zaptest.NewLogger(t)
	breakers := circuitbreaker.NewManager(logger)
	rc := config.ResilienceConfig{
		Timeout:               time.Second,
		MaxAttempts:           1,
		BaseDelay:             time.Millisecond,
		MaxDelay:              time.Millisecond,
		Jitter:                0.1,
		FailureThreshold:      50,
		SuccessThreshold:      1,
		RecoveryTimeout:       time.Minute,
		HalfOpenMaxConcurrent: 1,
	}

	repo := repository.NewMemory()
	repo.AddKB(repository.KnowledgeBase{ID: "kb1", Active: true, Dimension: 3})
	repo.AddDocument(repository.Document{ID: "d1", KBID: "kb1", Status: repository.StatusCompleted})
	_, err := repo.InsertChunks(context.Background(), []repository.Chunk{
		{ID: "c1", DocID: "d1", KBID: "kb1", Index: 0, Content: "The cat sat on the mat."},
		{ID: "c2", DocID: "d1", KBID: "kb1", Index: 1, Content: "Dogs chase cats."},
		{ID: "c3", DocID: "d1", KBID: "kb1", Index: 2, Content: "Sailing to Byzantium."},
	})
	require.NoError(t, err)

	ix := bm25.NewIndex()
	ix.Add("c1", "The cat sat on the mat.")
	ix.Add("c2", "Dogs chase cats.")
	ix.Add("c3", "Sailing to Byzantium.")

	f := &engineFixture{
		repo:     repo,
		sparse:   &fakeSparse{indexes: map[string]*bm25.Index{"kb1": ix}},
		embed:    &fakeEmbedder{},
		dense: &fakeDense{points: map[string][]vectordb.ScoredPoint{
			"kb1": {
				densePoint("v1", "c1", "d1", 0, "The cat sat on the mat.", 0.9),
				densePoint("v2", "c2", "d1", 1, "Dogs chase cats.", 0.5),
			},
		}},
		rerank:   &fakeReranker{},
		breakers: breakers,
	}

	deps := Deps{
		Repo:         repo,
		Sparse:       f.sparse,
		Embedder:     f.embed,
		Dense:        f.dense,
		Reranker:     f.rerank,
		Rewriter:     &fakeRewriter{},
		EmbedPolicy:  resilience.NewPolicy(degradation.ServiceEmbedding, rc, breakers, logger),
		VectorPolicy: resilience.NewPolicy(degradation.ServiceVectorDB, rc, breakers, logger),
		RerankPolicy: resilience.NewPolicy(degradation.ServiceRerank, rc, breakers, logger),
		Degradation:  degradation.NewManager(breakers, logger),
	}
	f.engine = NewEngine(
		config.RetrievalConfig{DefaultAlpha: 0.5, DefaultTopK: 5, RerankBatchCap: 50},
		config.ServiceConfig{MaxConcurrentRequests: 8, MaxConcurrentUpstreamCalls: 4},
		deps, logger,
	)
	return f
}

func alphaPtr(a float64) *float64 { return &a }

func TestHybridSearchRanksLexicalAndDenseAgreement(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Search(context.Background(), []string{"kb1"}, "cat on mat", 2, Options{
		Mode:  ModeHybrid,
		Alpha: alphaPtr(0.5),
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 2)
	assert.False(t, resp.Degraded)
	assert.Equal(t, "c1", resp.Hits[0].ChunkID)
	assert.Equal(t, "The cat sat on the mat.", resp.Hits[0].Content)
	assert.Greater(t, resp.Hits[0].Score, resp.Hits[1].Score)
	assert.Equal(t, 1, f.embed.calls, "all queries embed in one batch")
}

func TestSparseOnlyHitsAreHydratedFromRepository(t *testing.T) {
	f := newFixture(t)

	resp, err := f.engine.Search(context.Background(), []string{"kb1"}, "sailing byzantium", 3, Options{Mode: ModeHybrid})
	require.NoError(t, err)

	var found *SearchHit
	for i := range resp.Hits {
		if resp.Hits[i].ChunkID == "c3" {
			found = &resp.Hits[i]
		}
	}
	require.NotNil(t, found, "sparse-only hit must survive fusion")
	assert.Equal(t, "Sailing to Byzantium.", found.Content)
	assert.Equal(t, "d1", found.DocID)
	assert.Equal(t, 2, found.ChunkIndex)
}

func TestOpenEmbeddingCircuitDegradesToSparse(t *testing.T) {
	f := newFixture(t)
	f.breakers.ForceOpen(degradation.ServiceEmbedding)

	resp, err := f.engine.Search(context.Background(), []string{"kb1"}, "cat on mat", 2, Options{Mode: ModeHybrid})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.True(t, resp.Degraded)
	assert.Equal(t, degradation.StatusSparseOnly, resp.Status)
	assert.Equal(t, "c1", resp.Hits[0].ChunkID)
	assert.Equal(t, 0, f.embed.calls, "open breaker must reject before the embed call")
	for _, h := range resp.Hits {
		assert.Zero(t, h.RawDense)
	}
}

func TestBothModalitiesFailingIsAnError(t *testing.T) {
	f := newFixture(t)
	f.embed.err = kberrors.Transient("embedding", errors.New("connection refused"))
	f.sparse.err = kberrors.Wrap(kberrors.ErrIndexCorrupt, errors.New("bad header"))

	_, err := f.engine.Search(context.Background(), []string{"kb1"}, "cat", 2, Options{Mode: ModeHybrid})
	require.Error(t, err)
	assert.ErrorIs(t, err, kberrors.ErrServiceUnavailable)
}

func TestSingleModalityModeFailureIsAnError(t *testing.T) {
	f := newFixture(t)
	f.embed.err = kberrors.Transient("embedding", errors.New("connection refused"))

	_, err := f.engine.Search(context.Background(), []string{"kb1"}, "cat", 2, Options{Mode: ModeDense})
	require.Error(t, err)
	assert.ErrorIs(t, err, kberrors.ErrServiceUnavailable)
}

func TestAlphaExtremesMatchSingleModalityModes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	denseOnly, err := f.engine.Search(ctx, []string{"kb1"}, "cat on mat", 2, Options{Mode: ModeDense})
	require.NoError(t, err)
	hybridDense, err := f.engine.Search(ctx, []string{"kb1"}, "cat on mat", 2, Options{Mode: ModeHybrid, Alpha: alphaPtr(1.0)})
	require.NoError(t, err)
	require.NotEmpty(t, denseOnly.Hits)
	require.NotEmpty(t, hybridDense.Hits)
	assert.Equal(t, denseOnly.Hits[0].ChunkID, hybridDense.Hits[0].ChunkID)

	sparseOnly, err := f.engine.Search(ctx, []string{"kb1"}, "cat on mat", 2, Options{Mode: ModeSparse})
	require.NoError(t, err)
	hybridSparse, err := f.engine.Search(ctx, []string{"kb1"}, "cat on mat", 2, Options{Mode: ModeHybrid, Alpha: alphaPtr(0.0)})
	require.NoError(t, err)
	require.NotEmpty(t, sparseOnly.Hits)
	require.NotEmpty(t, hybridSparse.Hits)
	assert.Equal(t, sparseOnly.Hits[0].ChunkID, hybridSparse.Hits[0].ChunkID)
}

func TestInputValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		kbIDs    []string
		query    string
		topK     int
		opts     Options
		sentinel error
	}{
		{"empty query", []string{"kb1"}, "   ", 5, Options{}, kberrors.ErrInvalidQuery},
		{"top_k too large", []string{"kb1"}, "cat", 500, Options{}, kberrors.ErrInvalidQuery},
		{"alpha out of range", []string{"kb1"}, "cat", 5, Options{Alpha: alphaPtr(1.5)}, kberrors.ErrInvalidQuery},
		{"unknown mode", []string{"kb1"}, "cat", 5, Options{Mode: "fuzzy"}, kberrors.ErrInvalidQuery},
		{"no kbs", nil, "cat", 5, Options{}, kberrors.ErrInvalidQuery},
		{"unknown kb", []string{"nope"}, "cat", 5, Options{}, kberrors.ErrKBNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.Search(ctx, tc.kbIDs, tc.query, tc.topK, tc.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.sentinel)
		})
	}
}

func TestInactiveKBRejected(t *testing.T) {
	f := newFixture(t)
	f.repo.AddKB(repository.KnowledgeBase{ID: "kb-off", Active: false})

	_, err := f.engine.Search(context.Background(), []string{"kb1", "kb-off"}, "cat", 5, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, kberrors.ErrKBInactive)
}

func TestCrossKBDedupKeepsBestScore(t *testing.T) {
	f := newFixture(t)
	f.repo.AddKB(repository.KnowledgeBase{ID: "kb2", Active: true, Dimension: 3})
	// The same document mirrored into a second KB under a different chunk id.
	f.dense.points["kb2"] = []vectordb.ScoredPoint{
		densePoint("v9", "c1-mirror", "d1", 0, "The cat sat on the mat.", 0.95),
	}

	resp, err := f.engine.Search(context.Background(), []string{"kb1", "kb2"}, "cat on mat", 5, Options{Mode: ModeDense})
	require.NoError(t, err)

	seen := 0
	for _, h := range resp.Hits {
		if h.DocID == "d1" && h.ChunkIndex == 0 {
			seen++
			assert.Equal(t, "c1-mirror", h.ChunkID, "the better-scoring copy wins")
			assert.Equal(t, "kb2", h.KBID)
		}
	}
	assert.Equal(t, 1, seen)
}

func TestRerankReordersShortlist(t *testing.T) {
	f := newFixture(t)
	// Invert whatever fusion produced: last passage scores highest.
	f.rerank.scores = []float64{0.1, 0.2, 0.3, 0.4, 0.5}

	resp, err := f.engine.Search(context.Background(), []string{"kb1"}, "cat on mat", 2, Options{
		Mode:      ModeHybrid,
		UseRerank: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 2)
	assert.Equal(t, "cat on mat", f.rerank.gotQuery)
	assert.NotNil(t, resp.Hits[0].RerankScore)
	assert.Greater(t, *resp.Hits[0].RerankScore, *resp.Hits[1].RerankScore)
}

func TestRerankFailureKeepsFusionOrder(t *testing.T) {
	f := newFixture(t)
	f.rerank.err = kberrors.Transient("rerank", errors.New("boom"))

	plain, err := f.engine.Search(context.Background(), []string{"kb1"}, "cat on mat", 2, Options{Mode: ModeHybrid})
	require.NoError(t, err)
	reranked, err := f.engine.Search(context.Background(), []string{"kb1"}, "cat on mat", 2, Options{
		Mode:      ModeHybrid,
		UseRerank: true,
	})
	require.NoError(t, err)

	require.Equal(t, len(plain.Hits), len(reranked.Hits))
	for i := range plain.Hits {
		assert.Equal(t, plain.Hits[i].ChunkID, reranked.Hits[i].ChunkID)
		assert.Nil(t, reranked.Hits[i].RerankScore)
	}
}

func TestOpenRerankCircuitSkipsRerank(t *testing.T) {
	f := newFixture(t)
	f.breakers.ForceOpen(degradation.ServiceRerank)
	f.rerank.scores = []float64{0.1, 0.2, 0.3, 0.4, 0.5}

	resp, err := f.engine.Search(context.Background(), []string{"kb1"}, "cat on mat", 2, Options{
		Mode:      ModeHybrid,
		UseRerank: true,
	})
	require.NoError(t, err)
	assert.Zero(t, f.rerank.gotN, "open breaker must skip the rerank stage")
	for _, h := range resp.Hits {
		assert.Nil(t, h.RerankScore)
	}
}

func TestRewrittenQueryDrivesRetrieval(t *testing.T) {
	f := newFixture(t)
	f.engine.rewriter = &fakeRewriter{res: rewrite.Result{
		Original:   "what about it",
		Rewritten:  "cat on mat",
		Variants:   []string{"cat sat mat", "feline on rug", "ignored extra variant"},
		Confidence: 0.9,
	}}

	resp, err := f.engine.Search(context.Background(), []string{"kb1"}, "what about it", 2, Options{
		Mode:            ModeSparse,
		UseQueryRewrite: true,
		ConversationID:  "conv-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Hits)
	assert.Equal(t, "c1", resp.Hits[0].ChunkID)

	f.sparse.mu.Lock()
	defer f.sparse.mu.Unlock()
	assert.Contains(t, f.sparse.queries, "cat on mat")
	assert.Contains(t, f.sparse.queries, "cat sat mat")
	assert.Contains(t, f.sparse.queries, "feline on rug")
	assert.NotContains(t, f.sparse.queries, "ignored extra variant", "at most two variants are used")
	assert.NotContains(t, f.sparse.queries, "what about it")
}
