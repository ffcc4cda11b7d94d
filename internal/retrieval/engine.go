package retrieval

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/degradation"
	"github.com/knowledgecore/retrieval/internal/kberrors"
	"github.com/knowledgecore/retrieval/internal/metrics"
	"github.com/knowledgecore/retrieval/internal/repository"
	"github.com/knowledgecore/retrieval/internal/resilience"
	"github.com/knowledgecore/retrieval/internal/vectordb"
)

const (
	maxQueryLen     = 1000
	maxTopK         = 200
	rerankShortlist = 50
	maxVariantsUsed = 2
)

// Engine is the hybrid retrieval engine. It borrows shared services from
// the registry and owns no index state of its own.
type Engine struct {
	cfg      config.RetrievalConfig
	repo     repository.Store
	sparse   SparseSearcher
	embedder Embedder
	dense    VectorSearcher
	reranker Reranker
	rewriter QueryRewriter

	embedPolicy  *resilience.Policy
	vectorPolicy *resilience.Policy
	rerankPolicy *resilience.Policy
	degrade      *degradation.Manager

	requests    *semaphore.Weighted
	upstreamFan int
	logger      *zap.Logger
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Repo     repository.Store
	Sparse   SparseSearcher
	Embedder Embedder
	Dense    VectorSearcher
	Reranker Reranker
	Rewriter QueryRewriter

	EmbedPolicy  *resilience.Policy
	VectorPolicy *resilience.Policy
	RerankPolicy *resilience.Policy
	Degradation  *degradation.Manager
}

// NewEngine builds the engine.
func NewEngine(cfg config.RetrievalConfig, svc config.ServiceConfig, deps Deps, logger *zap.Logger) *Engine {
	if cfg.DefaultAlpha == 0 {
		cfg.DefaultAlpha = 0.5
	}
	if cfg.DefaultTopK == 0 {
		cfg.DefaultTopK = 5
	}
	if cfg.RerankBatchCap == 0 {
		cfg.RerankBatchCap = rerankShortlist
	}
	maxReq := svc.MaxConcurrentRequests
	if maxReq <= 0 {
		maxReq = 128
	}
	fan := svc.MaxConcurrentUpstreamCalls
	if fan <= 0 {
		fan = 8
	}
	return &Engine{
		cfg:          cfg,
		repo:         deps.Repo,
		sparse:       deps.Sparse,
		embedder:     deps.Embedder,
		dense:        deps.Dense,
		reranker:     deps.Reranker,
		rewriter:     deps.Rewriter,
		embedPolicy:  deps.EmbedPolicy,
		vectorPolicy: deps.VectorPolicy,
		rerankPolicy: deps.RerankPolicy,
		degrade:      deps.Degradation,
		requests:     semaphore.NewWeighted(int64(maxReq)),
		upstreamFan:  fan,
		logger:       logger,
	}
}

// Search runs one retrieval request across kbIDs.
func (e *Engine) Search(ctx context.Context, kbIDs []string, query string, topK int, opts Options) (*Response, error) {
	if err := e.requests.Acquire(ctx, 1); err != nil {
		return nil, kberrors.Transient("retrieval", err)
	}
	defer e.requests.Release(1)

	start := time.Now()
	mode := opts.Mode
	if mode == "" {
		mode = ModeHybrid
	}

	resp, err := e.search(ctx, kbIDs, query, topK, mode, opts)
	elapsed := time.Since(start).Seconds()
	switch {
	case err != nil:
		metrics.RecordSearch(mode, "error", elapsed, 0)
	case resp.Degraded:
		metrics.RecordSearch(mode, "degraded", elapsed, len(resp.Hits))
	default:
		metrics.RecordSearch(mode, "ok", elapsed, len(resp.Hits))
	}
	return resp, err
}

func (e *Engine) search(ctx context.Context, kbIDs []string, query string, topK int, mode string, opts Options) (*Response, error) {
	query = strings.TrimSpace(query)
	if n := utf8.RuneCountInString(query); n < 1 || n > maxQueryLen {
		return nil, kberrors.Wrapf(kberrors.ErrInvalidQuery, nil, "query length %d not in [1,%d]", n, maxQueryLen)
	}
	if len(kbIDs) == 0 {
		return nil, kberrors.Wrapf(kberrors.ErrInvalidQuery, nil, "no knowledge bases given")
	}
	if topK == 0 {
		topK = e.cfg.DefaultTopK
	}
	if topK < 1 || topK > maxTopK {
		return nil, kberrors.Wrapf(kberrors.ErrInvalidQuery, nil, "top_k %d not in [1,%d]", topK, maxTopK)
	}
	alpha := e.cfg.DefaultAlpha
	if opts.Alpha != nil {
		alpha = *opts.Alpha
	}
	if alpha < 0 || alpha > 1 {
		return nil, kberrors.Wrapf(kberrors.ErrInvalidQuery, nil, "alpha %v not in [0,1]", alpha)
	}
	if mode != ModeDense && mode != ModeSparse && mode != ModeHybrid {
		return nil, kberrors.Wrapf(kberrors.ErrInvalidQuery, nil, "unknown mode %q", mode)
	}

	for _, kbID := range kbIDs {
		kb, err := e.repo.GetKB(ctx, kbID)
		if err != nil {
			return nil, err
		}
		if !kb.Active {
			return nil, kberrors.Wrapf(kberrors.ErrKBInactive, nil, "knowledge base %s is inactive", kbID)
		}
	}

	// The rewrite completes before retrieval begins so every pass scores
	// the same query set.
	queries := []string{query}
	if opts.UseQueryRewrite && opts.ConversationID != "" && e.rewriter != nil {
		res := e.rewriter.RewriteForConversation(ctx, opts.ConversationID, query)
		if res.Rewritten != "" {
			queries[0] = res.Rewritten
		}
		variants := res.Variants
		if len(variants) > maxVariantsUsed {
			variants = variants[:maxVariantsUsed]
		}
		queries = append(queries, variants...)
	}
	qMain := queries[0]

	wantSparse := mode != ModeDense
	wantDense := mode != ModeSparse
	perPass := topK * 2

	var (
		wg         sync.WaitGroup
		sparseBest map[string]float64
		sparseErr  error
		denseBest  map[string]vectordb.ScoredPoint
		denseKB    map[string]string
		denseErr   error
	)
	if wantSparse {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sparseBest, sparseErr = e.sparsePass(ctx, kbIDs, queries, perPass)
		}()
	}
	if wantDense {
		wg.Add(1)
		go func() {
			defer wg.Done()
			denseBest, denseKB, denseErr = e.densePass(ctx, kbIDs, queries, perPass, opts.DocIDs)
		}()
	}
	wg.Wait()

	degraded := false
	status := ""
	switch {
	case wantDense && wantSparse && denseErr != nil && sparseErr == nil:
		// Sparse-only fallback: dense weight drops to zero for this request.
		alpha = 0
		degraded = true
		status = degradation.StatusSparseOnly
		e.degrade.RecordDegradation("dense_unavailable", strings.Join(kbIDs, ","))
	case wantDense && wantSparse && denseErr != nil && sparseErr != nil:
		return nil, kberrors.Wrap(kberrors.ErrServiceUnavailable, denseErr)
	case mode == ModeDense && denseErr != nil:
		return nil, kberrors.Wrap(kberrors.ErrServiceUnavailable, denseErr)
	case mode == ModeSparse && sparseErr != nil:
		return nil, kberrors.Wrap(kberrors.ErrServiceUnavailable, sparseErr)
	}

	cands, err := e.collect(ctx, sparseBest, denseBest, denseKB)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return &Response{Hits: []SearchHit{}, Degraded: degraded, Status: status}, nil
	}

	fuse(cands, alpha)
	hits := make([]SearchHit, 0, len(cands))
	for _, c := range cands {
		hits = append(hits, c.hit)
	}
	sortHits(hits)

	if opts.UseRerank {
		if e.degrade.RerankAvailable() {
			hits = e.rerank(ctx, qMain, hits, topK)
		} else {
			e.degrade.RecordDegradation("rerank_unavailable", strings.Join(kbIDs, ","))
		}
	}

	hits = dedupeAcrossKBs(hits)
	sortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return &Response{Hits: hits, Degraded: degraded, Status: status}, nil
}

// sparsePass scores every query against every KB's BM25 index, keeping the
// max score per chunk. A KB whose index cannot be served is treated as
// contributing nothing; the pass fails only if every KB failed.
func (e *Engine) sparsePass(ctx context.Context, kbIDs, queries []string, k int) (map[string]float64, error) {
	best := make(map[string]float64)
	var mu sync.Mutex
	failures := 0

	for _, kbID := range kbIDs {
		for _, q := range queries {
			hits, err := e.sparse.Search(ctx, kbID, q, k, e.cfg.SparseMinScore)
			if err != nil {
				failures++
				e.degrade.RecordDegradation("sparse_index_missing", kbID)
				break
			}
			mu.Lock()
			for _, h := range hits {
				if h.Score > best[h.ChunkID] {
					best[h.ChunkID] = h.Score
				}
			}
			mu.Unlock()
		}
	}
	if failures == len(kbIDs) && len(kbIDs) > 0 && len(best) == 0 {
		return nil, kberrors.Transient("bm25", ctx.Err())
	}
	return best, nil
}

// densePass embeds all queries in one resilience-wrapped batch, then fans
// out one vector search per (embedding, KB) pair, keeping the max
// similarity per chunk.
func (e *Engine) densePass(ctx context.Context, kbIDs, queries []string, k int, docIDs []string) (map[string]vectordb.ScoredPoint, map[string]string, error) {
	var vectors [][]float32
	err := e.embedPolicy.Execute(ctx, func(ctx context.Context) error {
		var embedErr error
		vectors, embedErr = e.embedder.EmbedBatch(ctx, queries)
		return embedErr
	})
	if err != nil {
		return nil, nil, err
	}

	best := make(map[string]vectordb.ScoredPoint)
	kbOf := make(map[string]string)
	var mu sync.Mutex
	var searchErrs int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.upstreamFan)
	for _, kbID := range kbIDs {
		for _, vec := range vectors {
			kbID, vec := kbID, vec
			g.Go(func() error {
				var points []vectordb.ScoredPoint
				err := e.vectorPolicy.Execute(gctx, func(ctx context.Context) error {
					var searchErr error
					points, searchErr = e.dense.Search(ctx, kbID, vectordb.SearchParams{
						Vector: vec,
						Limit:  k,
						DocIDs: docIDs,
					})
					return searchErr
				})
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					searchErrs++
					return nil // tolerate partial shard failures
				}
				for _, p := range points {
					chunkID := payloadString(p.Payload, "chunk_id")
					if chunkID == "" {
						chunkID = p.ID
					}
					if prev, ok := best[chunkID]; !ok || p.Score > prev.Score {
						best[chunkID] = p
						kbOf[chunkID] = kbID
					}
				}
				return nil
			})
		}
	}
	_ = g.Wait()

	if searchErrs == len(kbIDs)*len(vectors) && searchErrs > 0 {
		return nil, nil, kberrors.Wrap(kberrors.ErrServiceUnavailable, nil)
	}
	return best, kbOf, nil
}

// collect merges both passes into candidates, hydrating sparse-only hits
// from the repository.
func (e *Engine) collect(ctx context.Context, sparseBest map[string]float64, denseBest map[string]vectordb.ScoredPoint, denseKB map[string]string) (map[string]*candidate, error) {
	cands := make(map[string]*candidate, len(sparseBest)+len(denseBest))

	for chunkID, p := range denseBest {
		c := &candidate{
			hit: SearchHit{
				ChunkID:    chunkID,
				DocID:      payloadString(p.Payload, "doc_id"),
				KBID:       denseKB[chunkID],
				ChunkIndex: payloadInt(p.Payload, "chunk_index"),
				Content:    payloadString(p.Payload, "content"),
			},
			dense:    p.Score,
			hasDense: true,
		}
		if page, ok := payloadIntOK(p.Payload, "page"); ok {
			c.hit.Page = &page
		}
		if sec := payloadString(p.Payload, "section_title"); sec != "" {
			c.hit.Section = &sec
		}
		cands[chunkID] = c
	}

	var missing []string
	for chunkID, score := range sparseBest {
		if c, ok := cands[chunkID]; ok {
			c.sparse = score
			c.hasSparse = true
			continue
		}
		cands[chunkID] = &candidate{
			hit:       SearchHit{ChunkID: chunkID},
			sparse:    score,
			hasSparse: true,
		}
		missing = append(missing, chunkID)
	}

	if len(missing) > 0 {
		chunks, err := e.repo.GetChunksByIDs(ctx, missing)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]repository.Chunk, len(chunks))
		for _, c := range chunks {
			byID[c.ID] = c
		}
		for _, id := range missing {
			c, ok := byID[id]
			if !ok {
				// The chunk vanished between the BM25 read and now; drop it.
				delete(cands, id)
				continue
			}
			hit := &cands[id].hit
			hit.DocID = c.DocID
			hit.KBID = c.KBID
			hit.ChunkIndex = c.Index
			hit.Content = c.Content
			hit.Page = c.Page
			hit.Section = c.SectionTitle
		}
	}
	return cands, nil
}

// rerank scores the fused shortlist with the cross-encoder and reorders
// it; the remainder keeps its fusion order below the shortlist. A rerank
// failure leaves the fused order untouched.
func (e *Engine) rerank(ctx context.Context, query string, hits []SearchHit, topK int) []SearchHit {
	n := rerankShortlist
	if lim := 4 * topK; lim < n {
		n = lim
	}
	if e.cfg.RerankBatchCap > 0 && e.cfg.RerankBatchCap < n {
		n = e.cfg.RerankBatchCap
	}
	if n > len(hits) {
		n = len(hits)
	}
	if n == 0 {
		return hits
	}

	passages := make([]string, n)
	for i := 0; i < n; i++ {
		passages[i] = hits[i].Content
	}

	var scores []float64
	err := e.rerankPolicy.Execute(ctx, func(ctx context.Context) error {
		var scoreErr error
		scores, scoreErr = e.reranker.Score(ctx, query, passages)
		return scoreErr
	})
	if err != nil {
		e.logger.Warn("Rerank failed, keeping fusion order", zap.Error(err))
		return hits
	}

	for i := 0; i < n; i++ {
		s := scores[i]
		hits[i].RerankScore = &s
		hits[i].Score = s
	}
	// Remainder hits stay below the shortlist regardless of raw score
	// scale differences.
	lo := scores[0]
	for _, s := range scores {
		if s < lo {
			lo = s
		}
	}
	for i := n; i < len(hits); i++ {
		hits[i].Score = lo - 1 - float64(i-n)*1e-9
	}
	sortHits(hits[:n])
	return hits
}

func payloadString(p map[string]interface{}, key string) string {
	if p == nil {
		return ""
	}
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

func payloadInt(p map[string]interface{}, key string) int {
	v, _ := payloadIntOK(p, key)
	return v
}

func payloadIntOK(p map[string]interface{}, key string) (int, bool) {
	if p == nil {
		return 0, false
	}
	switch v := p[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
