// Package registry owns the long-lived shared services of the retrieval
// core: clients, indexes, and the engine itself. Initialization is
// idempotent and concurrency-safe; shutdown tears resources down in
// reverse dependency order.
package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/attribution"
	"github.com/knowledgecore/retrieval/internal/bm25"
	"github.com/knowledgecore/retrieval/internal/circuitbreaker"
	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/degradation"
	"github.com/knowledgecore/retrieval/internal/embeddings"
	"github.com/knowledgecore/retrieval/internal/ingest"
	"github.com/knowledgecore/retrieval/internal/llm"
	"github.com/knowledgecore/retrieval/internal/rerank"
	"github.com/knowledgecore/retrieval/internal/repository"
	"github.com/knowledgecore/retrieval/internal/resilience"
	"github.com/knowledgecore/retrieval/internal/retrieval"
	"github.com/knowledgecore/retrieval/internal/rewrite"
	"github.com/knowledgecore/retrieval/internal/vectordb"
)

// Registry holds the shared service instances. Retrieval requests borrow
// these references; they never own them.
type Registry struct {
	cfg    *config.Config
	logger *zap.Logger

	mu    sync.Mutex
	ready atomic.Bool
	// teardown runs in reverse registration order on shutdown.
	teardown []func(ctx context.Context) error

	Repo        repository.Store
	Breakers    *circuitbreaker.Manager
	Degradation *degradation.Manager
	Embeddings  *embeddings.Service
	VectorDB    *vectordb.Client
	Rerank      *rerank.Client
	LLM         *llm.Failover
	BM25        *bm25.Manager
	Sessions    *rewrite.SessionStore
	Rewriter    *rewrite.Rewriter
	Engine      *retrieval.Engine
	Pipeline    *ingest.Pipeline
	Reconciler  *ingest.Reconciler
	Attributor  *attribution.Attributor
	Compressor  *attribution.Compressor
}

// New creates an uninitialized registry.
func New(cfg *config.Config, logger *zap.Logger) *Registry {
	return &Registry{cfg: cfg, logger: logger}
}

// Init builds every shared service exactly once. Concurrent callers block
// until the first initialization finishes; later calls are no-ops.
func (r *Registry) Init(ctx context.Context) error {
	if r.ready.Load() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready.Load() {
		return nil
	}
	if err := r.init(ctx); err != nil {
		r.runTeardown(ctx)
		return err
	}
	r.ready.Store(true)
	return nil
}

func (r *Registry) init(ctx context.Context) error {
	cfg := r.cfg

	r.Breakers = circuitbreaker.NewManager(r.logger)
	r.Degradation = degradation.NewManager(r.Breakers, r.logger)

	if cfg.Database.DSN != "" {
		pg, err := repository.NewPostgres(cfg.Database, r.logger)
		if err != nil {
			return err
		}
		r.Repo = pg
		r.onTeardown(func(context.Context) error { return pg.Close() })
	} else {
		r.logger.Warn("No database DSN configured, using in-memory repository")
		r.Repo = repository.NewMemory()
	}

	var shared embeddings.Cache
	if cfg.Embedding.RedisAddr != "" {
		redis, err := embeddings.NewRedisCache(cfg.Embedding.RedisAddr)
		if err != nil {
			// The shared tier is an optimization; start without it.
			r.logger.Warn("Shared embedding cache unavailable", zap.Error(err))
		} else {
			shared = redis
			r.onTeardown(func(context.Context) error { return redis.Close() })
		}
	}
	r.Embeddings = embeddings.NewService(cfg.Embedding, shared, r.logger)
	r.VectorDB = vectordb.NewClient(cfg.VectorDB, r.logger)
	r.Rerank = rerank.NewClient(cfg.Rerank, r.logger)

	chain, err := llm.NewFailover(cfg.LLM, cfg.ResilienceFor, r.Breakers, r.logger)
	if err != nil {
		return err
	}
	r.LLM = chain

	r.BM25 = bm25.NewManager(cfg.BM25, repository.NewChunkWalker(r.Repo), r.logger)
	r.onTeardown(func(context.Context) error { return r.BM25.FlushAll() })

	r.Sessions = rewrite.NewSessionStore(cfg.Rewrite.MaxHistoryTurns)
	r.Rewriter = rewrite.NewRewriter(cfg.Rewrite, r.LLM, r.Sessions, r.logger)

	embedPolicy := resilience.NewPolicy(degradation.ServiceEmbedding, cfg.ResilienceFor(degradation.ServiceEmbedding), r.Breakers, r.logger)
	vectorPolicy := resilience.NewPolicy(degradation.ServiceVectorDB, cfg.ResilienceFor(degradation.ServiceVectorDB), r.Breakers, r.logger)
	rerankPolicy := resilience.NewPolicy(degradation.ServiceRerank, cfg.ResilienceFor(degradation.ServiceRerank), r.Breakers, r.logger)

	r.Engine = retrieval.NewEngine(cfg.Retrieval, cfg.Service, retrieval.Deps{
		Repo:         r.Repo,
		Sparse:       r.BM25,
		Embedder:     r.Embeddings,
		Dense:        r.VectorDB,
		Reranker:     r.Rerank,
		Rewriter:     r.Rewriter,
		EmbedPolicy:  embedPolicy,
		VectorPolicy: vectorPolicy,
		RerankPolicy: rerankPolicy,
		Degradation:  r.Degradation,
	}, r.logger)

	r.Pipeline = ingest.NewPipeline(r.Repo, r.Embeddings, embedPolicy, r.VectorDB, vectorPolicy, r.BM25, r.logger)
	r.Reconciler = ingest.NewReconciler(r.Pipeline, r.logger)

	guarded := &policyEmbedder{svc: r.Embeddings, policy: embedPolicy}
	r.Attributor = attribution.NewAttributor(guarded, r.Degradation, r.logger)
	r.Compressor = attribution.NewCompressor(guarded, attribution.NewTokenCounter(), r.logger)
	return nil
}

// Shutdown tears down shared services in reverse initialization order.
// Errors are logged, not returned piecemeal; the first one wins.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready.Load() {
		return nil
	}
	r.ready.Store(false)
	return r.runTeardown(ctx)
}

func (r *Registry) onTeardown(fn func(ctx context.Context) error) {
	r.teardown = append(r.teardown, fn)
}

func (r *Registry) runTeardown(ctx context.Context) error {
	var first error
	for i := len(r.teardown) - 1; i >= 0; i-- {
		if err := r.teardown[i](ctx); err != nil {
			r.logger.Error("Teardown step failed", zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	r.teardown = nil
	return first
}

// Status reports every circuit breaker's state for the operator surface.
func (r *Registry) Status() []circuitbreaker.KeyStatus {
	return r.Breakers.Status()
}

// ResetCircuit closes the named breaker. It reports whether the key exists.
func (r *Registry) ResetCircuit(key string) bool {
	return r.Breakers.Reset(key)
}

// policyEmbedder routes attribution and compression embedding calls
// through the shared embedding resilience policy so their failures count
// against the same breaker as retrieval's.
type policyEmbedder struct {
	svc    *embeddings.Service
	policy *resilience.Policy
}

func (e *policyEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := e.policy.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		out, callErr = e.svc.EmbedBatch(ctx, texts)
		return callErr
	})
	return out, err
}
