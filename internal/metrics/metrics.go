// Package metrics exposes Prometheus counters and histograms for the
// retrieval core. All metrics are registered on the default registry via
// promauto and served by the collaborator's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Retrieval metrics
	SearchRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_search_requests_total",
			Help: "Total number of search requests",
		},
		[]string{"mode", "status"},
	)

	SearchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrieval_search_duration_seconds",
			Help:    "End-to-end search latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	SearchDegraded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_search_degraded_total",
			Help: "Search requests served in degraded mode",
		},
		[]string{"reason"},
	)

	SearchHitsReturned = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retrieval_search_hits_returned",
			Help:    "Number of hits returned per search",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100, 200},
		},
	)

	// Upstream service metrics (embedding, vectordb, rerank, llm)
	UpstreamCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_upstream_calls_total",
			Help: "Total calls to upstream services",
		},
		[]string{"service", "status"},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "retrieval_upstream_latency_seconds",
			Help:    "Upstream call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Embedding cache metrics
	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_embedding_cache_hits_total",
			Help: "Embedding cache hits by tier",
		},
		[]string{"tier"},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retrieval_embedding_cache_misses_total",
			Help: "Embedding cache misses",
		},
	)

	// BM25 index metrics
	BM25Documents = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "retrieval_bm25_documents",
			Help: "Number of chunks in each BM25 index",
		},
		[]string{"kb_id"},
	)

	BM25Flushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_bm25_flushes_total",
			Help: "BM25 index flushes to disk",
		},
		[]string{"status"},
	)

	BM25Rebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_bm25_rebuilds_total",
			Help: "BM25 index rebuilds from the repository",
		},
		[]string{"reason"},
	)

	BM25SearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "retrieval_bm25_search_latency_seconds",
			Help:    "BM25 in-memory search latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)

	// Query rewrite metrics
	RewriteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_rewrite_requests_total",
			Help: "Query rewrite attempts",
		},
		[]string{"outcome"},
	)

	// Ingestion metrics
	ChunksIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_chunks_ingested_total",
			Help: "Chunks committed through the ingestion pipeline",
		},
		[]string{"kb_id"},
	)

	ReconciliationRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_reconciliation_repairs_total",
			Help: "Repairs applied by the reconciliation pass",
		},
		[]string{"target", "action"},
	)

	// LLM failover metrics
	ProviderFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_llm_provider_failovers_total",
			Help: "Failovers from one LLM provider to the next",
		},
		[]string{"from", "to"},
	)

	DegradedResponses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "retrieval_llm_degraded_responses_total",
			Help: "Canned degraded responses served when all providers failed",
		},
	)
)

// RecordSearch records a completed search request.
func RecordSearch(mode, status string, durationSeconds float64, hits int) {
	SearchRequests.WithLabelValues(mode, status).Inc()
	SearchDuration.WithLabelValues(mode).Observe(durationSeconds)
	SearchHitsReturned.Observe(float64(hits))
}

// RecordUpstream records one upstream call outcome.
func RecordUpstream(service, status string, durationSeconds float64) {
	UpstreamCalls.WithLabelValues(service, status).Inc()
	if durationSeconds > 0 {
		UpstreamLatency.WithLabelValues(service).Observe(durationSeconds)
	}
}
