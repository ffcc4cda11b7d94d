// Package retrieval implements the hybrid retrieval engine: dense and
// sparse passes fused per request, cross-encoder rerank, cross-KB
// deduplication and degradation when upstreams are unavailable.
package retrieval

import (
	"context"

	"github.com/knowledgecore/retrieval/internal/bm25"
	"github.com/knowledgecore/retrieval/internal/rewrite"
	"github.com/knowledgecore/retrieval/internal/vectordb"
)

// Retrieval modes.
const (
	ModeDense  = "dense"
	ModeSparse = "sparse"
	ModeHybrid = "hybrid"
)

// Options configures one search request. Zero values fall back to the
// engine defaults.
type Options struct {
	Mode            string
	Alpha           *float64
	UseRerank       bool
	UseQueryRewrite bool
	ConversationID  string
	// DocIDs restricts dense hits to the given documents.
	DocIDs []string
}

// SearchHit is one ranked result.
type SearchHit struct {
	ChunkID     string   `json:"chunk_id"`
	DocID       string   `json:"doc_id"`
	KBID        string   `json:"kb_id"`
	ChunkIndex  int      `json:"chunk_index"`
	Content     string   `json:"content"`
	RawDense    float64  `json:"raw_dense"`
	RawSparse   float64  `json:"raw_sparse"`
	FusedScore  float64  `json:"fused_score"`
	RerankScore *float64 `json:"rerank_score,omitempty"`
	Page        *int     `json:"page,omitempty"`
	Section     *string  `json:"section,omitempty"`

	// Score is the final ordering score: rerank when applied, fused
	// otherwise.
	Score float64 `json:"score"`
}

// Response is the outcome of one search.
type Response struct {
	Hits     []SearchHit `json:"hits"`
	Degraded bool        `json:"degraded"`
	Status   string      `json:"status,omitempty"`
}

// SparseSearcher is the BM25 manager capability the engine consumes.
type SparseSearcher interface {
	Search(ctx context.Context, kbID, query string, k int, minScore float64) ([]bm25.Hit, error)
}

// Embedder batch-embeds query texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorSearcher is the vector store capability the engine consumes.
type VectorSearcher interface {
	Search(ctx context.Context, kbID string, params vectordb.SearchParams) ([]vectordb.ScoredPoint, error)
}

// Reranker scores (query, passage) pairs.
type Reranker interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// QueryRewriter resolves a conversation's history into a rewritten query.
type QueryRewriter interface {
	RewriteForConversation(ctx context.Context, conversationID, query string) rewrite.Result
}
