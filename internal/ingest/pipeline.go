// Package ingest commits chunk sets through the three stores in a fixed
// order: repository first, then vector store, then BM25. Mid-way failures
// leave gaps that the reconciler repairs.
package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/bm25"
	"github.com/knowledgecore/retrieval/internal/metrics"
	"github.com/knowledgecore/retrieval/internal/repository"
	"github.com/knowledgecore/retrieval/internal/resilience"
	"github.com/knowledgecore/retrieval/internal/vectordb"
)

// ingestBatchSize bounds one embed+upsert round trip.
const ingestBatchSize = 256

// Embedder batch-embeds chunk contents.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// VectorStore is the vector backend surface the pipeline needs.
type VectorStore interface {
	EnsureCollection(ctx context.Context, kbID string, dims int) error
	Upsert(ctx context.Context, kbID string, points []vectordb.Point) error
	DeleteByIDs(ctx context.Context, kbID string, ids []string) error
	ListPointIDs(ctx context.Context, kbID string) ([]string, error)
}

// SparseIndex is the BM25 manager surface the pipeline needs.
type SparseIndex interface {
	Upsert(ctx context.Context, kbID string, chunks []bm25.Chunk) error
	Delete(ctx context.Context, kbID string, chunkIDs []string) error
	ChunkIDs(ctx context.Context, kbID string) ([]string, error)
}

// Pipeline ingests and removes documents.
type Pipeline struct {
	repo         repository.Store
	embed        Embedder
	embedPolicy  *resilience.Policy
	vectors      VectorStore
	vectorPolicy *resilience.Policy
	sparse       SparseIndex
	logger       *zap.Logger
}

// NewPipeline builds the ingestion pipeline.
func NewPipeline(repo repository.Store, embed Embedder, embedPolicy *resilience.Policy,
	vectors VectorStore, vectorPolicy *resilience.Policy, sparse SparseIndex, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		repo:         repo,
		embed:        embed,
		embedPolicy:  embedPolicy,
		vectors:      vectors,
		vectorPolicy: vectorPolicy,
		sparse:       sparse,
		logger:       logger,
	}
}

// IngestDocument commits chunks for docID across all three stores. The
// document moves pending -> processing -> completed, or to failed when
// any stage errors; the repository commit is transactional, the
// downstream stores converge via reconciliation if interrupted.
func (p *Pipeline) IngestDocument(ctx context.Context, docID string, chunks []repository.Chunk) error {
	doc, err := p.repo.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	kb, err := p.repo.GetKB(ctx, doc.KBID)
	if err != nil {
		return err
	}
	if err := p.repo.UpdateDocumentStatus(ctx, docID, repository.StatusProcessing, 0, 0); err != nil {
		return err
	}

	fail := func(cause error) error {
		if serr := p.repo.UpdateDocumentStatus(ctx, docID, repository.StatusFailed, 0, 0); serr != nil {
			p.logger.Error("Failed to mark document failed", zap.String("doc_id", docID), zap.Error(serr))
		}
		return cause
	}

	stored, err := p.repo.InsertChunks(ctx, chunks)
	if err != nil {
		return fail(err)
	}
	if err := p.vectors.EnsureCollection(ctx, kb.ID, kb.Dimension); err != nil {
		return fail(err)
	}

	tokens := 0
	for start := 0; start < len(stored); start += ingestBatchSize {
		end := start + ingestBatchSize
		if end > len(stored) {
			end = len(stored)
		}
		if err := p.commitBatch(ctx, kb.ID, stored[start:end]); err != nil {
			return fail(err)
		}
	}
	for _, c := range stored {
		tokens += c.TokenCount
	}

	if err := p.repo.UpdateDocumentStatus(ctx, docID, repository.StatusCompleted, len(stored), tokens); err != nil {
		return err
	}
	metrics.ChunksIngested.WithLabelValues(kb.ID).Add(float64(len(stored)))
	p.logger.Info("Document ingested",
		zap.String("doc_id", docID),
		zap.String("kb_id", kb.ID),
		zap.Int("chunks", len(stored)),
	)
	return nil
}

func (p *Pipeline) commitBatch(ctx context.Context, kbID string, batch []repository.Chunk) error {
	texts := make([]string, len(batch))
	for i, c := range batch {
		texts[i] = c.Content
	}

	var vecs [][]float32
	err := p.embedPolicy.Execute(ctx, func(ctx context.Context) error {
		var embedErr error
		vecs, embedErr = p.embed.EmbedBatch(ctx, texts)
		return embedErr
	})
	if err != nil {
		return err
	}

	points := make([]vectordb.Point, len(batch))
	for i, c := range batch {
		points[i] = pointFromChunk(c, vecs[i])
	}
	err = p.vectorPolicy.Execute(ctx, func(ctx context.Context) error {
		return p.vectors.Upsert(ctx, kbID, points)
	})
	if err != nil {
		return err
	}

	sparse := make([]bm25.Chunk, len(batch))
	for i, c := range batch {
		sparse[i] = bm25.Chunk{ID: c.ID, Content: c.Content}
	}
	return p.sparse.Upsert(ctx, kbID, sparse)
}

// DeleteDocument removes a document's chunks from all three stores in the
// same order ingestion wrote them.
func (p *Pipeline) DeleteDocument(ctx context.Context, docID string) error {
	doc, err := p.repo.GetDocument(ctx, docID)
	if err != nil {
		return err
	}
	deleted, err := p.repo.DeleteChunksByDoc(ctx, docID)
	if err != nil {
		return err
	}
	if len(deleted) == 0 {
		return nil
	}

	vectorIDs := make([]string, len(deleted))
	chunkIDs := make([]string, len(deleted))
	for i, c := range deleted {
		vectorIDs[i] = c.VectorID
		chunkIDs[i] = c.ID
	}
	err = p.vectorPolicy.Execute(ctx, func(ctx context.Context) error {
		return p.vectors.DeleteByIDs(ctx, doc.KBID, vectorIDs)
	})
	if err != nil {
		return err
	}
	return p.sparse.Delete(ctx, doc.KBID, chunkIDs)
}

func pointFromChunk(c repository.Chunk, vec []float32) vectordb.Point {
	payload := map[string]interface{}{
		"chunk_id":    c.ID,
		"doc_id":      c.DocID,
		"kb_id":       c.KBID,
		"chunk_index": c.Index,
		"content":     c.Content,
	}
	if c.Page != nil {
		payload["page"] = *c.Page
	}
	if c.SectionTitle != nil {
		payload["section_title"] = *c.SectionTitle
	}
	return vectordb.Point{ID: c.VectorID, Vector: vec, Payload: payload}
}
