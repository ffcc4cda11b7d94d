package ingest

import (
	"context"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/bm25"
	"github.com/knowledgecore/retrieval/internal/metrics"
	"github.com/knowledgecore/retrieval/internal/repository"
)

// reconcilePageSize bounds one repository read while walking a KB.
const reconcilePageSize = 500

// Report counts the repairs one reconciliation pass applied.
type Report struct {
	VectorsAdded  int
	VectorsPurged int
	SparseAdded   int
	SparsePurged  int
}

func (r Report) empty() bool {
	return r.VectorsAdded == 0 && r.VectorsPurged == 0 && r.SparseAdded == 0 && r.SparsePurged == 0
}

func (r *Report) add(o Report) {
	r.VectorsAdded += o.VectorsAdded
	r.VectorsPurged += o.VectorsPurged
	r.SparseAdded += o.SparseAdded
	r.SparsePurged += o.SparsePurged
}

// Reconciler realigns the vector store and BM25 index with the repository.
// The repository is the source of truth: chunks it holds are re-added
// downstream under their stored vector ids, chunks it no longer holds are
// purged downstream.
type Reconciler struct {
	pipeline *Pipeline
	logger   *zap.Logger
}

// NewReconciler builds a reconciler over the pipeline's stores.
func NewReconciler(pipeline *Pipeline, logger *zap.Logger) *Reconciler {
	return &Reconciler{pipeline: pipeline, logger: logger}
}

// Run reconciles every active KB and returns the combined report. It runs
// at startup and on operator demand.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var total Report
	kbs, err := r.pipeline.repo.ListActiveKBs(ctx)
	if err != nil {
		return total, err
	}
	for _, kb := range kbs {
		rep, err := r.reconcileKB(ctx, kb)
		if err != nil {
			return total, err
		}
		total.add(rep)
	}
	if !total.empty() {
		r.logger.Info("Reconciliation repaired inconsistencies",
			zap.Int("vectors_added", total.VectorsAdded),
			zap.Int("vectors_purged", total.VectorsPurged),
			zap.Int("sparse_added", total.SparseAdded),
			zap.Int("sparse_purged", total.SparsePurged),
		)
	}
	return total, nil
}

func (r *Reconciler) reconcileKB(ctx context.Context, kb repository.KnowledgeBase) (Report, error) {
	var rep Report
	p := r.pipeline

	chunks, err := r.allChunks(ctx, kb.ID)
	if err != nil {
		return rep, err
	}
	byVectorID := make(map[string]repository.Chunk, len(chunks))
	byChunkID := make(map[string]repository.Chunk, len(chunks))
	for _, c := range chunks {
		byVectorID[c.VectorID] = c
		byChunkID[c.ID] = c
	}

	if err := p.vectors.EnsureCollection(ctx, kb.ID, kb.Dimension); err != nil {
		return rep, err
	}
	pointIDs, err := p.vectors.ListPointIDs(ctx, kb.ID)
	if err != nil {
		return rep, err
	}
	stored := make(map[string]bool, len(pointIDs))
	for _, id := range pointIDs {
		stored[id] = true
	}

	var missingVec []repository.Chunk
	for _, c := range chunks {
		if !stored[c.VectorID] {
			missingVec = append(missingVec, c)
		}
	}
	for start := 0; start < len(missingVec); start += ingestBatchSize {
		end := start + ingestBatchSize
		if end > len(missingVec) {
			end = len(missingVec)
		}
		if err := p.commitBatch(ctx, kb.ID, missingVec[start:end]); err != nil {
			return rep, err
		}
	}
	rep.VectorsAdded = len(missingVec)

	var orphanVec []string
	for _, id := range pointIDs {
		if _, ok := byVectorID[id]; !ok {
			orphanVec = append(orphanVec, id)
		}
	}
	if len(orphanVec) > 0 {
		err := p.vectorPolicy.Execute(ctx, func(ctx context.Context) error {
			return p.vectors.DeleteByIDs(ctx, kb.ID, orphanVec)
		})
		if err != nil {
			return rep, err
		}
		rep.VectorsPurged = len(orphanVec)
	}

	sparseIDs, err := p.sparse.ChunkIDs(ctx, kb.ID)
	if err != nil {
		return rep, err
	}
	indexed := make(map[string]bool, len(sparseIDs))
	for _, id := range sparseIDs {
		indexed[id] = true
	}

	var missingSparse []bm25.Chunk
	for _, c := range chunks {
		if !indexed[c.ID] {
			missingSparse = append(missingSparse, bm25.Chunk{ID: c.ID, Content: c.Content})
		}
	}
	if len(missingSparse) > 0 {
		if err := p.sparse.Upsert(ctx, kb.ID, missingSparse); err != nil {
			return rep, err
		}
		rep.SparseAdded = len(missingSparse)
	}

	var orphanSparse []string
	for _, id := range sparseIDs {
		if _, ok := byChunkID[id]; !ok {
			orphanSparse = append(orphanSparse, id)
		}
	}
	if len(orphanSparse) > 0 {
		if err := p.sparse.Delete(ctx, kb.ID, orphanSparse); err != nil {
			return rep, err
		}
		rep.SparsePurged = len(orphanSparse)
	}

	record("vectordb", "add", rep.VectorsAdded)
	record("vectordb", "purge", rep.VectorsPurged)
	record("bm25", "add", rep.SparseAdded)
	record("bm25", "purge", rep.SparsePurged)
	return rep, nil
}

func (r *Reconciler) allChunks(ctx context.Context, kbID string) ([]repository.Chunk, error) {
	var all []repository.Chunk
	for offset := 0; ; offset += reconcilePageSize {
		page, err := r.pipeline.repo.ListChunks(ctx, kbID, offset, reconcilePageSize)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < reconcilePageSize {
			return all, nil
		}
	}
}

func record(target, action string, n int) {
	if n > 0 {
		metrics.ReconciliationRepairs.WithLabelValues(target, action).Add(float64(n))
	}
}
