package bm25

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/metrics"
)

// Chunk is the unit handed to the index by the ingestion pipeline.
type Chunk struct {
	ID      string
	Content string
}

// ChunkSource supplies the chunks needed to (re)build an index from the
// document repository.
type ChunkSource interface {
	ListActiveKBIDs(ctx context.Context) ([]string, error)
	// WalkChunks streams the completed chunks of one KB.
	WalkChunks(ctx context.Context, kbID string, fn func(chunkID, content string) error) error
}

type entry struct {
	mu    sync.RWMutex
	idx   *Index
	dirty bool
}

// Manager owns one BM25 index per knowledge base: lazy load from disk,
// rebuild from the repository when the persisted file is missing or stale,
// incremental mutation, and periodic flush of dirty indexes.
type Manager struct {
	cfg    config.BM25Config
	source ChunkSource
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewManager builds the index manager.
func NewManager(cfg config.BM25Config, source ChunkSource, logger *zap.Logger) *Manager {
	if cfg.UpsertBatchCap <= 0 {
		cfg.UpsertBatchCap = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 60 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		source:  source,
		logger:  logger,
		entries: make(map[string]*entry),
	}
}

func (m *Manager) path(kbID string) string {
	return filepath.Join(m.cfg.PersistDir, kbID+".idx")
}

func (m *Manager) getEntry(kbID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[kbID]
	if !ok {
		e = &entry{}
		m.entries[kbID] = e
	}
	return e
}

// ensure returns the entry for kbID with its index loaded, loading from
// disk or rebuilding from the repository as needed.
func (m *Manager) ensure(ctx context.Context, kbID string) (*entry, error) {
	e := m.getEntry(kbID)

	e.mu.RLock()
	loaded := e.idx != nil
	e.mu.RUnlock()
	if loaded {
		return e, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.idx != nil {
		return e, nil
	}

	idx, err := Load(m.path(kbID))
	switch {
	case err == nil:
		m.logger.Info("Loaded BM25 index from disk",
			zap.String("kb_id", kbID),
			zap.Int("chunks", idx.Len()),
		)
	case errors.Is(err, os.ErrNotExist):
		idx, err = m.buildLocked(ctx, kbID, "missing")
	case errors.Is(err, ErrVersionMismatch):
		idx, err = m.buildLocked(ctx, kbID, "version_mismatch")
	default:
		m.logger.Warn("BM25 index unreadable, rebuilding",
			zap.String("kb_id", kbID),
			zap.Error(err),
		)
		idx, err = m.buildLocked(ctx, kbID, "corrupt")
	}
	if err != nil {
		return nil, err
	}

	e.idx = idx
	metrics.BM25Documents.WithLabelValues(kbID).Set(float64(idx.Len()))
	return e, nil
}

// buildLocked rebuilds from the repository. A rebuilt index is flushed
// immediately so the next restart loads instead of rebuilding again.
func (m *Manager) buildLocked(ctx context.Context, kbID, reason string) (*Index, error) {
	metrics.BM25Rebuilds.WithLabelValues(reason).Inc()
	m.logger.Info("Rebuilding BM25 index",
		zap.String("kb_id", kbID),
		zap.String("reason", reason),
	)

	idx := NewIndex()
	err := m.source.WalkChunks(ctx, kbID, func(chunkID, content string) error {
		idx.Add(chunkID, content)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := idx.Save(m.path(kbID)); err != nil {
		m.logger.Warn("Failed to persist rebuilt index", zap.String("kb_id", kbID), zap.Error(err))
		metrics.BM25Flushes.WithLabelValues("error").Inc()
	} else {
		metrics.BM25Flushes.WithLabelValues("ok").Inc()
	}
	return idx, nil
}

// GetOrBuild loads the index for kbID into memory.
func (m *Manager) GetOrBuild(ctx context.Context, kbID string) error {
	_, err := m.ensure(ctx, kbID)
	return err
}

// Upsert adds or replaces postings for chunks, batching writes so the
// write lock is never held for more than one batch.
func (m *Manager) Upsert(ctx context.Context, kbID string, chunks []Chunk) error {
	e, err := m.ensure(ctx, kbID)
	if err != nil {
		return err
	}
	for start := 0; start < len(chunks); start += m.cfg.UpsertBatchCap {
		end := start + m.cfg.UpsertBatchCap
		if end > len(chunks) {
			end = len(chunks)
		}
		e.mu.Lock()
		for _, c := range chunks[start:end] {
			e.idx.Add(c.ID, c.Content)
		}
		e.dirty = true
		metrics.BM25Documents.WithLabelValues(kbID).Set(float64(e.idx.Len()))
		e.mu.Unlock()
	}
	return nil
}

// Delete removes postings for the given chunk ids.
func (m *Manager) Delete(ctx context.Context, kbID string, chunkIDs []string) error {
	e, err := m.ensure(ctx, kbID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range chunkIDs {
		e.idx.Remove(id)
	}
	e.dirty = true
	metrics.BM25Documents.WithLabelValues(kbID).Set(float64(e.idx.Len()))
	return nil
}

// Search scores query against the index for kbID. Hits scoring below
// minScore are dropped before the result is truncated to k.
func (m *Manager) Search(ctx context.Context, kbID, query string, k int, minScore float64) ([]Hit, error) {
	e, err := m.ensure(ctx, kbID)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	e.mu.RLock()
	hits := e.idx.Search(query, k)
	e.mu.RUnlock()
	metrics.BM25SearchLatency.Observe(time.Since(start).Seconds())
	if minScore > 0 {
		kept := hits[:0]
		for _, h := range hits {
			if h.Score >= minScore {
				kept = append(kept, h)
			}
		}
		hits = kept
	}
	return hits, nil
}

// ChunkIDs returns the indexed chunk ids for kbID. Used by reconciliation.
func (m *Manager) ChunkIDs(ctx context.Context, kbID string) ([]string, error) {
	e, err := m.ensure(ctx, kbID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.idx.ChunkIDs(), nil
}

// Flush persists the index for kbID if it has unflushed mutations.
func (m *Manager) Flush(kbID string) error {
	m.mu.Lock()
	e, ok := m.entries[kbID]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.idx == nil || !e.dirty {
		return nil
	}
	if err := e.idx.Save(m.path(kbID)); err != nil {
		metrics.BM25Flushes.WithLabelValues("error").Inc()
		return err
	}
	e.dirty = false
	metrics.BM25Flushes.WithLabelValues("ok").Inc()
	return nil
}

// FlushAll persists every dirty index, returning the first error.
func (m *Manager) FlushAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for kbID := range m.entries {
		ids = append(ids, kbID)
	}
	m.mu.Unlock()

	var firstErr error
	for _, kbID := range ids {
		if err := m.Flush(kbID); err != nil {
			m.logger.Error("BM25 flush failed", zap.String("kb_id", kbID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RebuildAll loads every active KB's index, called once at startup.
func (m *Manager) RebuildAll(ctx context.Context) error {
	kbIDs, err := m.source.ListActiveKBIDs(ctx)
	if err != nil {
		return err
	}
	for _, kbID := range kbIDs {
		if err := m.GetOrBuild(ctx, kbID); err != nil {
			return err
		}
	}
	return nil
}

// DropKB removes the in-memory index and its file. Called when a KB is
// deleted.
func (m *Manager) DropKB(kbID string) error {
	m.mu.Lock()
	delete(m.entries, kbID)
	m.mu.Unlock()
	metrics.BM25Documents.DeleteLabelValues(kbID)
	if err := os.Remove(m.path(kbID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Run flushes dirty indexes every FlushInterval until ctx is cancelled,
// then performs a final flush.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := m.FlushAll(); err != nil {
				m.logger.Error("Final BM25 flush failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			_ = m.FlushAll()
		}
	}
}
