package repository

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

// Memory is an in-memory Store used by tests and local development.
type Memory struct {
	mu     sync.RWMutex
	kbs    map[string]KnowledgeBase
	docs   map[string]Document
	chunks map[string]Chunk // by chunk id
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		kbs:    make(map[string]KnowledgeBase),
		docs:   make(map[string]Document),
		chunks: make(map[string]Chunk),
	}
}

// AddKB seeds a knowledge base.
func (m *Memory) AddKB(kb KnowledgeBase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kbs[kb.ID] = kb
}

// AddDocument seeds a document.
func (m *Memory) AddDocument(doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[doc.ID] = doc
}

func (m *Memory) ListActiveKBs(ctx context.Context) ([]KnowledgeBase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KnowledgeBase
	for _, kb := range m.kbs {
		if kb.Active {
			out = append(out, kb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetKB(ctx context.Context, id string) (*KnowledgeBase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kb, ok := m.kbs[id]
	if !ok {
		return nil, kberrors.Wrapf(kberrors.ErrKBNotFound, nil, "knowledge base %s not found", id)
	}
	return &kb, nil
}

func (m *Memory) ListChunks(ctx context.Context, kbID string, offset, limit int) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var all []Chunk
	for _, c := range m.chunks {
		if c.KBID != kbID {
			continue
		}
		if doc, ok := m.docs[c.DocID]; ok && doc.Status != StatusCompleted {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].DocID != all[j].DocID {
			return all[i].DocID < all[j].DocID
		}
		return all[i].Index < all[j].Index
	})
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *Memory) GetChunksByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Chunk
	for _, id := range ids {
		if c, ok := m.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) GetDocument(ctx context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[id]
	if !ok {
		return nil, kberrors.Wrapf(kberrors.ErrKBNotFound, nil, "document %s not found", id)
	}
	return &doc, nil
}

func (m *Memory) UpdateDocumentStatus(ctx context.Context, id, status string, chunkCount, tokenCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return kberrors.Wrapf(kberrors.ErrKBNotFound, nil, "document %s not found", id)
	}
	if !ValidStatusTransition(doc.Status, status) {
		return kberrors.Wrapf(kberrors.ErrInternal, nil,
			"invalid document status transition %s -> %s", doc.Status, status)
	}
	doc.Status = status
	doc.ChunkCount = chunkCount
	doc.TokenCount = tokenCount
	doc.Version++
	m.docs[id] = doc
	return nil
}

func (m *Memory) InsertChunks(ctx context.Context, chunks []Chunk) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		if c.VectorID == "" {
			c.VectorID = uuid.NewString()
		}
		m.chunks[c.ID] = c
		out[i] = c
	}
	return out, nil
}

func (m *Memory) DeleteChunksByDoc(ctx context.Context, docID string) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted []Chunk
	for id, c := range m.chunks {
		if c.DocID == docID {
			deleted = append(deleted, c)
			delete(m.chunks, id)
		}
	}
	sort.Slice(deleted, func(i, j int) bool { return deleted[i].Index < deleted[j].Index })
	return deleted, nil
}

// DeleteChunkByID removes a single chunk directly. Test helper for
// injecting inconsistencies reconciliation must repair.
func (m *Memory) DeleteChunkByID(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chunks, id)
}
