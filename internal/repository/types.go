// Package repository is the document repository consumed by the retrieval
// core: knowledge bases, documents and chunks backed by Postgres, plus an
// in-memory implementation for tests.
package repository

import (
	"context"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

// Document status values. Transitions are strictly
// pending -> processing -> {completed, failed}; reprocessing resets to
// pending.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ValidStatusTransition reports whether a document may move from one
// status to another.
func ValidStatusTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	case StatusCompleted, StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

// KnowledgeBase is one tenant-scoped corpus.
type KnowledgeBase struct {
	ID             string `db:"id"`
	Name           string `db:"name"`
	Description    string `db:"description"`
	EmbeddingModel string `db:"embedding_model"`
	// Dimension is fixed by the embedding model and used when creating
	// the vector collection.
	Dimension    int  `db:"dimension"`
	ChunkSize    int  `db:"chunk_size"`
	ChunkOverlap int  `db:"chunk_overlap"`
	Active       bool `db:"active"`
}

// Document is one ingested file.
type Document struct {
	ID         string  `db:"id"`
	KBID       string  `db:"kb_id"`
	FolderID   *string `db:"folder_id"`
	Filename   string  `db:"filename"`
	Status     string  `db:"status"`
	ChunkCount int     `db:"chunk_count"`
	TokenCount int     `db:"token_count"`
	Version    int     `db:"version"`
}

// Chunk is the unit of retrieval. VectorID is the identifier the vector
// store indexed, assigned by the repository on insert; it is distinct from
// ID so vector deletion always uses the id the backend actually holds.
type Chunk struct {
	ID           string  `db:"id"`
	DocID        string  `db:"doc_id"`
	KBID         string  `db:"kb_id"`
	Index        int     `db:"chunk_index"`
	Content      string  `db:"content"`
	TokenCount   int     `db:"token_count"`
	Page         *int    `db:"page"`
	SectionTitle *string `db:"section_title"`
	VectorID     string  `db:"vector_id"`
}

// Store is the repository contract consumed by the core.
type Store interface {
	ListActiveKBs(ctx context.Context) ([]KnowledgeBase, error)
	GetKB(ctx context.Context, id string) (*KnowledgeBase, error)
	// ListChunks pages through the completed chunks of one KB.
	ListChunks(ctx context.Context, kbID string, offset, limit int) ([]Chunk, error)
	// GetChunksByIDs resolves chunk rows for hit hydration. Missing ids
	// are silently omitted.
	GetChunksByIDs(ctx context.Context, ids []string) ([]Chunk, error)
	GetDocument(ctx context.Context, id string) (*Document, error)
	UpdateDocumentStatus(ctx context.Context, id, status string, chunkCount, tokenCount int) error
	// InsertChunks writes chunks in one transaction and returns them with
	// their repository-assigned vector ids.
	InsertChunks(ctx context.Context, chunks []Chunk) ([]Chunk, error)
	// DeleteChunksByDoc removes a document's chunks transactionally and
	// returns the deleted rows so downstream stores can be purged.
	DeleteChunksByDoc(ctx context.Context, docID string) ([]Chunk, error)
}

// ErrNotFound aliases the shared sentinel for callers that only import
// this package.
var ErrNotFound = kberrors.ErrKBNotFound
