package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/kberrors"
)

// Postgres implements Store on a Postgres database.
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgres connects and configures the pool.
func NewPostgres(cfg config.DatabaseConfig, logger *zap.Logger) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return &Postgres{db: db, logger: logger}, nil
}

// NewPostgresFromDB wraps an existing connection. Used in tests.
func NewPostgresFromDB(db *sqlx.DB, logger *zap.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// Ping verifies connectivity. Used by health checks.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) ListActiveKBs(ctx context.Context) ([]KnowledgeBase, error) {
	var kbs []KnowledgeBase
	err := p.db.SelectContext(ctx, &kbs, `
		SELECT id, name, description, embedding_model, dimension, chunk_size, chunk_overlap, active
		FROM knowledge_bases
		WHERE active = true
		ORDER BY id`)
	if err != nil {
		return nil, kberrors.Transient("repository", err)
	}
	return kbs, nil
}

func (p *Postgres) GetKB(ctx context.Context, id string) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	err := p.db.GetContext(ctx, &kb, `
		SELECT id, name, description, embedding_model, dimension, chunk_size, chunk_overlap, active
		FROM knowledge_bases
		WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kberrors.Wrapf(kberrors.ErrKBNotFound, nil, "knowledge base %s not found", id)
	}
	if err != nil {
		return nil, kberrors.Transient("repository", err)
	}
	return &kb, nil
}

func (p *Postgres) ListChunks(ctx context.Context, kbID string, offset, limit int) ([]Chunk, error) {
	var chunks []Chunk
	err := p.db.SelectContext(ctx, &chunks, `
		SELECT c.id, c.doc_id, c.kb_id, c.chunk_index, c.content, c.token_count, c.page, c.section_title, c.vector_id
		FROM chunks c
		JOIN documents d ON d.id = c.doc_id
		WHERE c.kb_id = $1 AND d.status = $2
		ORDER BY c.doc_id, c.chunk_index
		OFFSET $3 LIMIT $4`, kbID, StatusCompleted, offset, limit)
	if err != nil {
		return nil, kberrors.Transient("repository", err)
	}
	return chunks, nil
}

func (p *Postgres) GetChunksByIDs(ctx context.Context, ids []string) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, doc_id, kb_id, chunk_index, content, token_count, page, section_title, vector_id
		FROM chunks
		WHERE id IN (?)`, ids)
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrInternal, err)
	}
	var chunks []Chunk
	if err := p.db.SelectContext(ctx, &chunks, p.db.Rebind(query), args...); err != nil {
		return nil, kberrors.Transient("repository", err)
	}
	return chunks, nil
}

func (p *Postgres) GetDocument(ctx context.Context, id string) (*Document, error) {
	var doc Document
	err := p.db.GetContext(ctx, &doc, `
		SELECT id, kb_id, folder_id, filename, status, chunk_count, token_count, version
		FROM documents
		WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kberrors.Wrapf(kberrors.ErrKBNotFound, nil, "document %s not found", id)
	}
	if err != nil {
		return nil, kberrors.Transient("repository", err)
	}
	return &doc, nil
}

func (p *Postgres) UpdateDocumentStatus(ctx context.Context, id, status string, chunkCount, tokenCount int) error {
	doc, err := p.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if !ValidStatusTransition(doc.Status, status) {
		return kberrors.Wrapf(kberrors.ErrInternal, nil,
			"invalid document status transition %s -> %s", doc.Status, status)
	}
	_, err = p.db.ExecContext(ctx, `
		UPDATE documents
		SET status = $2, chunk_count = $3, token_count = $4, version = version + 1
		WHERE id = $1`, id, status, chunkCount, tokenCount)
	if err != nil {
		return kberrors.Transient("repository", err)
	}
	return nil
}

func (p *Postgres) InsertChunks(ctx context.Context, chunks []Chunk) ([]Chunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, kberrors.Transient("repository", err)
	}
	defer tx.Rollback()

	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		if c.VectorID == "" {
			c.VectorID = uuid.NewString()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, doc_id, kb_id, chunk_index, content, token_count, page, section_title, vector_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			c.ID, c.DocID, c.KBID, c.Index, c.Content, c.TokenCount, c.Page, c.SectionTitle, c.VectorID)
		if err != nil {
			return nil, kberrors.Transient("repository", err)
		}
		out[i] = c
	}
	if err := tx.Commit(); err != nil {
		return nil, kberrors.Transient("repository", err)
	}
	return out, nil
}

func (p *Postgres) DeleteChunksByDoc(ctx context.Context, docID string) ([]Chunk, error) {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, kberrors.Transient("repository", err)
	}
	defer tx.Rollback()

	var deleted []Chunk
	err = tx.SelectContext(ctx, &deleted, `
		DELETE FROM chunks
		WHERE doc_id = $1
		RETURNING id, doc_id, kb_id, chunk_index, content, token_count, page, section_title, vector_id`, docID)
	if err != nil {
		return nil, kberrors.Transient("repository", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, kberrors.Transient("repository", err)
	}
	return deleted, nil
}
