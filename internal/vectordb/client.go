// Package vectordb is a minimal Qdrant HTTP client scoped to the per-KB
// collection layout used by the retrieval core.
package vectordb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/kberrors"
)

// CollectionName maps a KB id to its collection. Hyphens are not valid in
// collection names, so they become underscores.
func CollectionName(kbID string) string {
	return "kb_" + strings.ReplaceAll(kbID, "-", "_")
}

// Client is a minimal Qdrant HTTP client.
type Client struct {
	http   *http.Client
	base   string
	logger *zap.Logger
}

// NewClient builds the client from config.
func NewClient(cfg config.VectorDBConfig, logger *zap.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = 6333
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		http:   &http.Client{Timeout: cfg.Timeout},
		base:   fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		logger: logger,
	}
}

// NewClientForURL builds a client against an explicit base URL. Used in tests.
func NewClientForURL(base string, logger *zap.Logger) *Client {
	return &Client{
		http:   &http.Client{Timeout: 5 * time.Second},
		base:   base,
		logger: logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return kberrors.Wrap(kberrors.ErrInternal, err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return kberrors.Wrap(kberrors.ErrInternal, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return kberrors.Transient("vectordb", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return kberrors.Wrap(kberrors.ErrKBNotFound, fmt.Errorf("vectordb: %s not found", path))
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return kberrors.Transient("vectordb", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return kberrors.Transient("vectordb", err)
		}
	}
	return nil
}

// CollectionExists reports whether the collection for kbID is present.
func (c *Client) CollectionExists(ctx context.Context, kbID string) (bool, error) {
	err := c.do(ctx, http.MethodGet, "/collections/"+CollectionName(kbID), nil, nil)
	if err == nil {
		return true, nil
	}
	if kberrors.CategoryOf(err) == kberrors.CategoryInput {
		return false, nil
	}
	return false, err
}

// EnsureCollection creates the collection for kbID with the given vector
// size if it does not already exist.
func (c *Client) EnsureCollection(ctx context.Context, kbID string, dims int) error {
	exists, err := c.CollectionExists(ctx, kbID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	body := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     dims,
			"distance": "Cosine",
		},
	}
	return c.do(ctx, http.MethodPut, "/collections/"+CollectionName(kbID), body, nil)
}

// DeleteCollection removes the collection for kbID. Missing collections are
// not an error.
func (c *Client) DeleteCollection(ctx context.Context, kbID string) error {
	err := c.do(ctx, http.MethodDelete, "/collections/"+CollectionName(kbID), nil, nil)
	if err != nil && kberrors.CategoryOf(err) == kberrors.CategoryInput {
		return nil
	}
	return err
}

type upsertRequest struct {
	Points []upsertPoint `json:"points"`
}

type upsertPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Upsert writes points into the collection for kbID.
func (c *Client) Upsert(ctx context.Context, kbID string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	req := upsertRequest{Points: make([]upsertPoint, len(points))}
	for i, p := range points {
		req.Points[i] = upsertPoint{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	path := fmt.Sprintf("/collections/%s/points?wait=true", CollectionName(kbID))
	return c.do(ctx, http.MethodPut, path, req, nil)
}

// DeleteByIDs removes points by id from the collection for kbID.
func (c *Client) DeleteByIDs(ctx context.Context, kbID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	body := map[string]interface{}{"points": ids}
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", CollectionName(kbID))
	return c.do(ctx, http.MethodPost, path, body, nil)
}

type queryRequest struct {
	Query          []float32              `json:"query"`
	Limit          int                    `json:"limit"`
	ScoreThreshold *float64               `json:"score_threshold,omitempty"`
	WithPayload    bool                   `json:"with_payload"`
	Filter         map[string]interface{} `json:"filter,omitempty"`
}

type queryPoint struct {
	ID      interface{}            `json:"id"`
	Score   float64                `json:"score"`
	Payload map[string]interface{} `json:"payload"`
}

type queryResponse struct {
	Result struct {
		Points []queryPoint `json:"points"`
	} `json:"result"`
	Status string `json:"status"`
}

// Search runs a vector query against the collection for kbID.
func (c *Client) Search(ctx context.Context, kbID string, params SearchParams) ([]ScoredPoint, error) {
	req := queryRequest{
		Query:       params.Vector,
		Limit:       params.Limit,
		WithPayload: true,
	}
	if params.ScoreThreshold > 0 {
		req.ScoreThreshold = &params.ScoreThreshold
	}
	if len(params.DocIDs) > 0 {
		req.Filter = map[string]interface{}{
			"must": []map[string]interface{}{
				{"key": "doc_id", "match": map[string]interface{}{"any": params.DocIDs}},
			},
		}
	}

	var resp queryResponse
	path := fmt.Sprintf("/collections/%s/points/query", CollectionName(kbID))
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	out := make([]ScoredPoint, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		out = append(out, ScoredPoint{
			ID:      fmt.Sprintf("%v", p.ID),
			Score:   p.Score,
			Payload: p.Payload,
		})
	}
	return out, nil
}

type scrollRequest struct {
	Limit       int         `json:"limit"`
	Offset      interface{} `json:"offset,omitempty"`
	WithPayload bool        `json:"with_payload"`
}

type scrollResponse struct {
	Result struct {
		Points         []queryPoint `json:"points"`
		NextPageOffset interface{}  `json:"next_page_offset"`
	} `json:"result"`
}

// ListPointIDs scrolls all point ids in the collection for kbID. Used by
// reconciliation to compare the vector store against the repository.
func (c *Client) ListPointIDs(ctx context.Context, kbID string) ([]string, error) {
	var ids []string
	var offset interface{}
	for {
		req := scrollRequest{Limit: 1000, Offset: offset}
		var resp scrollResponse
		path := fmt.Sprintf("/collections/%s/points/scroll", CollectionName(kbID))
		if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp.Result.Points {
			ids = append(ids, fmt.Sprintf("%v", p.ID))
		}
		if resp.Result.NextPageOffset == nil {
			return ids, nil
		}
		offset = resp.Result.NextPageOffset
	}
}
