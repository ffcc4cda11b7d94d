// Package rerank is the client for the cross-encoder scoring service.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/kberrors"
)

// Client scores query/passage pairs with a cross-encoder.
type Client struct {
	cfg    config.RerankConfig
	http   *http.Client
	logger *zap.Logger
}

// NewClient builds the rerank client.
func NewClient(cfg config.RerankConfig, logger *zap.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Model == "" {
		cfg.Model = "BAAI/bge-reranker-base"
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type rerankRequest struct {
	Model    string   `json:"model"`
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// Score returns one relevance score per passage, in input order.
func (c *Client) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	if len(passages) == 0 {
		return []float64{}, nil
	}

	buf, err := json.Marshal(rerankRequest{Model: c.cfg.Model, Query: query, Passages: passages})
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/rerank", bytes.NewReader(buf))
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, kberrors.Transient("rerank", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, kberrors.Transient("rerank", fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}

	var out rerankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, kberrors.Transient("rerank", err)
	}
	if len(out.Scores) != len(passages) {
		return nil, kberrors.Transient("rerank",
			fmt.Errorf("scored %d of %d passages", len(out.Scores), len(passages)))
	}
	return out.Scores, nil
}
