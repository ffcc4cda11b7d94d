// Package embeddings provides the client for the embedding service with a
// two-tier cache (in-process LRU, shared Redis) in front of it.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/kberrors"
	"github.com/knowledgecore/retrieval/internal/metrics"
)

// Service generates embeddings with caching.
type Service struct {
	cfg    config.EmbeddingConfig
	http   *http.Client
	local  *localCache
	shared Cache
	logger *zap.Logger
}

// NewService builds the embedding client. shared may be nil when Redis is
// not configured; the local tier always exists.
func NewService(cfg config.EmbeddingConfig, shared Cache, logger *zap.Logger) *Service {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "text-embedding-3-small"
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Service{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		local:  newLocalCache(cfg.CacheMax, cfg.CacheTTL),
		shared: shared,
		logger: logger,
	}
}

type embedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model"`
}

type embedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Dimensions int         `json:"dimensions"`
	ModelUsed  string      `json:"model_used"`
}

// Embed returns the vector for a single text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := s.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// EmbedBatch returns vectors for texts in input order, serving cached
// entries locally and fetching only the misses in one upstream call.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	model := s.cfg.DefaultModel

	results := make([][]float32, len(texts))
	var missTexts []string
	var missIndices []int

	for i, text := range texts {
		key := MakeKey(model, text)
		if v, ok := s.local.Get(key); ok {
			results[i] = v
			metrics.EmbeddingCacheHits.WithLabelValues("local").Inc()
			continue
		}
		if s.shared != nil {
			if v, ok := s.shared.Get(ctx, key); ok {
				results[i] = v
				s.local.Set(key, v)
				metrics.EmbeddingCacheHits.WithLabelValues("redis").Inc()
				continue
			}
		}
		metrics.EmbeddingCacheMisses.Inc()
		missTexts = append(missTexts, text)
		missIndices = append(missIndices, i)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	vectors, err := s.fetch(ctx, missTexts, model)
	if err != nil {
		return nil, err
	}
	for j, vec := range vectors {
		i := missIndices[j]
		results[i] = vec
		key := MakeKey(model, texts[i])
		s.local.Set(key, vec)
		if s.shared != nil {
			s.shared.Set(ctx, key, vec, s.cfg.CacheTTL)
		}
	}
	return results, nil
}

func (s *Service) fetch(ctx context.Context, texts []string, model string) ([][]float32, error) {
	buf, err := json.Marshal(embedRequest{Texts: texts, Model: model})
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrInternal, err)
	}

	url := fmt.Sprintf("%s/embeddings/", s.cfg.BaseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, kberrors.Wrap(kberrors.ErrInternal, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, kberrors.Transient("embedding", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cause := fmt.Errorf("embedding http status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, kberrors.Wrap(kberrors.ErrProviderRejected, cause)
		}
		return nil, kberrors.Transient("embedding", cause)
	}

	var er embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return nil, kberrors.Transient("embedding", err)
	}
	if len(er.Embeddings) != len(texts) {
		return nil, kberrors.Transient("embedding",
			fmt.Errorf("requested %d embeddings, got %d", len(texts), len(er.Embeddings)))
	}

	out := make([][]float32, len(er.Embeddings))
	for i, emb := range er.Embeddings {
		if er.Dimensions > 0 && len(emb) != er.Dimensions {
			return nil, kberrors.Wrapf(kberrors.ErrDimensionMismatch, nil,
				"embedding %d has %d dims, expected %d", i, len(emb), er.Dimensions)
		}
		vec := make([]float32, len(emb))
		for j, f := range emb {
			vec[j] = float32(f)
		}
		out[i] = vec
	}
	return out, nil
}
