package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

// httpProvider talks to an internal completion service over HTTP JSON.
// Used for self-hosted models that sit behind a thin gateway.
type httpProvider struct {
	name    string
	model   string
	baseURL string
	client  *http.Client
}

func newHTTPProvider(name, model, baseURL string) *httpProvider {
	return &httpProvider{
		name:    name,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *httpProvider) Name() string { return p.name }

type httpCompletionRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int64     `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type httpCompletionResponse struct {
	Text string `json:"text"`
}

func (p *httpProvider) Complete(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(httpCompletionRequest{
		Model:       p.model,
		System:      req.System,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return "", kberrors.Wrap(kberrors.ErrInternal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/complete", bytes.NewReader(body))
	if err != nil {
		return "", kberrors.Wrap(kberrors.ErrInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", kberrors.Transient(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, raw)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", kberrors.Wrap(kberrors.ErrProviderRejected, cause)
		}
		return "", kberrors.Transient(p.name, cause)
	}

	var out httpCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", kberrors.Transient(p.name, err)
	}
	return out.Text, nil
}
