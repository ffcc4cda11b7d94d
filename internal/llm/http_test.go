package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

func TestHTTPProviderComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/complete", r.URL.Path)

		var req httpCompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "local-model", req.Model)
		require.Len(t, req.Messages, 1)

		json.NewEncoder(w).Encode(httpCompletionResponse{Text: "rewritten"})
	}))
	defer srv.Close()

	p := newHTTPProvider("local", "local-model", srv.URL)
	text, err := p.Complete(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "rewritten", text)
}

func TestHTTPProviderClassifiesStatusCodes(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
		permanent bool
	}{
		{http.StatusBadRequest, false, true},
		{http.StatusUnauthorized, false, true},
		{http.StatusTooManyRequests, true, false},
		{http.StatusInternalServerError, true, false},
		{http.StatusBadGateway, true, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		p := newHTTPProvider("local", "local-model", srv.URL)
		_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
		require.Error(t, err, "status %d", tc.status)
		assert.Equal(t, tc.retryable, kberrors.IsRetryable(err), "status %d", tc.status)
		if tc.permanent {
			assert.ErrorIs(t, err, kberrors.ErrProviderRejected, "status %d", tc.status)
		}
		srv.Close()
	}
}
