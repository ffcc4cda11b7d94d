package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "kb_docs", CollectionName("docs"))
	assert.Equal(t, "kb_team_wiki_v2", CollectionName("team-wiki-v2"))
}

func TestEnsureCollectionCreatesWhenMissing(t *testing.T) {
	var created bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/collections/kb_docs":
			if created {
				w.WriteHeader(http.StatusOK)
			} else {
				w.WriteHeader(http.StatusNotFound)
			}
		case r.Method == http.MethodPut && r.URL.Path == "/collections/kb_docs":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			vectors := body["vectors"].(map[string]interface{})
			assert.Equal(t, float64(1536), vectors["size"])
			assert.Equal(t, "Cosine", vectors["distance"])
			created = true
			w.WriteHeader(http.StatusOK)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	}))
	defer srv.Close()

	c := NewClientForURL(srv.URL, zaptest.NewLogger(t))
	require.NoError(t, c.EnsureCollection(context.Background(), "docs", 1536))
	assert.True(t, created)

	// Second call is a no-op.
	require.NoError(t, c.EnsureCollection(context.Background(), "docs", 1536))
}

func TestSearchBuildsDocFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/kb_docs/points/query", r.URL.Path)

		var req queryRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 10, req.Limit)
		require.NotNil(t, req.Filter)

		var resp queryResponse
		resp.Result.Points = []queryPoint{
			{ID: "v1", Score: 0.92, Payload: map[string]interface{}{"doc_id": "d1", "chunk_index": float64(0)}},
			{ID: "v2", Score: 0.81, Payload: map[string]interface{}{"doc_id": "d1", "chunk_index": float64(1)}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClientForURL(srv.URL, zaptest.NewLogger(t))
	hits, err := c.Search(context.Background(), "docs", SearchParams{
		Vector: []float32{0.1, 0.2},
		Limit:  10,
		DocIDs: []string{"d1"},
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "v1", hits[0].ID)
	assert.InDelta(t, 0.92, hits[0].Score, 1e-9)
}

func TestSearchMissingCollection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClientForURL(srv.URL, zaptest.NewLogger(t))
	_, err := c.Search(context.Background(), "missing", SearchParams{Vector: []float32{0.1}, Limit: 5})
	assert.ErrorIs(t, err, kberrors.ErrKBNotFound)
}

func TestListPointIDsScrollsAllPages(t *testing.T) {
	page := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/collections/kb_docs/points/scroll", r.URL.Path)
		var resp scrollResponse
		if page == 0 {
			resp.Result.Points = []queryPoint{{ID: "a"}, {ID: "b"}}
			resp.Result.NextPageOffset = "b"
		} else {
			resp.Result.Points = []queryPoint{{ID: "c"}}
		}
		page++
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewClientForURL(srv.URL, zaptest.NewLogger(t))
	ids, err := c.ListPointIDs(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestUpsertAndDelete(t *testing.T) {
	var upserted, deleted int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/collections/kb_docs/points":
			var req upsertRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			upserted = len(req.Points)
		case "/collections/kb_docs/points/delete":
			var body map[string][]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			deleted = len(body["points"])
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClientForURL(srv.URL, zaptest.NewLogger(t))
	err := c.Upsert(context.Background(), "docs", []Point{
		{ID: "v1", Vector: []float32{0.1}, Payload: map[string]interface{}{"doc_id": "d1"}},
		{ID: "v2", Vector: []float32{0.2}, Payload: map[string]interface{}{"doc_id": "d1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, upserted)

	require.NoError(t, c.DeleteByIDs(context.Background(), "docs", []string{"v1", "v2"}))
	assert.Equal(t, 2, deleted)
}
