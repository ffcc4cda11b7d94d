package bm25

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/knowledgecore/retrieval/internal/config"
)

type fakeSource struct {
	kbs   map[string][]Chunk
	walks int
}

func (f *fakeSource) ListActiveKBIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(f.kbs))
	for id := range f.kbs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeSource) WalkChunks(ctx context.Context, kbID string, fn func(chunkID, content string) error) error {
	f.walks++
	for _, c := range f.kbs[kbID] {
		if err := fn(c.ID, c.Content); err != nil {
			return err
		}
	}
	return nil
}

func testManager(t *testing.T, source *fakeSource) *Manager {
	t.Helper()
	return NewManager(config.BM25Config{
		PersistDir:     t.TempDir(),
		FlushInterval:  time.Minute,
		UpsertBatchCap: 256,
	}, source, zaptest.NewLogger(t))
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{kbs: map[string][]Chunk{"kb2": nil}}
	cfg := config.BM25Config{PersistDir: dir, FlushInterval: time.Minute, UpsertBatchCap: 256}

	m := NewManager(cfg, source, zaptest.NewLogger(t))
	chunks := make([]Chunk, 10)
	for i := range chunks {
		chunks[i] = Chunk{ID: fmt.Sprintf("c%d", i+1), Content: fmt.Sprintf("ordinary content number %d", i+1)}
	}
	chunks[6].Content = "contains the xylophonic token"
	require.NoError(t, m.Upsert(context.Background(), "kb2", chunks))
	require.NoError(t, m.Flush("kb2"))
	walksBefore := source.walks

	// Simulated restart: a fresh manager over the same directory must load
	// from disk without walking the repository.
	m2 := NewManager(cfg, source, zaptest.NewLogger(t))
	hits, err := m2.Search(context.Background(), "kb2", "xylophonic", 5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c7", hits[0].ChunkID)
	assert.Greater(t, hits[0].Score, 0.0)
	assert.Equal(t, walksBefore, source.walks, "a valid persisted index must not trigger a rebuild")
}

func TestLoadVersionMismatchRebuilds(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{kbs: map[string][]Chunk{
		"kb1": {{ID: "c1", Content: "hello world"}},
	}}
	cfg := config.BM25Config{PersistDir: dir, FlushInterval: time.Minute, UpsertBatchCap: 256}

	// Write a file with a bumped tokenizer version byte.
	m := NewManager(cfg, source, zaptest.NewLogger(t))
	require.NoError(t, m.GetOrBuild(context.Background(), "kb1"))
	require.Equal(t, 1, source.walks)

	path := filepath.Join(dir, "kb1.idx")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[6]++ // tokenizer version field
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	m2 := NewManager(cfg, source, zaptest.NewLogger(t))
	hits, err := m2.Search(context.Background(), "kb1", "hello", 5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 2, source.walks, "stale tokenizer version must force a rebuild")
}

func TestLoadCorruptFileRebuilds(t *testing.T) {
	dir := t.TempDir()
	source := &fakeSource{kbs: map[string][]Chunk{
		"kb1": {{ID: "c1", Content: "hello world"}},
	}}
	cfg := config.BM25Config{PersistDir: dir, FlushInterval: time.Minute, UpsertBatchCap: 256}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "kb1.idx"), []byte("garbage"), 0o644))

	m := NewManager(cfg, source, zaptest.NewLogger(t))
	hits, err := m.Search(context.Background(), "kb1", "hello", 5, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	assert.Equal(t, 1, source.walks)
}

func TestSearchMinScoreFiltersWeakHits(t *testing.T) {
	source := &fakeSource{kbs: map[string][]Chunk{"kb1": nil}}
	m := testManager(t, source)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "kb1", []Chunk{
		{ID: "c1", Content: "alpha alpha alpha"},
		{ID: "c2", Content: "alpha beta gamma delta epsilon zeta eta theta"},
	}))

	all, err := m.Search(ctx, "kb1", "alpha", 5, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Greater(t, all[0].Score, all[1].Score)

	floor := (all[0].Score + all[1].Score) / 2
	strong, err := m.Search(ctx, "kb1", "alpha", 5, floor)
	require.NoError(t, err)
	require.Len(t, strong, 1)
	assert.Equal(t, all[0].ChunkID, strong[0].ChunkID)
}

func TestUpsertAndDelete(t *testing.T) {
	source := &fakeSource{kbs: map[string][]Chunk{"kb1": nil}}
	m := testManager(t, source)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "kb1", []Chunk{
		{ID: "c1", Content: "alpha"},
		{ID: "c2", Content: "beta"},
	}))
	hits, err := m.Search(ctx, "kb1", "alpha", 5, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)

	require.NoError(t, m.Delete(ctx, "kb1", []string{"c1"}))
	hits, err = m.Search(ctx, "kb1", "alpha", 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	ids, err := m.ChunkIDs(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, ids)
}

func TestFlushOnlyWhenDirty(t *testing.T) {
	source := &fakeSource{kbs: map[string][]Chunk{"kb1": nil}}
	dir := t.TempDir()
	cfg := config.BM25Config{PersistDir: dir, FlushInterval: time.Minute, UpsertBatchCap: 256}
	m := NewManager(cfg, source, zaptest.NewLogger(t))
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "kb1", []Chunk{{ID: "c1", Content: "alpha"}}))
	require.NoError(t, m.FlushAll())
	info1, err := os.Stat(filepath.Join(dir, "kb1.idx"))
	require.NoError(t, err)

	// No mutation since the last flush: the file must be untouched.
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.FlushAll())
	info2, err := os.Stat(filepath.Join(dir, "kb1.idx"))
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())
}

func TestDropKB(t *testing.T) {
	source := &fakeSource{kbs: map[string][]Chunk{"kb1": nil}}
	m := testManager(t, source)
	ctx := context.Background()

	require.NoError(t, m.Upsert(ctx, "kb1", []Chunk{{ID: "c1", Content: "alpha"}}))
	require.NoError(t, m.Flush("kb1"))
	require.NoError(t, m.DropKB("kb1"))

	_, err := os.Stat(m.path("kb1"))
	assert.True(t, os.IsNotExist(err))
}
