package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Retrieval.DefaultAlpha)
	assert.Equal(t, 5, cfg.Retrieval.DefaultTopK)
	assert.Equal(t, 60*time.Second, cfg.BM25.FlushInterval)
	assert.Equal(t, 10000, cfg.Embedding.CacheMax)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retrieval.yaml")
	content := []byte(`
service:
  max_concurrent_requests: 32
retrieval:
  default_alpha: 0.7
  rerank_batch_cap: 40
bm25:
  persist_dir: /tmp/bm25
  flush_interval: 30s
llm:
  provider_priority: [openai, anthropic]
  providers:
    openai:
      kind: openai
      model: gpt-4o-mini
      api_key_env: OPENAI_API_KEY
    anthropic:
      kind: anthropic
      model: claude-3-5-haiku-latest
      api_key_env: ANTHROPIC_API_KEY
resilience:
  embedding:
    failure_threshold: 2
    recovery_timeout: 5s
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Service.MaxConcurrentRequests)
	assert.Equal(t, 0.7, cfg.Retrieval.DefaultAlpha)
	assert.Equal(t, "/tmp/bm25", cfg.BM25.PersistDir)
	assert.Equal(t, []string{"openai", "anthropic"}, cfg.LLM.ProviderPriority)

	// Per-service resilience merges over spec defaults.
	rc := cfg.ResilienceFor("embedding")
	assert.Equal(t, uint32(2), rc.FailureThreshold)
	assert.Equal(t, 5*time.Second, rc.RecoveryTimeout)
	assert.Equal(t, uint32(3), rc.SuccessThreshold)
	assert.Equal(t, uint32(3), rc.HalfOpenMaxConcurrent)

	// Unknown services get pure defaults.
	rc = cfg.ResilienceFor("rerank")
	assert.Equal(t, uint32(5), rc.FailureThreshold)
	assert.Equal(t, 60*time.Second, rc.RecoveryTimeout)
}

func TestValidateRejectsBadAlpha(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "retrieval.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  default_alpha: 1.5\n"), 0o644))
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestValidateRejectsUnknownProviderKind(t *testing.T) {
	cfg := Default()
	cfg.LLM.Providers = map[string]LLMProviderConfig{"x": {Kind: "carrier-pigeon"}}
	assert.Error(t, cfg.Validate())
}
