// Package config loads the retrieval core configuration from a YAML file
// via viper, with typed sections and defaults for every knob.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for the retrieval service.
type Config struct {
	Service    ServiceConfig              `mapstructure:"service" yaml:"service"`
	Logging    LoggingConfig              `mapstructure:"logging" yaml:"logging"`
	BM25       BM25Config                 `mapstructure:"bm25" yaml:"bm25"`
	Retrieval  RetrievalConfig            `mapstructure:"retrieval" yaml:"retrieval"`
	Rewrite    RewriteConfig              `mapstructure:"rewrite" yaml:"rewrite"`
	Embedding  EmbeddingConfig            `mapstructure:"embedding" yaml:"embedding"`
	VectorDB   VectorDBConfig             `mapstructure:"vectordb" yaml:"vectordb"`
	Rerank     RerankConfig               `mapstructure:"rerank" yaml:"rerank"`
	LLM        LLMConfig                  `mapstructure:"llm" yaml:"llm"`
	Database   DatabaseConfig             `mapstructure:"database" yaml:"database"`
	Resilience map[string]ResilienceConfig `mapstructure:"resilience" yaml:"resilience"`
}

// ServiceConfig contains process-level limits and ports.
type ServiceConfig struct {
	MaxConcurrentRequests       int           `mapstructure:"max_concurrent_requests" yaml:"max_concurrent_requests"`
	MaxConcurrentUpstreamCalls  int           `mapstructure:"max_concurrent_upstream_calls_per_request" yaml:"max_concurrent_upstream_calls_per_request"`
	RequestTimeout              time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	HealthPort                  int           `mapstructure:"health_port" yaml:"health_port"`
	MetricsPort                 int           `mapstructure:"metrics_port" yaml:"metrics_port"`
	GracefulTimeout             time.Duration `mapstructure:"graceful_timeout" yaml:"graceful_timeout"`
}

// LoggingConfig controls zap logger construction.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"` // "json" or "console"
}

// BM25Config controls the sparse index manager.
type BM25Config struct {
	PersistDir     string        `mapstructure:"persist_dir" yaml:"persist_dir"`
	FlushInterval  time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	UpsertBatchCap int           `mapstructure:"upsert_batch_cap" yaml:"upsert_batch_cap"`
}

// RetrievalConfig controls the retrieval engine defaults.
type RetrievalConfig struct {
	DefaultAlpha   float64 `mapstructure:"default_alpha" yaml:"default_alpha"`
	DefaultTopK    int     `mapstructure:"default_top_k" yaml:"default_top_k"`
	RerankBatchCap int     `mapstructure:"rerank_batch_cap" yaml:"rerank_batch_cap"`
	// SparseMinScore drops BM25 hits below this score before fusion.
	SparseMinScore float64 `mapstructure:"sparse_min_score" yaml:"sparse_min_score"`
}

// RewriteConfig bounds the query rewriter.
type RewriteConfig struct {
	MaxHistoryTurns int  `mapstructure:"max_history_turns" yaml:"max_history_turns"`
	MaxVariations   int  `mapstructure:"max_variations" yaml:"max_variations"`
	EnableExpansion bool `mapstructure:"enable_expansion" yaml:"enable_expansion"`
}

// EmbeddingConfig configures the embedding client and its caches.
type EmbeddingConfig struct {
	BaseURL      string        `mapstructure:"base_url" yaml:"base_url"`
	DefaultModel string        `mapstructure:"default_model" yaml:"default_model"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	CacheMax     int           `mapstructure:"cache_max" yaml:"cache_max"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
	RedisAddr    string        `mapstructure:"redis_addr" yaml:"redis_addr"`
}

// VectorDBConfig configures the vector store backend client.
type VectorDBConfig struct {
	Host    string        `mapstructure:"host" yaml:"host"`
	Port    int           `mapstructure:"port" yaml:"port"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// RerankConfig configures the cross-encoder scoring client.
type RerankConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Model   string        `mapstructure:"model" yaml:"model"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LLMProviderConfig describes one provider in the closed startup set.
type LLMProviderConfig struct {
	Kind      string `mapstructure:"kind" yaml:"kind"` // "openai", "anthropic", "http"
	Model     string `mapstructure:"model" yaml:"model"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	APIKeyEnv string `mapstructure:"api_key_env" yaml:"api_key_env"`
}

// LLMConfig configures LLM providers and failover order.
type LLMConfig struct {
	ProviderPriority []string                     `mapstructure:"provider_priority" yaml:"provider_priority"`
	Providers        map[string]LLMProviderConfig `mapstructure:"providers" yaml:"providers"`
	Timeout          time.Duration                `mapstructure:"timeout" yaml:"timeout"`
}

// DatabaseConfig configures the document repository connection.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// ResilienceConfig is the per-service breaker and retry policy.
type ResilienceConfig struct {
	Timeout               time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts           int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay             time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay              time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Jitter                float64       `mapstructure:"jitter" yaml:"jitter"`
	FailureThreshold      uint32        `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold      uint32        `mapstructure:"success_threshold" yaml:"success_threshold"`
	RecoveryTimeout       time.Duration `mapstructure:"recovery_timeout" yaml:"recovery_timeout"`
	HalfOpenMaxConcurrent uint32        `mapstructure:"half_open_max_concurrent" yaml:"half_open_max_concurrent"`
}

// Default returns the built-in configuration used when no file is present.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			MaxConcurrentRequests:      128,
			MaxConcurrentUpstreamCalls: 8,
			RequestTimeout:             30 * time.Second,
			HealthPort:                 8081,
			MetricsPort:                2112,
			GracefulTimeout:            15 * time.Second,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		BM25: BM25Config{
			PersistDir:     "/var/lib/retrieval/bm25",
			FlushInterval:  60 * time.Second,
			UpsertBatchCap: 256,
		},
		Retrieval: RetrievalConfig{
			DefaultAlpha:   0.5,
			DefaultTopK:    5,
			RerankBatchCap: 50,
		},
		Rewrite: RewriteConfig{
			MaxHistoryTurns: 5,
			MaxVariations:   3,
			EnableExpansion: true,
		},
		Embedding: EmbeddingConfig{
			DefaultModel: "text-embedding-3-small",
			Timeout:      5 * time.Second,
			CacheMax:     10000,
			CacheTTL:     time.Hour,
		},
		VectorDB: VectorDBConfig{Port: 6333, Timeout: 5 * time.Second},
		Rerank:   RerankConfig{Model: "BAAI/bge-reranker-base", Timeout: 10 * time.Second},
		LLM:      LLMConfig{Timeout: 30 * time.Second},
		Database: DatabaseConfig{
			MaxOpenConns:    16,
			MaxIdleConns:    4,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Resilience: map[string]ResilienceConfig{},
	}
}

// DefaultResilience returns the built-in per-service policy defaults.
func DefaultResilience() ResilienceConfig {
	return ResilienceConfig{
		Timeout:               10 * time.Second,
		MaxAttempts:           3,
		BaseDelay:             time.Second,
		MaxDelay:              30 * time.Second,
		Jitter:                0.5,
		FailureThreshold:      5,
		SuccessThreshold:      3,
		RecoveryTimeout:       60 * time.Second,
		HalfOpenMaxConcurrent: 3,
	}
}

// ResilienceFor returns the policy for a service key, merged over defaults.
func (c *Config) ResilienceFor(service string) ResilienceConfig {
	rc := DefaultResilience()
	got, ok := c.Resilience[service]
	if !ok {
		return rc
	}
	if got.Timeout > 0 {
		rc.Timeout = got.Timeout
	}
	if got.MaxAttempts > 0 {
		rc.MaxAttempts = got.MaxAttempts
	}
	if got.BaseDelay > 0 {
		rc.BaseDelay = got.BaseDelay
	}
	if got.MaxDelay > 0 {
		rc.MaxDelay = got.MaxDelay
	}
	if got.Jitter > 0 {
		rc.Jitter = got.Jitter
	}
	if got.FailureThreshold > 0 {
		rc.FailureThreshold = got.FailureThreshold
	}
	if got.SuccessThreshold > 0 {
		rc.SuccessThreshold = got.SuccessThreshold
	}
	if got.RecoveryTimeout > 0 {
		rc.RecoveryTimeout = got.RecoveryTimeout
	}
	if got.HalfOpenMaxConcurrent > 0 {
		rc.HalfOpenMaxConcurrent = got.HalfOpenMaxConcurrent
	}
	return rc
}

// Load reads configuration from CONFIG_PATH (default
// /etc/retrieval/retrieval.yaml), layered over Default().
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "/etc/retrieval/retrieval.yaml"
	}
	return LoadFile(path)
}

// LoadFile reads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot run with.
func (c *Config) Validate() error {
	if c.Retrieval.DefaultAlpha < 0 || c.Retrieval.DefaultAlpha > 1 {
		return fmt.Errorf("retrieval.default_alpha must be in [0,1], got %v", c.Retrieval.DefaultAlpha)
	}
	if c.Retrieval.DefaultTopK < 1 || c.Retrieval.DefaultTopK > 200 {
		return fmt.Errorf("retrieval.default_top_k must be in [1,200], got %d", c.Retrieval.DefaultTopK)
	}
	if c.Rewrite.MaxHistoryTurns > 10 {
		return fmt.Errorf("rewrite.max_history_turns must be <= 10, got %d", c.Rewrite.MaxHistoryTurns)
	}
	if c.Service.MaxConcurrentRequests < 1 {
		return fmt.Errorf("service.max_concurrent_requests must be positive")
	}
	for name, p := range c.LLM.Providers {
		switch p.Kind {
		case "openai", "anthropic", "http":
		default:
			return fmt.Errorf("llm.providers.%s: unknown kind %q", name, p.Kind)
		}
	}
	return nil
}
