// Package degradation decides which reduced service modes are available
// when upstreams are open-circuited, and owns the user-facing status
// strings for those modes.
package degradation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/circuitbreaker"
	"github.com/knowledgecore/retrieval/internal/metrics"
)

// Status strings surfaced on degraded responses.
const (
	StatusSparseOnly  = "dense retrieval unavailable; serving lexical matches only"
	StatusNoRerank    = "rerank unavailable; hits ordered by fusion score"
	StatusUnavailable = "all retrieval backends unavailable; please retry"
)

// Service keys the manager knows about.
const (
	ServiceEmbedding = "embedding"
	ServiceVectorDB  = "vectordb"
	ServiceRerank    = "rerank"
)

// Manager consults breaker state to choose degradation modes and
// rate-limits the accompanying logs.
type Manager struct {
	breakers *circuitbreaker.Manager
	logger   *zap.Logger

	mu        sync.Mutex
	lastLog   map[string]time.Time
	logPeriod time.Duration
}

// NewManager builds the manager over the shared breaker set.
func NewManager(breakers *circuitbreaker.Manager, logger *zap.Logger) *Manager {
	return &Manager{
		breakers:  breakers,
		logger:    logger,
		lastLog:   make(map[string]time.Time),
		logPeriod: time.Minute,
	}
}

// DenseAvailable reports whether the dense retrieval path can be tried.
func (m *Manager) DenseAvailable() bool {
	return !m.breakers.IsOpen(ServiceEmbedding) && !m.breakers.IsOpen(ServiceVectorDB)
}

// RerankAvailable reports whether the rerank stage can be tried.
func (m *Manager) RerankAvailable() bool {
	return !m.breakers.IsOpen(ServiceRerank)
}

// RecordDegradation counts a degraded response and logs it, at most once
// per key per minute.
func (m *Manager) RecordDegradation(reason, key string) {
	metrics.SearchDegraded.WithLabelValues(reason).Inc()

	m.mu.Lock()
	last, ok := m.lastLog[reason+"|"+key]
	now := time.Now()
	if ok && now.Sub(last) < m.logPeriod {
		m.mu.Unlock()
		return
	}
	m.lastLog[reason+"|"+key] = now
	m.mu.Unlock()

	m.logger.Warn("Serving degraded response",
		zap.String("reason", reason),
		zap.String("key", key),
	)
}
