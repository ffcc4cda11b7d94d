package circuitbreaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager owns one breaker per service key (embedding, vectordb, rerank,
// llm:<provider>). Keys are created lazily with the config registered for
// them, falling back to DefaultConfig.
type Manager struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	configs  map[string]Config
}

// KeyStatus is a snapshot of one breaker for operator endpoints.
type KeyStatus struct {
	Key                  string    `json:"key"`
	State                string    `json:"state"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	LastFailure          time.Time `json:"last_failure,omitempty"`
}

// NewManager creates an empty breaker manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
		configs:  make(map[string]Config),
	}
}

// Configure registers the config used when the breaker for key is created.
// Must be called before the first Get for the key to take effect.
func (m *Manager) Configure(key string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[key] = cfg
}

// Get returns the breaker for key, creating it on first use.
func (m *Manager) Get(key string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok = m.breakers[key]; ok {
		return cb
	}
	cfg, ok := m.configs[key]
	if !ok {
		cfg = DefaultConfig()
	}
	wrapped := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from, to State) {
		recordStateChange(name, from, to)
		if wrapped != nil {
			wrapped(name, from, to)
		}
	}
	cb = New(key, cfg, m.logger)
	m.breakers[key] = cb
	return cb
}

// Reset returns the breaker for key to closed. Unknown keys are a no-op.
func (m *Manager) Reset(key string) bool {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ForceOpen trips the breaker for key. Unknown keys are created first so an
// operator can fence a service before its first call.
func (m *Manager) ForceOpen(key string) {
	m.Get(key).ForceOpen()
}

// IsOpen reports whether the breaker for key would reject a call right now.
// Keys with no breaker yet report false (cold start = closed).
func (m *Manager) IsOpen(key string) bool {
	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	return !cb.Available()
}

// Status returns a stable-ordered snapshot of every breaker.
func (m *Manager) Status() []KeyStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]KeyStatus, 0, len(m.breakers))
	for key, cb := range m.breakers {
		counts := cb.Counts()
		out = append(out, KeyStatus{
			Key:                  key,
			State:                cb.State().String(),
			ConsecutiveFailures:  counts.ConsecutiveFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			LastFailure:          cb.LastFailure(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
