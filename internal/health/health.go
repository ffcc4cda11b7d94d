// Package health runs component health checks and serves the probe and
// operator HTTP surface.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/circuitbreaker"
)

// Status is the outcome of one check or of the service overall.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// CheckResult is the outcome of one component check.
type CheckResult struct {
	Component string        `json:"component"`
	Status    string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Critical  bool          `json:"critical"`
}

// Checker is one component health check.
type Checker interface {
	Name() string
	// Critical failures mark the whole service unhealthy; non-critical
	// ones only degrade it.
	Critical() bool
	Check(ctx context.Context) error
}

// Overall aggregates all component checks.
type Overall struct {
	Status     string        `json:"status"`
	Ready      bool          `json:"ready"`
	Live       bool          `json:"live"`
	Components []CheckResult `json:"components"`
	Timestamp  time.Time     `json:"timestamp"`
}

// checkTimeout bounds each individual component check.
const checkTimeout = 5 * time.Second

// Manager runs the registered checks on demand.
type Manager struct {
	checkers []Checker
	logger   *zap.Logger
}

// NewManager creates an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a checker. Not safe for concurrent use with Check; wire
// everything up before serving.
func (m *Manager) Register(c Checker) {
	m.checkers = append(m.checkers, c)
}

// Check runs every checker and aggregates the results.
func (m *Manager) Check(ctx context.Context) Overall {
	out := Overall{Status: StatusHealthy.String(), Ready: true, Live: true, Timestamp: time.Now()}
	criticalFailures := 0
	failures := 0

	for _, c := range m.checkers {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		start := time.Now()
		err := c.Check(cctx)
		cancel()

		result := CheckResult{
			Component: c.Name(),
			Status:    StatusHealthy.String(),
			Duration:  time.Since(start),
			Critical:  c.Critical(),
		}
		if err != nil {
			result.Status = StatusUnhealthy.String()
			result.Error = err.Error()
			failures++
			if c.Critical() {
				criticalFailures++
			}
			m.logger.Warn("Health check failed",
				zap.String("component", c.Name()),
				zap.Bool("critical", c.Critical()),
				zap.Error(err),
			)
		}
		out.Components = append(out.Components, result)
	}

	switch {
	case criticalFailures > 0:
		out.Status = StatusUnhealthy.String()
		out.Ready = false
	case failures > 0:
		out.Status = StatusDegraded.String()
	}
	return out
}

// Ready reports whether the service can serve requests.
func (m *Manager) Ready(ctx context.Context) bool {
	return m.Check(ctx).Ready
}

// PingChecker adapts a ping function into a Checker.
type PingChecker struct {
	name     string
	critical bool
	ping     func(ctx context.Context) error
}

// NewPingChecker wraps fn.
func NewPingChecker(name string, critical bool, fn func(ctx context.Context) error) *PingChecker {
	return &PingChecker{name: name, critical: critical, ping: fn}
}

func (p *PingChecker) Name() string                    { return p.name }
func (p *PingChecker) Critical() bool                  { return p.critical }
func (p *PingChecker) Check(ctx context.Context) error { return p.ping(ctx) }

// BreakerChecker reports a service degraded while its breaker is open.
// Open breakers never mark the service unhealthy; retrieval degrades
// instead of failing.
type BreakerChecker struct {
	breakers *circuitbreaker.Manager
	service  string
}

// NewBreakerChecker watches one breaker key.
func NewBreakerChecker(breakers *circuitbreaker.Manager, service string) *BreakerChecker {
	return &BreakerChecker{breakers: breakers, service: service}
}

func (b *BreakerChecker) Name() string   { return b.service }
func (b *BreakerChecker) Critical() bool { return false }

func (b *BreakerChecker) Check(ctx context.Context) error {
	if b.breakers.IsOpen(b.service) {
		return circuitbreaker.ErrCircuitOpen
	}
	return nil
}
