package resilience

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/circuitbreaker"
	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/kberrors"
	"github.com/knowledgecore/retrieval/internal/metrics"
)

// Policy wraps one upstream service. Ordering matters: the breaker admits
// the call once, then the retry loop runs inside it with a per-attempt
// timeout, so a full retry sequence that fails counts as exactly one
// breaker failure.
type Policy struct {
	service string
	timeout time.Duration
	retry   RetryConfig
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewPolicy builds the policy for a service key from its merged config and
// registers the breaker with the shared manager.
func NewPolicy(service string, rc config.ResilienceConfig, breakers *circuitbreaker.Manager, logger *zap.Logger) *Policy {
	breakers.Configure(service, circuitbreaker.Config{
		FailureThreshold:      rc.FailureThreshold,
		SuccessThreshold:      rc.SuccessThreshold,
		RecoveryTimeout:       rc.RecoveryTimeout,
		HalfOpenMaxConcurrent: rc.HalfOpenMaxConcurrent,
	})
	return &Policy{
		service: service,
		timeout: rc.Timeout,
		retry: RetryConfig{
			MaxAttempts: rc.MaxAttempts,
			BaseDelay:   rc.BaseDelay,
			MaxDelay:    rc.MaxDelay,
			Jitter:      rc.Jitter,
		},
		breaker: breakers.Get(service),
		logger:  logger.With(zap.String("service", service)),
	}
}

// Service returns the service key this policy protects.
func (p *Policy) Service() string { return p.service }

// Available reports whether the breaker would admit a call right now.
func (p *Policy) Available() bool { return p.breaker.Available() }

// Execute runs fn under the full protection stack and records metrics.
func (p *Policy) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := p.breaker.Execute(ctx, func() error {
		return Retry(ctx, p.retry, func(ctx context.Context) error {
			attemptCtx := ctx
			if p.timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, p.timeout)
				defer cancel()
			}
			err := fn(attemptCtx)
			if attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
				return kberrors.Transient(p.service, attemptCtx.Err())
			}
			return err
		})
	})

	elapsed := time.Since(start).Seconds()
	switch {
	case err == nil:
		metrics.RecordUpstream(p.service, "ok", elapsed)
	case kberrors.CategoryOf(err) == kberrors.CategoryCircuit:
		metrics.RecordUpstream(p.service, "rejected", 0)
	default:
		metrics.RecordUpstream(p.service, "error", elapsed)
		p.logger.Warn("Upstream call failed",
			zap.Error(err),
			zap.Float64("elapsed_seconds", elapsed),
		)
	}
	return err
}
