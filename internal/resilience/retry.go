// Package resilience composes the per-service protections around every
// upstream call: a per-attempt timeout, a retry loop with jittered
// exponential backoff, and a circuit breaker that treats the whole retry
// sequence as a single call.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

// RetryConfig bounds the retry loop.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // fraction of the delay randomized in both directions
}

// DefaultRetryConfig returns 3 attempts, 1s base, 30s cap, 50% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.5,
	}
}

// Backoff returns the delay before retry attempt (attempt is 0-based: the
// delay after the first failure is Backoff(0)). The deterministic delay is
// base * 2^attempt capped at MaxDelay, then jittered by +/- Jitter.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	delay := c.BaseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.MaxDelay {
			delay = c.MaxDelay
			break
		}
	}
	if delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	if c.Jitter > 0 {
		// Scale into [delay*(1-j), delay*(1+j)], still capped.
		f := 1 - c.Jitter + 2*c.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * f)
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return delay
}

// Retry runs fn up to MaxAttempts times, sleeping Backoff between attempts.
// Only transient errors are retried; everything else returns immediately.
// Context cancellation aborts the loop, including mid-backoff.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(cfg.Backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return kberrors.Transient("retry", ctx.Err())
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !kberrors.IsRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
