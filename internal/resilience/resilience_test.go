package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/knowledgecore/retrieval/internal/circuitbreaker"
	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/kberrors"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Jitter:      0.5,
	}
}

func TestBackoffBounds(t *testing.T) {
	cfg := RetryConfig{
		BaseDelay: time.Second,
		MaxDelay:  30 * time.Second,
		Jitter:    0.5,
	}
	// Deterministic delays are 1s, 2s, 4s, ...; jitter keeps each within
	// +/- 50% and under the cap.
	for attempt := 0; attempt < 10; attempt++ {
		base := time.Second << uint(attempt)
		if base > 30*time.Second {
			base = 30 * time.Second
		}
		for i := 0; i < 50; i++ {
			d := cfg.Backoff(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.5), "attempt %d", attempt)
			assert.LessOrEqual(t, d, 30*time.Second, "attempt %d", attempt)
		}
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return kberrors.Transient("test", errors.New("flaky"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func(ctx context.Context) error {
		calls++
		return kberrors.ErrProviderRejected
	})
	assert.ErrorIs(t, err, kberrors.ErrProviderRejected)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(), func(ctx context.Context) error {
		calls++
		return kberrors.Transient("test", errors.New("down"))
	})
	require.Error(t, err)
	assert.True(t, kberrors.IsRetryable(err))
	assert.Equal(t, 3, calls)
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	cfg := fastRetry()
	cfg.BaseDelay = time.Hour // the cancel must interrupt the backoff sleep
	cfg.Jitter = 0

	errCh := make(chan error, 1)
	go func() {
		errCh <- Retry(ctx, cfg, func(ctx context.Context) error {
			calls++
			return kberrors.Transient("test", errors.New("down"))
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}

func policyConfig() config.ResilienceConfig {
	rc := config.DefaultResilience()
	rc.Timeout = 50 * time.Millisecond
	rc.MaxAttempts = 3
	rc.BaseDelay = time.Millisecond
	rc.MaxDelay = 5 * time.Millisecond
	rc.FailureThreshold = 2
	rc.RecoveryTimeout = 50 * time.Millisecond
	return rc
}

func TestPolicyCountsRetrySequenceAsOneFailure(t *testing.T) {
	breakers := circuitbreaker.NewManager(zaptest.NewLogger(t))
	p := NewPolicy("llm:primary", policyConfig(), breakers, zaptest.NewLogger(t))

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		return kberrors.Transient("llm:primary", errors.New("down"))
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls, "all attempts run inside one breaker admission")

	counts := breakers.Get("llm:primary").Counts()
	assert.Equal(t, uint32(1), counts.ConsecutiveFailures,
		"the exhausted retry sequence is a single breaker failure")
}

func TestPolicyOpensBreakerAndRejects(t *testing.T) {
	breakers := circuitbreaker.NewManager(zaptest.NewLogger(t))
	p := NewPolicy("embedding", policyConfig(), breakers, zaptest.NewLogger(t))

	for i := 0; i < 2; i++ {
		_ = p.Execute(context.Background(), func(ctx context.Context) error {
			return kberrors.Transient("embedding", errors.New("down"))
		})
	}
	assert.True(t, breakers.IsOpen("embedding"))

	invoked := false
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		invoked = true
		return nil
	})
	assert.ErrorIs(t, err, kberrors.ErrCircuitOpen)
	assert.False(t, invoked)
}

func TestPolicyAppliesPerAttemptTimeout(t *testing.T) {
	breakers := circuitbreaker.NewManager(zaptest.NewLogger(t))
	rc := policyConfig()
	rc.Timeout = 20 * time.Millisecond
	rc.MaxAttempts = 2
	p := NewPolicy("rerank", rc, breakers, zaptest.NewLogger(t))

	calls := 0
	err := p.Execute(context.Background(), func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	require.Error(t, err)
	assert.True(t, kberrors.IsRetryable(err), "per-attempt deadline is transient")
	assert.Equal(t, 2, calls, "the timeout fires per attempt, not per sequence")
}

func TestPolicyPassesThroughInputErrors(t *testing.T) {
	breakers := circuitbreaker.NewManager(zaptest.NewLogger(t))
	p := NewPolicy("vectordb", policyConfig(), breakers, zaptest.NewLogger(t))

	for i := 0; i < 5; i++ {
		err := p.Execute(context.Background(), func(ctx context.Context) error {
			return kberrors.ErrDimensionMismatch
		})
		assert.ErrorIs(t, err, kberrors.ErrDimensionMismatch)
	}
	assert.False(t, breakers.IsOpen("vectordb"), "input errors must not trip the breaker")
}
