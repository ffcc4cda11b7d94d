package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	cfg.SuccessThreshold = 2
	cfg.RecoveryTimeout = 50 * time.Millisecond
	cfg.HalfOpenMaxConcurrent = 2
	return cfg
}

func transientErr() error {
	return kberrors.Transient("test", errors.New("boom"))
}

func TestClosedToOpenAtThreshold(t *testing.T) {
	cb := New("test", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	// Two failures keep the circuit closed.
	for i := 0; i < 2; i++ {
		_ = cb.Execute(ctx, func() error { return transientErr() })
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after 2 failures, got %s", cb.State())
	}

	// The third failure trips it.
	_ = cb.Execute(ctx, func() error { return transientErr() })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 3 failures, got %s", cb.State())
	}

	// Calls are rejected without invoking the wrapped function.
	invoked := false
	err := cb.Execute(ctx, func() error { invoked = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}
	if invoked {
		t.Fatal("wrapped function must not run while open")
	}
}

func TestOpenToHalfOpenToClosed(t *testing.T) {
	cb := New("test", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return transientErr() })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	time.Sleep(60 * time.Millisecond)

	// The transition is lazy: the next call probes in half-open.
	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("probe should succeed, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after first probe, got %s", cb.State())
	}

	if err := cb.Execute(ctx, func() error { return nil }); err != nil {
		t.Fatalf("second probe should succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %s", cb.State())
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New("test", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return transientErr() })
	}
	time.Sleep(60 * time.Millisecond)

	_ = cb.Execute(ctx, func() error { return transientErr() })
	if cb.State() != StateOpen {
		t.Fatalf("expected open after half-open failure, got %s", cb.State())
	}
}

func TestHalfOpenConcurrencyCap(t *testing.T) {
	cb := New("test", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return transientErr() })
	}
	time.Sleep(60 * time.Millisecond)

	// Hold two probes in flight; a third admission must be rejected.
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			done <- cb.Execute(ctx, func() error {
				started <- struct{}{}
				<-release
				return nil
			})
		}()
	}
	<-started
	<-started

	err := cb.Execute(ctx, func() error { return nil })
	if !errors.Is(err, ErrTooManyRequests) && !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected probe rejection, got %v", err)
	}

	close(release)
	<-done
	<-done
}

func TestExcludedErrorsDoNotCount(t *testing.T) {
	cb := New("test", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	// Permanent rejections pass through without opening the circuit.
	for i := 0; i < 10; i++ {
		err := cb.Execute(ctx, func() error { return kberrors.ErrProviderRejected })
		if !errors.Is(err, kberrors.ErrProviderRejected) {
			t.Fatalf("expected the error to propagate, got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("excluded errors must not open the circuit, got %s", cb.State())
	}
	if got := cb.Counts().ConsecutiveFailures; got != 0 {
		t.Fatalf("excluded errors must not count, got %d", got)
	}
}

func TestResetIdempotence(t *testing.T) {
	cb := New("test", testConfig(), zaptest.NewLogger(t))
	ctx := context.Background()

	// Reset on closed is a no-op.
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return transientErr() })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("reset must close the circuit, got %s", cb.State())
	}
	if counts := cb.Counts(); counts != (Counts{}) {
		t.Fatalf("reset must zero counters, got %+v", counts)
	}
}

func TestForceOpen(t *testing.T) {
	cb := New("test", testConfig(), zaptest.NewLogger(t))
	cb.ForceOpen()
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	err := cb.Execute(context.Background(), func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected CircuitOpen, got %v", err)
	}
}

func TestManagerPerKeyIsolation(t *testing.T) {
	m := NewManager(zaptest.NewLogger(t))
	m.Configure("embedding", testConfig())

	a := m.Get("embedding")
	b := m.Get("rerank")
	if a == b {
		t.Fatal("distinct keys must get distinct breakers")
	}
	if m.Get("embedding") != a {
		t.Fatal("same key must return the same breaker")
	}

	a.ForceOpen()
	if !m.IsOpen("embedding") {
		t.Fatal("embedding should report open")
	}
	if m.IsOpen("rerank") {
		t.Fatal("rerank should be unaffected")
	}

	if !m.Reset("embedding") {
		t.Fatal("reset of known key should report true")
	}
	if m.Reset("nope") {
		t.Fatal("reset of unknown key should report false")
	}

	status := m.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(status))
	}
	if status[0].Key != "embedding" || status[1].Key != "rerank" {
		t.Fatalf("status must be sorted by key, got %+v", status)
	}
}
