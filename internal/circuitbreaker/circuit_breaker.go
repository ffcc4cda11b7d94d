// Package circuitbreaker implements a per-service circuit breaker used to
// wrap every external dependency of the retrieval core (embedding, vector
// store, rerank, LLM providers).
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/kberrors"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrCircuitOpen is returned when the breaker rejects a call outright.
	ErrCircuitOpen = kberrors.ErrCircuitOpen
	// ErrTooManyRequests is returned when the half-open probe budget is
	// exhausted. It carries the circuit category so callers degrade the
	// same way they do for an open breaker.
	ErrTooManyRequests = kberrors.New("CircuitOpen", kberrors.CategoryCircuit, "too many concurrent probes in half-open state")
)

// Classifier decides whether an error counts as a breaker failure.
// Errors it rejects (input errors, permanent rejections, programmer errors)
// pass through without touching the failure counters.
type Classifier func(error) bool

// Config holds circuit breaker configuration.
type Config struct {
	FailureThreshold      uint32        // consecutive counted failures to open
	SuccessThreshold      uint32        // consecutive successes in half-open to close
	RecoveryTimeout       time.Duration // open -> half-open delay (checked lazily)
	HalfOpenMaxConcurrent uint32        // max in-flight probes while half-open
	Counts                Classifier    // nil means kberrors.CountsForBreaker
	OnStateChange         func(name string, from, to State)
}

// DefaultConfig returns the standard production settings.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:      5,
		SuccessThreshold:      3,
		RecoveryTimeout:       60 * time.Second,
		HalfOpenMaxConcurrent: 3,
	}
}

// Counts holds the circuit breaker statistics for one generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// CircuitBreaker implements the circuit breaker pattern. State transitions
// are lazy: open circuits move to half-open on the next admission attempt
// after the recovery timeout, never on a timer.
type CircuitBreaker struct {
	name   string
	config Config
	logger *zap.Logger

	mutex            sync.RWMutex
	state            State
	generation       uint64
	counts           Counts
	halfOpenInFlight uint32
	lastFailure      time.Time
	openedAt         time.Time
}

// New creates a circuit breaker in the closed state.
func New(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 3
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.HalfOpenMaxConcurrent == 0 {
		config.HalfOpenMaxConcurrent = 3
	}
	if config.Counts == nil {
		config.Counts = kberrors.CountsForBreaker
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  StateClosed,
	}
}

// Execute runs fn if the breaker admits the call and accounts its outcome.
// Errors the classifier excludes are propagated without affecting state.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, outcomeFailure)
			panic(r)
		}
	}()

	err = fn()
	switch {
	case err == nil:
		cb.afterRequest(generation, outcomeSuccess)
	case cb.config.Counts(err):
		cb.afterRequest(generation, outcomeFailure)
	default:
		cb.afterRequest(generation, outcomeExcluded)
	}
	return err
}

// State returns the current state without forcing a lazy transition.
func (cb *CircuitBreaker) State() State {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

// Counts returns the current generation's counters.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.counts
}

// LastFailure returns the time of the most recent counted failure.
func (cb *CircuitBreaker) LastFailure() time.Time {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.lastFailure
}

// Available reports whether a call issued now would be admitted. It performs
// the lazy open -> half-open transition, so it is not a pure read.
func (cb *CircuitBreaker) Available() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state := cb.currentStateLocked(time.Now())
	if state == StateOpen {
		return false
	}
	if state == StateHalfOpen && cb.halfOpenInFlight >= cb.config.HalfOpenMaxConcurrent {
		return false
	}
	return true
}

// Reset returns the breaker to closed with zeroed counters. Resetting a
// closed circuit is a no-op apart from clearing counters.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	prev := cb.state
	cb.state = StateClosed
	cb.generation++
	cb.counts = Counts{}
	cb.halfOpenInFlight = 0
	if prev != StateClosed {
		cb.notify(prev, StateClosed)
	}
}

// ForceOpen trips the breaker manually. Used by operators to fence off a
// misbehaving upstream.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	if cb.state == StateOpen {
		return
	}
	now := time.Now()
	cb.lastFailure = now
	cb.setStateLocked(StateOpen, now)
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	outcomeExcluded
)

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state := cb.currentStateLocked(now)

	switch state {
	case StateOpen:
		return cb.generation, ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMaxConcurrent {
			return cb.generation, ErrTooManyRequests
		}
		cb.halfOpenInFlight++
	}

	cb.counts.Requests++
	return cb.generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, result outcome) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	state := cb.currentStateLocked(now)
	if state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	if cb.generation != before {
		// The breaker changed state while the call was in flight; the
		// outcome belongs to a generation that no longer exists.
		return
	}

	switch result {
	case outcomeSuccess:
		cb.onSuccessLocked(state, now)
	case outcomeFailure:
		cb.onFailureLocked(state, now)
	case outcomeExcluded:
		// Pass-through: no counter movement either way.
	}
}

// currentStateLocked applies the lazy open -> half-open transition.
func (cb *CircuitBreaker) currentStateLocked(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.lastFailure) >= cb.config.RecoveryTimeout {
		cb.setStateLocked(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) onSuccessLocked(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveFailures = 0
		cb.counts.ConsecutiveSuccesses++
	case StateHalfOpen:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		if cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.setStateLocked(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailureLocked(state State, now time.Time) {
	cb.lastFailure = now
	switch state {
	case StateClosed:
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		cb.counts.ConsecutiveSuccesses = 0
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setStateLocked(StateOpen, now)
	}
}

func (cb *CircuitBreaker) setStateLocked(state State, now time.Time) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.generation++
	preserved := cb.counts.ConsecutiveFailures
	cb.counts = Counts{}
	cb.halfOpenInFlight = 0
	if state == StateOpen {
		cb.openedAt = now
		// Keep the failure streak visible to operators while open.
		cb.counts.ConsecutiveFailures = preserved
	}
	cb.notify(prev, state)
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, from, to)
	}
	if cb.logger != nil {
		cb.logger.Info("Circuit breaker state changed",
			zap.String("name", cb.name),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
}
