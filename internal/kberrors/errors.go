// Package kberrors defines the error taxonomy shared by the retrieval core.
// Errors carry a Category that the resilience layer uses to decide whether a
// failure is retryable and whether it counts against a circuit breaker.
package kberrors

import (
	"errors"
	"fmt"
)

// Category classifies an error for resilience decisions.
type Category int

const (
	// CategoryInput covers caller mistakes: bad query, unknown KB, bad dims.
	// Never retried, never counted by circuit breakers.
	CategoryInput Category = iota
	// CategoryTransient covers connection/timeout/5xx-class upstream failures.
	// Retried and counted by circuit breakers.
	CategoryTransient
	// CategoryPermanent covers 4xx-class upstream rejections (auth, bad
	// request). Not retried and excluded from breaker accounting.
	CategoryPermanent
	// CategoryCircuit marks calls rejected by an open breaker.
	CategoryCircuit
	// CategoryState covers corrupted or inconsistent local state.
	CategoryState
	// CategoryInternal covers programmer errors surfaced as InternalError.
	CategoryInternal
)

func (c Category) String() string {
	switch c {
	case CategoryInput:
		return "input"
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryCircuit:
		return "circuit"
	case CategoryState:
		return "state"
	case CategoryInternal:
		return "internal"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidQuery       = &Error{Code: "InvalidQuery", Category: CategoryInput, Message: "query is empty or exceeds length limits"}
	ErrKBNotFound         = &Error{Code: "KBNotFound", Category: CategoryInput, Message: "knowledge base does not exist"}
	ErrKBInactive         = &Error{Code: "KBInactive", Category: CategoryInput, Message: "knowledge base is inactive"}
	ErrDimensionMismatch  = &Error{Code: "DimensionMismatch", Category: CategoryInput, Message: "embedding dimension does not match collection"}
	ErrCircuitOpen        = &Error{Code: "CircuitOpen", Category: CategoryCircuit, Message: "circuit breaker is open"}
	ErrProviderRejected   = &Error{Code: "ProviderRejected", Category: CategoryPermanent, Message: "provider rejected the request"}
	ErrServiceUnavailable = &Error{Code: "ServiceUnavailable", Category: CategoryTransient, Message: "all retrieval upstreams are unavailable"}
	ErrIndexCorrupt       = &Error{Code: "IndexCorrupt", Category: CategoryState, Message: "persisted index failed to load"}
	ErrInternal           = &Error{Code: "InternalError", Category: CategoryInternal, Message: "internal error"}
)

// Error is the structured error type used across the core.
type Error struct {
	Code     string
	Category Category
	Message  string
	Details  map[string]string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on Code so wrapped instances compare equal to the sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// New creates an error with the given code and category.
func New(code string, category Category, message string) *Error {
	return &Error{Code: code, Category: category, Message: message}
}

// Wrap attaches a cause and optional details to a sentinel, preserving its
// code and category for Is/As matching.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{
		Code:     sentinel.Code,
		Category: sentinel.Category,
		Message:  sentinel.Message,
		cause:    cause,
	}
}

// Wrapf is Wrap with a formatted message replacing the sentinel's default.
func Wrapf(sentinel *Error, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:     sentinel.Code,
		Category: sentinel.Category,
		Message:  fmt.Sprintf(format, args...),
		cause:    cause,
	}
}

// Transient wraps an upstream failure as retryable.
func Transient(service string, cause error) *Error {
	return &Error{
		Code:     "Upstream",
		Category: CategoryTransient,
		Message:  service + " call failed",
		cause:    cause,
	}
}

// CategoryOf extracts the category from err, defaulting to transient for
// plain errors (network errors from stdlib arrive untyped).
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryTransient
}

// IsRetryable reports whether the resilience layer may retry err.
func IsRetryable(err error) bool {
	return CategoryOf(err) == CategoryTransient
}

// CountsForBreaker reports whether err should be counted as a breaker
// failure. Input, permanent and internal errors pass through uncounted.
func CountsForBreaker(err error) bool {
	switch CategoryOf(err) {
	case CategoryTransient, CategoryState:
		return true
	default:
		return false
	}
}
