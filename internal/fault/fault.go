// Package fault defines the error vocabulary shared by every component:
// a closed set of error kinds, a structured error type that carries the
// kind alongside the underlying cause, and helpers for classifying errors
// pulled out of a chain.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind string

const (
	// KindInvalidInput marks caller-visible validation failures.
	KindInvalidInput Kind = "INVALID_INPUT"
	// KindBackendUnavailable marks a circuit-open or unreachable store.
	KindBackendUnavailable Kind = "BACKEND_UNAVAILABLE"
	// KindUpstreamFailure marks a non-success from embedding/vector/LLM services.
	KindUpstreamFailure Kind = "UPSTREAM_FAILURE"
	// KindExpired marks a message whose TTL elapsed before dequeue.
	KindExpired Kind = "EXPIRED"
	// KindMaxAttemptsExceeded marks a consumed retry budget.
	KindMaxAttemptsExceeded Kind = "MAX_ATTEMPTS_EXCEEDED"
	// KindHandlerPanic marks a recovered panic inside a message handler.
	KindHandlerPanic Kind = "HANDLER_PANIC"
	// KindShuttingDown marks operations rejected during shutdown.
	KindShuttingDown Kind = "SHUTTING_DOWN"
	// KindNotFound marks a missing session or job.
	KindNotFound Kind = "NOT_FOUND"
)

// Common sentinel errors for easy comparison.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrBackendUnavailable  = errors.New("backend unavailable")
	ErrUpstreamFailure     = errors.New("upstream failure")
	ErrExpired             = errors.New("message expired")
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	ErrHandlerPanic        = errors.New("handler panic")
	ErrShuttingDown        = errors.New("shutting down")
	ErrNotFound            = errors.New("not found")
)

// Error is a classified error with optional context fields.
type Error struct {
	// Kind is the error classification.
	Kind Kind `json:"kind"`
	// Message is the human-readable error message.
	Message string `json:"message"`
	// Cause is the underlying error.
	Cause error `json:"-"`
	// MessageID is the broker message involved (if applicable).
	MessageID string `json:"message_id,omitempty"`
	// Service is the service or dependency involved (if applicable).
	Service string `json:"service,omitempty"`
	// Retryable indicates if the operation can be retried.
	Retryable bool `json:"retryable"`
	// Details contains additional error details.
	Details map[string]interface{} `json:"details,omitempty"`
}

// New creates a classified error.
func New(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(kind),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return errors.Is(e.Cause, target)
}

// WithMessageID sets the broker message ID.
func (e *Error) WithMessageID(id string) *Error {
	e.MessageID = id
	return e
}

// WithService sets the service or dependency name.
func (e *Error) WithService(name string) *Error {
	e.Service = name
	return e
}

// WithDetail adds a detail to the error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// isRetryable determines if a kind represents a retryable condition.
// InvalidInput, Expired and NotFound never recover on their own, and a
// consumed retry budget must not re-enter the retry path.
func isRetryable(kind Kind) bool {
	switch kind {
	case KindBackendUnavailable, KindUpstreamFailure, KindHandlerPanic:
		return true
	default:
		return false
	}
}

// InvalidInput creates a caller-visible validation error.
func InvalidInput(message string) *Error {
	return New(KindInvalidInput, message, ErrInvalidInput)
}

// BackendUnavailable creates a store-unreachable error.
func BackendUnavailable(message string, cause error) *Error {
	return New(KindBackendUnavailable, message, cause)
}

// Upstream creates an upstream-service error.
func Upstream(service, message string, cause error) *Error {
	return New(KindUpstreamFailure, message, cause).WithService(service)
}

// Expired creates a TTL-elapsed error for a message.
func Expired(messageID string) *Error {
	return New(KindExpired, "message ttl elapsed", ErrExpired).WithMessageID(messageID)
}

// MaxAttempts creates a retry-budget-consumed error for a message.
func MaxAttempts(messageID string, attempts int) *Error {
	return New(KindMaxAttemptsExceeded, "retry budget consumed", ErrMaxAttemptsExceeded).
		WithMessageID(messageID).
		WithDetail("attempts", attempts)
}

// Panic creates a recovered-panic error for a message handler.
func Panic(messageID string, recovered interface{}) *Error {
	return New(KindHandlerPanic, fmt.Sprintf("handler panicked: %v", recovered), ErrHandlerPanic).
		WithMessageID(messageID)
}

// ShuttingDown creates a shutdown-rejection error.
func ShuttingDown(operation string) *Error {
	return New(KindShuttingDown, operation+" rejected during shutdown", ErrShuttingDown)
}

// NotFound creates a missing-resource error.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, fmt.Sprintf("%s %s not found", resource, id), ErrNotFound)
}

// KindOf extracts the kind from an error chain, or empty when unclassified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// IsRetryable reports whether the error should re-enter the retry path.
// Unclassified errors are treated as retryable so transient faults from
// user handlers are not silently dead-lettered on first failure.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return true
}

// MultiError aggregates errors from multi-part operations.
type MultiError struct {
	Errors []error
}

// Add appends a non-nil error.
func (e *MultiError) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

// Error implements the error interface.
func (e *MultiError) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("multiple errors (%d): %v", len(e.Errors), e.Errors[0])
}

// ErrorOrNil returns nil when no errors were added.
func (e *MultiError) ErrorOrNil() error {
	if len(e.Errors) > 0 {
		return e
	}
	return nil
}

// Unwrap returns the first error for errors.Is/errors.As compatibility.
func (e *MultiError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}
