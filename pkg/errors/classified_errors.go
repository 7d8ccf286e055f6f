// Package errors provides classified errors for the request pipeline.
// Every failure that can surface to a caller carries a stable code, a
// short user-safe message, and a classification that determines HTTP
// status mapping and retry behavior.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorClass represents the classification of an error
type ErrorClass int

const (
	// ClassUnknown indicates an unclassified error
	ClassUnknown ErrorClass = iota
	// ClassValidation indicates input validation failure
	ClassValidation
	// ClassUnauthenticated indicates a missing or invalid credential
	ClassUnauthenticated
	// ClassForbidden indicates the caller does not own the resource
	ClassForbidden
	// ClassRateLimited indicates a sliding-window deny or quota exhaustion
	ClassRateLimited
	// ClassNotFound indicates a referenced resource is absent
	ClassNotFound
	// ClassDependency indicates an embedding or completion provider failure
	ClassDependency
	// ClassConsistency indicates an internal invariant violation such as
	// a vector dimension mismatch or an invalidation cycle
	ClassConsistency
	// ClassTimeout indicates a deadline elapsed
	ClassTimeout
	// ClassInternal indicates any other unexpected condition
	ClassInternal
)

// RetryStrategy defines how to retry an operation
type RetryStrategy struct {
	ShouldRetry       bool          `json:"should_retry"`
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	// RetryAfter is the caller-facing retry delay for rate limiting
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// ClassifiedError is an error with classification and retry information
type ClassifiedError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Class   ErrorClass  `json:"class"`
	Details interface{} `json:"details,omitempty"`

	Operation string    `json:"operation,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Retry *RetryStrategy `json:"retry,omitempty"`

	cause error
}

// Error implements the error interface
func (e *ClassifiedError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Operation, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ClassifiedError) Unwrap() error { return e.cause }

// IsRetryable returns true if the error should be retried
func (e *ClassifiedError) IsRetryable() bool {
	return e.Retry != nil && e.Retry.ShouldRetry
}

// CodePayloadTooLarge marks oversized inputs that map to 413 rather
// than a plain validation 400.
const CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"

// HTTPStatus maps the classification to an HTTP status code
func (e *ClassifiedError) HTTPStatus() int {
	if e.Code == CodePayloadTooLarge {
		return http.StatusRequestEntityTooLarge
	}
	switch e.Class {
	case ClassValidation:
		return http.StatusBadRequest
	case ClassUnauthenticated:
		return http.StatusUnauthorized
	case ClassForbidden:
		return http.StatusForbidden
	case ClassNotFound:
		return http.StatusNotFound
	case ClassRateLimited:
		return http.StatusTooManyRequests
	case ClassDependency:
		return http.StatusServiceUnavailable
	case ClassTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new classified error
func New(code string, message string, class ErrorClass) *ClassifiedError {
	return &ClassifiedError{
		Code:      code,
		Message:   message,
		Class:     class,
		Timestamp: time.Now().UTC(),
	}
}

// Wrap creates a classified error wrapping a cause
func Wrap(cause error, code string, message string, class ErrorClass) *ClassifiedError {
	return &ClassifiedError{
		Code:      code,
		Message:   message,
		Class:     class,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// WithOperation attaches the failed operation name
func (e *ClassifiedError) WithOperation(op string) *ClassifiedError {
	e.Operation = op
	return e
}

// WithDetails attaches sanitized, caller-visible details
func (e *ClassifiedError) WithDetails(details interface{}) *ClassifiedError {
	e.Details = details
	return e
}

// WithRetryAfter marks the error rate-limited with a caller-facing delay
func (e *ClassifiedError) WithRetryAfter(d time.Duration) *ClassifiedError {
	e.Retry = &RetryStrategy{ShouldRetry: true, RetryAfter: d}
	return e
}

// Transient marks the error retryable with bounded exponential backoff
func (e *ClassifiedError) Transient() *ClassifiedError {
	e.Retry = &RetryStrategy{
		ShouldRetry:       true,
		MaxAttempts:       3,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
	}
	return e
}

// Convenience constructors for the common kinds.

// Validation creates a validation error
func Validation(message string) *ClassifiedError {
	return New("VALIDATION_FAILED", message, ClassValidation)
}

// Unauthenticated creates an authentication error
func Unauthenticated(message string) *ClassifiedError {
	return New("UNAUTHENTICATED", message, ClassUnauthenticated)
}

// Forbidden creates an access-denied error
func Forbidden(message string) *ClassifiedError {
	return New("FORBIDDEN", message, ClassForbidden)
}

// RateLimited creates a rate-limit error with retry-after
func RateLimited(message string, retryAfter time.Duration) *ClassifiedError {
	return New("RATE_LIMITED", message, ClassRateLimited).WithRetryAfter(retryAfter)
}

// NotFound creates a not-found error
func NotFound(message string) *ClassifiedError {
	return New("NOT_FOUND", message, ClassNotFound)
}

// Dependency creates a provider failure error
func Dependency(cause error, message string) *ClassifiedError {
	return Wrap(cause, "DEPENDENCY_FAILED", message, ClassDependency)
}

// Consistency creates an invariant-violation error
func Consistency(message string) *ClassifiedError {
	return New("CONSISTENCY_VIOLATION", message, ClassConsistency)
}

// Timeout creates a deadline-elapsed error
func Timeout(message string) *ClassifiedError {
	return New("TIMEOUT", message, ClassTimeout)
}

// Internal creates an internal error; the cause is never surfaced
func Internal(cause error) *ClassifiedError {
	return Wrap(cause, "INTERNAL", "internal error", ClassInternal)
}

// AsClassified extracts a ClassifiedError from an error chain, or wraps
// the error as internal when no classification is present.
func AsClassified(err error) *ClassifiedError {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce
	}
	return Internal(err)
}

// Is reports whether err carries the given class anywhere in its chain
func Is(err error, class ErrorClass) bool {
	var ce *ClassifiedError
	if stderrors.As(err, &ce) {
		return ce.Class == class
	}
	return false
}
