// Package apperr defines the error taxonomy shared by every layer.
//
// Lower layers wrap causes with fmt.Errorf; the dispatcher converts any
// error into an *Error with a stable wire code before it leaves the
// process. Nothing internal (stack traces, SQL text) crosses the wire.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the retry-relevant class of an error.
type Kind string

const (
	// KindValidation marks malformed or missing input, rejected before any
	// storage tier is touched. Never retried automatically.
	KindValidation Kind = "validation"

	// KindNotFound marks an absent identifier. Terminal.
	KindNotFound Kind = "not_found"

	// KindConflict marks a uniqueness or foreign-key breach. Terminal.
	KindConflict Kind = "conflict"

	// KindUnavailable marks a transient storage/index/network failure.
	// Safe to retry with backoff.
	KindUnavailable Kind = "unavailable"

	// KindUnauthorized marks a denied trust check.
	KindUnauthorized Kind = "unauthorized"

	// KindRateLimited marks a throttled agent.
	KindRateLimited Kind = "rate_limited"

	// KindInternal marks an unexpected failure, logged with full context
	// and reported to the client without leaking internals.
	KindInternal Kind = "internal"
)

// Stable wire codes. These strings are part of the protocol contract.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeMemoryNotFound    = "memory_not_found"
	CodeSessionNotFound   = "session_not_found"
	CodePermissionDenied  = "permission_denied"
	CodeStorageError      = "storage_error"
	CodeSearchError       = "search_error"
	CodeValidationError   = "validation_error"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInternalError     = "internal_error"
)

// Error is an application error carrying a taxonomy kind and a stable
// wire code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether a fresh request may succeed.
func (e *Error) Retryable() bool { return e.Kind == KindUnavailable }

// WithCause attaches an underlying error.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetail attaches a detail visible to the client.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// Validation builds a pre-storage rejection with the given wire code
// (invalid_request or validation_error).
func Validation(code, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a terminal missing-identifier error.
func NotFound(code, format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Conflict builds a terminal uniqueness/FK error, surfaced as validation_error.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Code: CodeValidationError, Message: fmt.Sprintf(format, args...)}
}

// Unavailable builds a retryable transient error.
func Unavailable(code, format string, args ...any) *Error {
	return &Error{Kind: KindUnavailable, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized builds a permission_denied error.
func Unauthorized(format string, args ...any) *Error {
	return &Error{Kind: KindUnauthorized, Code: CodePermissionDenied, Message: fmt.Sprintf(format, args...)}
}

// RateLimited builds a rate_limit_exceeded error.
func RateLimited(format string, args ...any) *Error {
	return &Error{Kind: KindRateLimited, Code: CodeRateLimitExceeded, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps an unexpected failure. The cause is kept for logging but
// the client only ever sees the generic message.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternalError, Message: "internal error", Cause: err}
}

// From coerces any error into an *Error. Context timeouts become retryable
// storage errors (no partial write is ever exposed); everything unmapped
// becomes internal_error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Unavailable(CodeStorageError, "operation timed out").WithCause(err)
	}
	return Internal(err)
}
