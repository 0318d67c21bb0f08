package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the machine-readable classification of an error.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindValidation        Kind = "validation"
	KindAuthRequired      Kind = "auth_required"
	KindForbidden         Kind = "forbidden"
	KindRateLimited       Kind = "rate_limited"
	KindTransient         Kind = "transient"
	KindSandboxSecurity   Kind = "sandbox_security"
	KindResourceExhausted Kind = "resource_exhausted"
	KindUnavailable       Kind = "service_unavailable"
	KindAlreadyRunning    Kind = "already_running"
	KindParse             Kind = "parse_error"
	KindInternal          Kind = "internal"
)

// Error carries a classification tag alongside free-text detail.
// Internal errors additionally get a correlation id so the opaque
// message surfaced to callers can be matched against logs.
type Error struct {
	Kind          Kind
	Detail        string
	CorrelationID string

	// RetryAfter is the server-advertised wait on rate-limited errors.
	// Zero when the server did not advertise one.
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError creates a classified error.
func NewError(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// WrapError classifies an underlying error.
func WrapError(kind Kind, detail string, cause error) *Error {
	return &Error{Kind: kind, Detail: detail, cause: cause}
}

// Errorf creates a classified error with a formatted detail string.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// RateLimitedError creates a rate-limited error carrying the
// server-advertised wait, if any.
func RateLimitedError(detail string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Detail: detail, RetryAfter: retryAfter}
}

// RetryAfterOf returns the server-advertised wait carried by err, or
// zero when there is none.
func RetryAfterOf(err error) time.Duration {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

// InternalError wraps an unclassified failure and assigns a correlation id.
func InternalError(detail string, cause error) *Error {
	return &Error{
		Kind:          KindInternal,
		Detail:        detail,
		CorrelationID: uuid.NewString(),
		cause:         cause,
	}
}

// KindOf returns the classification of err, or KindInternal when the
// error carries no classification anywhere in its chain.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether any error in the chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == kind
	}
	return false
}

// Retryable reports whether the classification permits an internal retry.
// Sandbox violations are never retried; resource exhaustion is retried
// once by the caller and is therefore reported as retryable here.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindRateLimited, KindResourceExhausted:
		return true
	default:
		return false
	}
}
