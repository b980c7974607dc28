package stage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failure for retry and run-state decisions.
type Kind string

const (
	// KindTransient failures (timeouts, rate limiting, 5xx) are retried.
	KindTransient Kind = "transient"
	// KindValidation failures (bad source, bad config) fail the run immediately.
	KindValidation Kind = "validation"
	// KindPartial marks a degraded but usable outcome.
	KindPartial Kind = "partial"
	// KindFatal failures indicate a defect or a violated invariant.
	KindFatal Kind = "fatal"
)

// Code identifies a specific failure condition.
// Codes are strings so they read well in logs and in the persisted run log.
type Code string

const (
	CodeTimeout           Code = "TIMEOUT"
	CodeNetwork           Code = "NETWORK_ERROR"
	CodeRateLimit         Code = "RATE_LIMIT_EXCEEDED"
	CodeUnavailable       Code = "SERVICE_UNAVAILABLE"
	CodeInvalidInput      Code = "INVALID_INPUT"
	CodeInvalidConfig     Code = "INVALID_CONFIGURATION"
	CodeSourceUnreachable Code = "SOURCE_UNREACHABLE"
	CodeSchemaMismatch    Code = "SCHEMA_MISMATCH"
	CodeTemplateRender    Code = "TEMPLATE_RENDER_ERROR"
	CodeNoInsights        Code = "NO_INSIGHTS"
	CodePublishFailed     Code = "PUBLISH_FAILED"
	CodeHostingFailed     Code = "HOSTING_FAILED"
	CodeRunConflict       Code = "RUN_CONFLICT"
	CodeSuperseded        Code = "SUPERSEDED"
	CodeInternal          Code = "INTERNAL_ERROR"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable failure.
func Transient(code Code, err error) error {
	return &Error{Kind: KindTransient, Code: code, Err: err}
}

// Validation wraps err as a non-retryable input or configuration failure.
func Validation(code Code, err error) error {
	return &Error{Kind: KindValidation, Code: code, Err: err}
}

// Fatal wraps err as a non-retryable defect.
func Fatal(code Code, err error) error {
	return &Error{Kind: KindFatal, Code: code, Err: err}
}

// HTTPStatusError reports a non-success HTTP response from a remote service.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// KindOf returns the failure kind of err. Explicitly classified errors keep
// their kind; anything else goes through Classify.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return Classify(err)
}

// CodeOf returns the failure code of err, or CodeInternal when unclassified.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	var he *HTTPStatusError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == http.StatusTooManyRequests:
			return CodeRateLimit
		case he.StatusCode >= 500:
			return CodeUnavailable
		default:
			return CodeInvalidInput
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) {
		if ne.Timeout() {
			return CodeTimeout
		}
		return CodeNetwork
	}
	return CodeInternal
}

// Classify maps raw errors from HTTP clients and the network stack onto a Kind.
// Unknown errors are fatal: only failures known to be transient are retried.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var he *HTTPStatusError
	if errors.As(err, &he) {
		if he.StatusCode == http.StatusTooManyRequests || he.StatusCode == http.StatusRequestTimeout || he.StatusCode >= 500 {
			return KindTransient
		}
		return KindValidation
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransient
	}
	return KindFatal
}

// IsRetryable reports whether err may succeed on another attempt.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
