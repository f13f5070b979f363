package provider

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies provider failures into the small set of categories
// the runtime bases retry and UX decisions on.
type ErrorCode string

const (
	// ErrorRateLimited indicates the provider is throttling requests.
	ErrorRateLimited ErrorCode = "RATE_LIMITED"

	// ErrorContextExceeded indicates the request exceeds the model context
	// window; retrying without changing the request will not succeed.
	ErrorContextExceeded ErrorCode = "CONTEXT_EXCEEDED"

	// ErrorAuthFailed indicates authentication or authorization failures.
	ErrorAuthFailed ErrorCode = "AUTH_FAILED"

	// ErrorNetwork indicates a transient transport failure (timeouts,
	// connection resets, provider 5xx) where a retry may succeed.
	ErrorNetwork ErrorCode = "NETWORK"

	// ErrorUnknown indicates an unclassified provider failure.
	ErrorUnknown ErrorCode = "UNKNOWN"
)

// Error describes a failure returned by a model provider. It crosses package
// boundaries so the runtime can surface stable, structured information to
// callers and make retry decisions.
type Error struct {
	provider   string
	code       ErrorCode
	message    string
	retryable  bool
	retryAfter *time.Duration
	cause      error
}

// NewError constructs a provider error. code is required; cause may be nil
// but is recommended to preserve the original error chain.
func NewError(providerName string, code ErrorCode, message string, retryable bool, cause error) *Error {
	if code == "" {
		code = ErrorUnknown
	}
	return &Error{
		provider:  providerName,
		code:      code,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// WithRetryAfter attaches the provider-suggested retry delay.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.retryAfter = &d
	return e
}

// Provider returns the provider identifier, for example "anthropic".
func (e *Error) Provider() string { return e.provider }

// Code returns the coarse failure classification.
func (e *Error) Code() ErrorCode { return e.code }

// Message returns the provider error message when available.
func (e *Error) Message() string { return e.message }

// Retryable reports whether retrying the call may succeed without changing
// the request.
func (e *Error) Retryable() bool { return e.retryable }

// RetryAfter returns the provider-suggested retry delay, or nil.
func (e *Error) RetryAfter() *time.Duration { return e.retryAfter }

// Error implements error.
func (e *Error) Error() string {
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.provider != "" {
		return fmt.Sprintf("%s %s: %s", e.provider, e.code, msg)
	}
	return fmt.Sprintf("%s: %s", e.code, msg)
}

// Unwrap returns the underlying error to preserve the original chain.
func (e *Error) Unwrap() error { return e.cause }

// AsError returns the first provider Error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
