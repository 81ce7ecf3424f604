package jobwatch

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrRateLimited matches any [TransportError] carrying HTTP 429.
	ErrRateLimited = errors.New("rate limited")

	// ErrNotStarted is returned by Refetch before Start has been called.
	ErrNotStarted = errors.New("poller not started")

	// ErrStopped is returned by Refetch after the session was torn down.
	ErrStopped = errors.New("poller stopped")
)

// TransportError describes a failed request to the marketplace API.
//
// Network failures, non-2xx responses and undecodable bodies all surface as
// a TransportError; the pollers do not distinguish between them beyond the
// rate-limit case. Callers that need finer messaging can inspect StatusCode.
type TransportError struct {
	// StatusCode is the HTTP status code, or zero if no response was received.
	StatusCode int

	// RetryAfter is the delay from the Retry-After response header.
	// Zero if the header was absent or unparseable.
	RetryAfter time.Duration

	// BodyRetryAfter is the delay from the retry_after field of the
	// response body. Used when the header is missing.
	BodyRetryAfter time.Duration

	// Detail is the server-provided error message, if any.
	Detail string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	msg := "request failed"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is reports whether target is [ErrRateLimited] and this error is a 429.
func (e *TransportError) Is(target error) bool {
	return target == ErrRateLimited && e.RateLimited()
}

// RateLimited reports whether the server rejected the request with 429.
func (e *TransportError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// RetryHint returns the server-suggested delay before the next attempt.
// The Retry-After header takes precedence over the body field.
func (e *TransportError) RetryHint() (time.Duration, bool) {
	if e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	if e.BodyRetryAfter > 0 {
		return e.BodyRetryAfter, true
	}
	return 0, false
}

// IsRateLimited reports whether err, or any error it wraps, is a rate-limit
// [TransportError].
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}

// RetryHint extracts the server-suggested delay from a wrapped [TransportError].
func RetryHint(err error) (time.Duration, bool) {
	var te *TransportError
	if !errors.As(err, &te) {
		return 0, false
	}
	return te.RetryHint()
}
