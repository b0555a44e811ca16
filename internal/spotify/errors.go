// SPDX-License-Identifier: MIT

package spotify

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrUnauthenticated = errors.New("spotify: access token rejected (401)")
	ErrForbidden       = errors.New("spotify: access forbidden (403)")
	ErrRateLimited     = errors.New("spotify: rate limited (429)")
	ErrProviderDown    = errors.New("spotify: provider error (5xx)")
	ErrAPI             = errors.New("spotify: request rejected (4xx)")
	ErrTransport       = errors.New("spotify: transport or decode failure")
	ErrInvalidInput    = errors.New("spotify: invalid request input")
	ErrInvalidGrant    = errors.New("spotify: refresh token revoked (invalid_grant)")
)

// Error wraps a sentinel with call context. Callers branch on the sentinel via
// errors.Is and read RetryAfterSeconds for ErrRateLimited.
type Error struct {
	Sentinel          error
	Operation         string
	Status            int
	RetryAfterSeconds int
	Err               error // nested lower-level error (e.g. net.Error)
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("spotify: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Sentinel }

// RetryAfter extracts the Retry-After interval in seconds from a rate-limit
// error. The second return is false for any other error kind.
func RetryAfter(err error) (int, bool) {
	if !errors.Is(err, ErrRateLimited) {
		return 0, false
	}
	var se *Error
	if errors.As(err, &se) && se.RetryAfterSeconds > 0 {
		return se.RetryAfterSeconds, true
	}
	return defaultRetryAfterSeconds, true
}

// ShouldCount reports whether an error is meaningful to a circuit breaker.
// Auth and validation failures do not indicate an unhealthy upstream.
func ShouldCount(err error) bool {
	return errors.Is(err, ErrProviderDown) || errors.Is(err, ErrTransport)
}

// Retryable reports whether the queue layer should retry the job attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderDown) ||
		errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrRateLimited)
}
