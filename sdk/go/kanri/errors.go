// Package kanri provides a Go client for the Kanri run governance API,
// including a reconnecting consumer for the event stream.
package kanri

import (
	"errors"
	"fmt"
)

// Error represents an error from the Kanri API with the HTTP status code
// and the server's stable error code and message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kanri: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// ErrGivingUp is returned by StreamRun after the reconnect attempt budget is
// exhausted. It always wraps the last transport error, so the caller sees
// both the terminal give-up and its cause.
var ErrGivingUp = errors.New("kanri: giving up after exhausting reconnect attempts")

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 404
	}
	return false
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 401
	}
	return false
}

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 403
	}
	return false
}

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 429
	}
	return false
}

// IsConflict returns true if the error is a 409. Covers resolution
// races and tool call budget exhaustion.
func IsConflict(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 409
	}
	return false
}

// IsExpired returns true if the error is a 410: the approval deadline
// passed before the resolution arrived.
func IsExpired(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == 410
	}
	return false
}
