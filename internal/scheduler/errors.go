package scheduler

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes scheduler failures.
type ErrorCode string

const (
	// ErrCodeOverloaded indicates the task was shed by backpressure: the
	// token bucket was exhausted under high load and the task's priority
	// was not high enough to be admitted anyway.
	ErrCodeOverloaded ErrorCode = "OVERLOADED"

	// ErrCodeExpired indicates a queued task's deadline elapsed before it
	// started running.
	ErrCodeExpired ErrorCode = "EXPIRED"

	// ErrCodeCancelled indicates the task was cancelled or cleared while
	// still queued.
	ErrCodeCancelled ErrorCode = "CANCELLED"

	// ErrCodeStopped indicates the scheduler was shut down before the task
	// could run.
	ErrCodeStopped ErrorCode = "STOPPED"
)

// Error is a typed scheduler failure carried inside a Result. Admission
// errors are never returned as Go errors from Schedule - they resolve the
// task's Future so callers have exactly one place to look.
type Error struct {
	Code    ErrorCode
	Message string
	TaskID  string
}

func (e *Error) Error() string {
	if e.TaskID != "" {
		return fmt.Sprintf("%s: %s (task=%s)", e.Code, e.Message, e.TaskID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsOverloaded reports whether err is a backpressure rejection.
func IsOverloaded(err error) bool {
	return hasCode(err, ErrCodeOverloaded)
}

// IsExpired reports whether err is a deadline expiry.
func IsExpired(err error) bool {
	return hasCode(err, ErrCodeExpired)
}

// IsCancelled reports whether err is a queue cancellation.
func IsCancelled(err error) bool {
	return hasCode(err, ErrCodeCancelled)
}

func hasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
