package memory

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrorStoreCommitFailure ErrorCode = "STORE_COMMIT_FAILURE"
	ErrorStoreReadFailure   ErrorCode = "STORE_READ_FAILURE"
	ErrorLockFailure        ErrorCode = "LOCK_FAILURE"
	ErrorCancelled          ErrorCode = "CANCELLED"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("memory: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("memory: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether the caller may rerun the whole thread later.
// Partially committed records are idempotent no-ops on retry.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Code {
	case ErrorStoreCommitFailure, ErrorStoreReadFailure, ErrorLockFailure:
		return true
	}
	return false
}

// IsRetryable reports whether err carries a retryable *Error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}
