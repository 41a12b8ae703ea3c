package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the runtime.
type ErrorCode string

// Lifecycle error codes
const (
	ErrAlreadyStarted    ErrorCode = "ALREADY_STARTED"
	ErrAlreadyClosed     ErrorCode = "ALREADY_CLOSED"
	ErrNotStarted        ErrorCode = "NOT_STARTED"
	ErrInitializeTimeout ErrorCode = "INITIALIZE_TIMEOUT"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// Job error codes
const (
	ErrAlreadyRunningJob ErrorCode = "ALREADY_RUNNING_JOB"
	ErrStatusUnavailable ErrorCode = "STATUS_UNAVAILABLE"
	ErrJobNotFound       ErrorCode = "JOB_NOT_FOUND"
	ErrJobFailed         ErrorCode = "JOB_FAILED"
)

// IPC and inference error codes
const (
	ErrProtocol        ErrorCode = "PROTOCOL_ERROR"
	ErrUnitUnavailable ErrorCode = "UNIT_UNAVAILABLE"
	ErrExecutorClosed  ErrorCode = "EXECUTOR_CLOSED"
	ErrInference       ErrorCode = "INFERENCE_FAILED"
	ErrRunnerNotFound  ErrorCode = "RUNNER_NOT_FOUND"
	ErrMemoryLimit     ErrorCode = "MEMORY_LIMIT"
	ErrOrphaned        ErrorCode = "ORPHANED"
	ErrInternalError   ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error carrying the same code, so package
// sentinels match errors built later with a different message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether any error in the chain carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
