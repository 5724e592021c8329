package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Store and lookup error codes
const (
	ErrWorkflowNotFound ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrNodeNotFound     ErrorCode = "NODE_NOT_FOUND"
	ErrUnknownClass     ErrorCode = "UNKNOWN_CLASS"
	ErrStore            ErrorCode = "STORE_ERROR"
	ErrCorruptRecord    ErrorCode = "CORRUPT_RECORD"
)

// Graph construction error codes
const (
	ErrInvalidDependency ErrorCode = "INVALID_DEPENDENCY"
	ErrInvalidClass      ErrorCode = "INVALID_CLASS"
	ErrAlreadySetup      ErrorCode = "ALREADY_SETUP"
)

// Coordination error codes
const (
	ErrLockTimeout    ErrorCode = "LOCK_TIMEOUT"
	ErrBatchNotFound  ErrorCode = "BATCH_NOT_FOUND"
	ErrDispatchFailed ErrorCode = "DISPATCH_FAILED"
	ErrJobFailed      ErrorCode = "JOB_FAILED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Op        string    `json:"op,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.Op != "" {
		prefix = fmt.Sprintf("[%s] %s", e.Code, e.Op)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
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

// WithOp records the operation that failed.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// AsError extracts an *Error from the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
