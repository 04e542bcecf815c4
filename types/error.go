package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the fleet control plane.
type ErrorCode string

// Request / configuration error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrInvalidConfig  ErrorCode = "INVALID_CONFIG"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrForbidden      ErrorCode = "FORBIDDEN"
	ErrRateLimited    ErrorCode = "RATE_LIMITED"
)

// Fleet error codes
const (
	ErrAgentNotFound      ErrorCode = "AGENT_NOT_FOUND"
	ErrCheckpointNotFound ErrorCode = "CHECKPOINT_NOT_FOUND"
	ErrAlreadyStarted     ErrorCode = "ALREADY_STARTED"
	ErrNotRunning         ErrorCode = "NOT_RUNNING"
	ErrShutdownTimeout    ErrorCode = "SHUTDOWN_TIMEOUT"
	ErrHandoffFailed      ErrorCode = "HANDOFF_FAILED"
	ErrHandoffNotFound    ErrorCode = "HANDOFF_NOT_FOUND"
)

// Infrastructure error codes
const (
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrTimeout            ErrorCode = "TIMEOUT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	AgentID    string    `json:"agent_id,omitempty"`
	Cause      error     `json:"-"`
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

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithAgent records the agent the error refers to.
func (e *Error) WithAgent(agentID string) *Error {
	e.AgentID = agentID
	return e
}

// AsError extracts a *Error from an error chain.
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

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}

// NewAgentNotFoundError is returned by operations that must distinguish
// "never registered" from "no data yet".
func NewAgentNotFoundError(agentID string) *Error {
	return Errorf(ErrAgentNotFound, "agent %q is not registered", agentID).WithAgent(agentID)
}

// NewInvalidRequestError creates an INVALID_REQUEST error.
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message)
}
