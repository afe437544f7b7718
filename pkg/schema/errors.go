package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeGraphConfig       = "GRAPH_CONFIG"
	ErrCodeTaskFault         = "TASK_FAULT"
	ErrCodeAssertFailed      = "ASSERT_FAILED"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeExpression        = "EXPRESSION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
	ErrCodeTaskUnavailable   = "TASK_UNAVAILABLE"
)

// FlowError is the structured error type for all chartflow operations.
type FlowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *FlowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// HasCode reports whether err is (or wraps) a FlowError with the code.
func HasCode(err error, code string) bool {
	var fe *FlowError
	return errors.As(err, &fe) && fe.Code == code
}

// IsRetryable reports whether the error class is worth retrying. Faults
// from the outside world may pass on a second attempt; configuration and
// semantic errors never will.
func (e *FlowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTaskFault, ErrCodeTimeout, ErrCodeStore:
		return true
	default:
		return false
	}
}

// WithNode attaches a node ID to the error.
func (e *FlowError) WithNode(nodeID string) *FlowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *FlowError) WithDetails(details map[string]any) *FlowError {
	e.Details = details
	return e
}
