package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeAlreadyRunning    = "ALREADY_RUNNING"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTriggerEvaluation = "TRIGGER_EVALUATION_ERROR"
	ErrCodeNodeExecution     = "NODE_EXECUTION_ERROR"
	ErrCodeHTTPAction        = "HTTP_ACTION_ERROR"
	ErrCodeUnknownNodeType   = "UNKNOWN_NODE_TYPE"
	ErrCodeStepLimit         = "STEP_LIMIT_EXCEEDED"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
)

// KapchatError is the structured error type for all engine operations.
type KapchatError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *KapchatError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *KapchatError) Unwrap() error {
	return e.Cause
}

// NewError creates a new KapchatError.
func NewError(code, message string) *KapchatError {
	return &KapchatError{Code: code, Message: message}
}

// NewErrorf creates a new KapchatError with a formatted message.
func NewErrorf(code, format string, args ...any) *KapchatError {
	return &KapchatError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *KapchatError) WithNode(nodeID string) *KapchatError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *KapchatError) WithCause(err error) *KapchatError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *KapchatError) WithDetails(details map[string]any) *KapchatError {
	e.Details = details
	return e
}

// HasCode reports whether err, or any error it wraps, is a KapchatError with the given code.
func HasCode(err error, code string) bool {
	var ke *KapchatError
	for err != nil {
		if !errors.As(err, &ke) {
			return false
		}
		if ke.Code == code {
			return true
		}
		err = ke.Cause
	}
	return false
}

// CodeOf returns the code of the outermost KapchatError in err's chain, or "".
func CodeOf(err error) string {
	var ke *KapchatError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}
