package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeParse             = "PARSE_ERROR"
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeNotPublished      = "NOT_PUBLISHED"
	ErrCodeNodeFailed        = "NODE_FAILED"
	ErrCodeUnknownExecutor   = "UNKNOWN_EXECUTOR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeConflict          = "CONFLICT"
)

// FlowError is the structured error type for all engine operations.
type FlowError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	NodeID  string            `json:"node_id,omitempty"`
	Issues  []ValidationIssue `json:"issues,omitempty"`
	Details map[string]any    `json:"details,omitempty"`
	Cause   error             `json:"-"`
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

// WithIssues attaches the field-level issues of a validation failure.
func (e *FlowError) WithIssues(issues []ValidationIssue) *FlowError {
	e.Issues = issues
	return e
}

// Messages returns the issue messages prefixed by their path, or the error
// message itself when no issues are attached.
func (e *FlowError) Messages() []string {
	if len(e.Issues) == 0 {
		return []string{e.Message}
	}
	out := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Path == "" || is.Path == "/" {
			out = append(out, is.Message)
			continue
		}
		out = append(out, is.Path+": "+is.Message)
	}
	return out
}

// IsCode reports whether err (or anything it wraps) is a FlowError with the given code.
func IsCode(err error, code string) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// IsParseError reports whether err denotes malformed definition text.
func IsParseError(err error) bool { return IsCode(err, ErrCodeParse) }

// IsValidationError reports whether err denotes a well-formed but invalid definition.
func IsValidationError(err error) bool { return IsCode(err, ErrCodeValidation) }

// IsNotFound reports whether err denotes a missing workflow, definition or execution.
func IsNotFound(err error) bool { return IsCode(err, ErrCodeNotFound) }

// Message returns the human-readable message of err, without the code
// prefix FlowError.Error adds.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
