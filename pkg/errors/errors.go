// Package errors provides the structured error system for querycache with error codes, categories, and context.
package errors

import (
	"encoding/json"
	stderr "errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for querycache operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Routing errors
	ErrCodeNoAvailableNodes ErrorCode = "NO_AVAILABLE_NODES"
	ErrCodeNodeExists       ErrorCode = "NODE_EXISTS"
	ErrCodeNodeNotFound     ErrorCode = "NODE_NOT_FOUND"
	ErrCodeCircuitOpen      ErrorCode = "CIRCUIT_OPEN"

	// Resource errors
	ErrCodePoolClosed        ErrorCode = "POOL_CLOSED"
	ErrCodeResourceExhausted ErrorCode = "RESOURCE_EXHAUSTED"

	// State errors
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"

	// Operation errors
	ErrCodeResultTimeout   ErrorCode = "RESULT_TIMEOUT"
	ErrCodeExecutionFailed ErrorCode = "EXECUTION_FAILED"
	ErrCodeRetryExhausted  ErrorCode = "RETRY_EXHAUSTED"
	ErrCodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	ErrCodeOperationFailed ErrorCode = "OPERATION_FAILED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRouting       ErrorCategory = "routing"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

// Sentinels for the routing/execution taxonomy. Match with errors.Is; any
// *Error carrying the same code compares equal.
var (
	ErrNoAvailableNodes = &Error{Code: ErrCodeNoAvailableNodes, Category: CategoryRouting, Message: "no healthy active nodes available"}
	ErrCircuitOpen      = &Error{Code: ErrCodeCircuitOpen, Category: CategoryRouting, Message: "circuit breaker is open"}
	ErrResultTimeout    = &Error{Code: ErrCodeResultTimeout, Category: CategoryOperation, Message: "result not ready before deadline"}
	ErrRetriesExhausted = &Error{Code: ErrCodeRetryExhausted, Category: CategoryOperation, Message: "retries exhausted"}
	ErrPoolClosed       = &Error{Code: ErrCodePoolClosed, Category: CategoryResource, Message: "pool is closed"}
	ErrStopped          = &Error{Code: ErrCodeComponentStopped, Category: CategoryState, Message: "component stopped"}
)

// Error represents a structured error with context and metadata.
type Error struct {
	Code     ErrorCode      `json:"code"`
	Category ErrorCategory  `json:"category"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	NodeID    string `json:"node_id,omitempty"`

	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *Error) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.RequestID != "" {
		parts = append(parts, fmt.Sprintf("RequestID=%s", e.RequestID))
	}
	if e.NodeID != "" {
		parts = append(parts, fmt.Sprintf("NodeID=%s", e.NodeID))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}
	return fmt.Sprintf("Error{%s}", strings.Join(parts, ", "))
}

// NewError creates a new error with default values for its code.
func NewError(code ErrorCode, message string) *Error {
	return &Error{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]any),
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Wrap creates a new error with the given cause.
func Wrap(cause error, code ErrorCode, message string) *Error {
	return NewError(code, message).WithCause(cause)
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigValidation, ErrCodeConfigLoad:
		return CategoryConfiguration
	case ErrCodeNoAvailableNodes, ErrCodeNodeExists, ErrCodeNodeNotFound, ErrCodeCircuitOpen:
		return CategoryRouting
	case ErrCodePoolClosed, ErrCodeResourceExhausted:
		return CategoryResource
	case ErrCodeComponentStopped:
		return CategoryState
	case ErrCodeResultTimeout, ErrCodeExecutionFailed, ErrCodeRetryExhausted,
		ErrCodeInvalidRequest, ErrCodeOperationFailed:
		return CategoryOperation
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeNoAvailableNodes, ErrCodeCircuitOpen, ErrCodeExecutionFailed,
		ErrCodeResourceExhausted, ErrCodeInternalError:
		return true
	default:
		return false
	}
}

// CodeOf returns the code of the first *Error in err's chain, or ErrCodeOperationFailed
// for foreign errors and "" for nil.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if stderr.As(err, &e) {
		return e.Code
	}
	return ErrCodeOperationFailed
}

// IsRetryable reports whether err carries the retryable flag.
func IsRetryable(err error) bool {
	var e *Error
	if stderr.As(err, &e) {
		return e.Retryable
	}
	return false
}

// WithDetail adds detailed information to an error
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithRequest sets the request id for an error
func (e *Error) WithRequest(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// WithNode sets the node id for an error
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// WithCause sets the underlying cause
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// JSON returns the error as a JSON string.
func (e *Error) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}
