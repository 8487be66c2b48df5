// Package errors provides the structured error type used across realmpool, with error codes, categories and context.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for pool operations.
type ErrorCode string

const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"

	// Location errors
	ErrCodeInvalidLocation   ErrorCode = "INVALID_LOCATION"
	ErrCodeUnsupportedScheme ErrorCode = "UNSUPPORTED_SCHEME"

	// Connection errors
	ErrCodeConnectionFailed  ErrorCode = "CONNECTION_FAILED"
	ErrCodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	ErrCodeConnectionPool    ErrorCode = "CONNECTION_POOL"
	ErrCodeNetworkError      ErrorCode = "NETWORK_ERROR"
	ErrCodeProtocolError     ErrorCode = "PROTOCOL_ERROR"

	// State errors
	ErrCodeInvalidState       ErrorCode = "INVALID_STATE"
	ErrCodeShutdownInProgress ErrorCode = "SHUTDOWN_IN_PROGRESS"

	// Operation errors
	ErrCodeOperationTimeout ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationFailed  ErrorCode = "OPERATION_FAILED"

	// Authentication errors
	ErrCodeAuthenticationFailed ErrorCode = "AUTHENTICATION_FAILED"
	ErrCodeCredentialsMissing   ErrorCode = "CREDENTIALS_MISSING"

	// Internal errors
	ErrCodeInternalError  ErrorCode = "INTERNAL_ERROR"
	ErrCodePanicRecovered ErrorCode = "PANIC_RECOVERED"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryLocation      ErrorCategory = "location"
	CategoryConnection    ErrorCategory = "connection"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryAuth          ErrorCategory = "auth"
	CategoryInternal      ErrorCategory = "internal"
)

// PoolError represents a structured error with context and metadata.
type PoolError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Context   map[string]string `json:"context,omitempty"`
	Cause     error             `json:"-"`
	Timestamp time.Time         `json:"timestamp"`

	Component string `json:"component"`
	Operation string `json:"operation,omitempty"`

	Retryable bool `json:"retryable"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *PoolError) Error() string {
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
func (e *PoolError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a PoolError carrying the same code.
func (e *PoolError) Is(target error) bool {
	if poolErr, ok := target.(*PoolError); ok {
		return e.Code == poolErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *PoolError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
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

	return fmt.Sprintf("PoolError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *PoolError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// NewError creates a new pool error with default values.
func NewError(code ErrorCode, message string) *PoolError {
	return &PoolError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
		Context:   make(map[string]string),
		Retryable: IsRetryableByDefault(code),
	}
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	codeStr := string(code)
	switch {
	case strings.HasPrefix(codeStr, "INVALID_CONFIG") || strings.HasPrefix(codeStr, "CONFIG_"):
		return CategoryConfiguration
	case strings.HasPrefix(codeStr, "INVALID_LOCATION") || strings.HasPrefix(codeStr, "UNSUPPORTED_"):
		return CategoryLocation
	case strings.HasPrefix(codeStr, "CONNECTION_") || strings.HasPrefix(codeStr, "NETWORK_") ||
		strings.HasPrefix(codeStr, "PROTOCOL_"):
		return CategoryConnection
	case strings.HasPrefix(codeStr, "INVALID_STATE") || strings.HasPrefix(codeStr, "SHUTDOWN_"):
		return CategoryState
	case strings.HasPrefix(codeStr, "OPERATION_"):
		return CategoryOperation
	case strings.HasPrefix(codeStr, "AUTHENTICATION_") || strings.HasPrefix(codeStr, "CREDENTIALS_"):
		return CategoryAuth
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	retryableCodes := map[ErrorCode]bool{
		ErrCodeConnectionTimeout: true,
		ErrCodeConnectionFailed:  true,
		ErrCodeNetworkError:      true,
		ErrCodeOperationTimeout:  true,
	}
	return retryableCodes[code]
}

// CodeOf returns the code of the first PoolError in err's chain, or "" if there is none.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if poolErr, ok := err.(*PoolError); ok {
			return poolErr.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithContext adds contextual information to an error
func (e *PoolError) WithContext(key, value string) *PoolError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithDetail adds detailed information to an error
func (e *PoolError) WithDetail(key string, value interface{}) *PoolError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *PoolError) WithComponent(component string) *PoolError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *PoolError) WithOperation(operation string) *PoolError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *PoolError) WithCause(cause error) *PoolError {
	e.Cause = cause
	return e
}

// WithStack captures the current stack trace
func (e *PoolError) WithStack() *PoolError {
	e.Stack = CaptureStack(2)
	return e
}

// GetRecommendation returns an operator-facing hint for fixing the error
func (e *PoolError) GetRecommendation() string {
	recommendations := map[ErrorCode]string{
		ErrCodeInvalidLocation: "Locations must look like scheme://[login[:secret]@]host[:port][/path].",
		ErrCodeUnsupportedScheme: "No connection handler factory is registered for this scheme. " +
			"Supported schemes are s3, sftp and nfs.",
		ErrCodeConnectionFailed: "Verify the remote host is reachable and the credentials in the location are valid.",
		ErrCodeConnectionTimeout: "The remote host did not answer in time. " +
			"Consider increasing pool.open_timeout in the configuration.",
		ErrCodeShutdownInProgress: "The connection pool has been shut down; create a new pool.",
		ErrCodeAuthenticationFailed: "The remote host rejected the login. " +
			"Check the login and secret embedded in the location.",
		ErrCodeInvalidConfig: "Configuration validation failed. " +
			"Check your configuration file syntax and required parameters.",
	}

	if rec, exists := recommendations[e.Code]; exists {
		return rec
	}
	return "Please check the error message for details."
}
