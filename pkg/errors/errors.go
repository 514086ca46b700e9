// Package errors provides a unified error handling mechanism for halotrain.
// It defines a structured error system with error codes, types, and helpful
// formatting capabilities to standardize error handling across the trainer,
// the data pipeline, and the infrastructure sinks.
package errors

import (
	"encoding/json"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeConfig indicates an invalid run configuration; fatal at startup
	ErrorTypeConfig ErrorType = "CONFIG"

	// ErrorTypeData indicates a defective example or batch; fatal for the step
	ErrorTypeData ErrorType = "DATA"

	// ErrorTypeNumeric indicates non-finite loss or gradient values
	ErrorTypeNumeric ErrorType = "NUMERIC"

	// ErrorTypeDistributed indicates a worker-group synchronization failure
	ErrorTypeDistributed ErrorType = "DISTRIBUTED"

	// ErrorTypeCheckpoint indicates checkpoint persistence failure
	ErrorTypeCheckpoint ErrorType = "CHECKPOINT"

	// ErrorTypeInfrastructure indicates an external sink/service error
	ErrorTypeInfrastructure ErrorType = "INFRASTRUCTURE"

	// ErrorTypeInternal indicates an unexpected internal error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeCancelled indicates the run was stopped by an external signal
	ErrorTypeCancelled ErrorType = "CANCELLED"
)

// AppError represents a structured application error
type AppError struct {
	// Code is the error code (e.g., "DATA_002")
	Code string `json:"code"`

	// Type categorizes the error
	Type ErrorType `json:"type"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Details contains additional error context (batch index, example ids,
	// rank, checkpoint path, and so on)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error
	Cause error `json:"-"`

	// Stack contains the stack trace (for internal errors)
	Stack string `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain unwrapping
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds additional context to the error
func (e *AppError) WithDetails(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// ToJSON serializes the error for the status API and tracking sinks
func (e *AppError) ToJSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// New creates a new AppError
func New(code string, errType ErrorType, message string) *AppError {
	return &AppError{
		Code:    code,
		Type:    errType,
		Message: message,
		Details: make(map[string]interface{}),
	}
}

// Newf creates a new AppError with formatted message
func Newf(code string, errType ErrorType, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// Wrap wraps an existing error with AppError context
func Wrap(err error, code string, message string) *AppError {
	if err == nil {
		return nil
	}

	// If already an AppError, preserve its type through the chain
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Code:    code,
			Type:    appErr.Type,
			Message: message,
			Cause:   appErr,
			Details: make(map[string]interface{}),
		}
	}

	return &AppError{
		Code:    code,
		Type:    ErrorTypeInternal,
		Message: message,
		Cause:   err,
		Details: make(map[string]interface{}),
	}
}

// WrapWithStack wraps an error and captures stack trace
func WrapWithStack(err error, code string, message string) *AppError {
	appErr := Wrap(err, code, message)
	if appErr != nil {
		appErr.Stack = captureStack()
	}
	return appErr
}

// captureStack captures the current stack trace
func captureStack() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// Is checks if an error matches a specific code
func Is(err error, code string) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Code == code
}

// IsType checks if an error matches a specific type, unwrapping as needed
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok {
			if appErr.Type == errType {
				return true
			}
			err = appErr.Cause
			continue
		}
		return false
	}
	return false
}

// GetCode extracts the error code from an error
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return "UNKNOWN"
	}

	return appErr.Code
}

// Common error constructors for frequent use cases

// ConfigError creates a startup configuration error
func ConfigError(message string) *AppError {
	return New("CONFIG_ERROR", ErrorTypeConfig, message)
}

// ConfigErrorf creates a startup configuration error with formatted message
func ConfigErrorf(format string, args ...interface{}) *AppError {
	return Newf("CONFIG_ERROR", ErrorTypeConfig, format, args...)
}

// DataError creates a per-step data defect error carrying batch context
func DataError(message string, batchIndex int, exampleIDs []string) *AppError {
	e := New("DATA_ERROR", ErrorTypeData, message)
	e.Details["batch_index"] = batchIndex
	e.Details["example_ids"] = exampleIDs
	return e
}

// NumericError creates a non-finite value error
func NumericError(message string, step int) *AppError {
	e := New("NUMERIC_ERROR", ErrorTypeNumeric, message)
	e.Details["step"] = step
	return e
}

// DistributedError creates a worker-group failure error; always run-fatal
func DistributedError(message string, rank int) *AppError {
	e := New("DIST_ERROR", ErrorTypeDistributed, message)
	e.Details["rank"] = rank
	return e
}

// CheckpointError creates a checkpoint persistence error
func CheckpointError(message string, path string) *AppError {
	e := New("CKPT_ERROR", ErrorTypeCheckpoint, message)
	e.Details["path"] = path
	return e
}

// CancelledError creates an external-stop error
func CancelledError(message string) *AppError {
	return New("CANCELLED", ErrorTypeCancelled, message)
}

// InternalError creates an internal error with stack capture
func InternalError(message string) *AppError {
	appErr := New("INTERNAL_ERROR", ErrorTypeInternal, message)
	appErr.Stack = captureStack()
	return appErr
}

// InternalErrorf creates an internal error with formatted message
func InternalErrorf(format string, args ...interface{}) *AppError {
	appErr := Newf("INTERNAL_ERROR", ErrorTypeInternal, format, args...)
	appErr.Stack = captureStack()
	return appErr
}

// InfrastructureError creates an infrastructure error for an external sink
func InfrastructureError(service string, err error) *AppError {
	wrapped := Wrap(err, "INFRASTRUCTURE_ERROR", fmt.Sprintf("infrastructure service '%s' error", service))
	wrapped.Type = ErrorTypeInfrastructure
	return wrapped
}

//Personal.AI order the ending
