// Package errors provides structured error types for the Driftline system.
// All errors include a category, code, message, and retryable flag so the
// retry coordinator can decide between backoff and dead-lettering without
// string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline stage.
type ErrorCategory string

const (
	ErrCategoryDecode     ErrorCategory = "DECODE"
	ErrCategoryRoute      ErrorCategory = "ROUTE"
	ErrCategoryTransform  ErrorCategory = "TRANSFORM"
	ErrCategoryWrite      ErrorCategory = "WRITE"
	ErrCategoryCheckpoint ErrorCategory = "CHECKPOINT"
	ErrCategorySource     ErrorCategory = "SOURCE"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Decode codes
	CodeMalformedEnvelope = "MALFORMED_ENVELOPE"
	CodeUnknownEntityType = "UNKNOWN_ENTITY_TYPE"

	// Route codes
	CodeNoRouteForEntity = "NO_ROUTE_FOR_ENTITY"

	// Transform codes
	CodeDependencyUnavailable = "DEPENDENCY_UNAVAILABLE"
	CodeInvalidPayload        = "INVALID_PAYLOAD"

	// Write codes
	CodeIndexUnavailable = "INDEX_UNAVAILABLE"
	CodeVersionConflict  = "VERSION_CONFLICT"
	CodeSchemaMismatch   = "SCHEMA_MISMATCH"

	// Checkpoint codes
	CodeCheckpointIO = "CHECKPOINT_IO"

	// Source codes
	CodeSourceUnavailable = "SOURCE_UNAVAILABLE"

	// Storage codes
	CodeUploadFailed = "UPLOAD_FAILED"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// DriftlineError is the structured error type used throughout the system.
type DriftlineError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *DriftlineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *DriftlineError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *DriftlineError) Is(target error) bool {
	var t *DriftlineError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new DriftlineError.
func New(category ErrorCategory, code, message string) *DriftlineError {
	return &DriftlineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new DriftlineError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *DriftlineError {
	return &DriftlineError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DriftlineError) WithDetails(details map[string]interface{}) *DriftlineError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
// Errors outside the Driftline taxonomy are treated as non-retryable;
// they surface in the dead-letter sink rather than loop forever.
func IsRetryable(err error) bool {
	var de *DriftlineError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a DriftlineError.
func GetCategory(err error) ErrorCategory {
	var de *DriftlineError
	if errors.As(err, &de) {
		return de.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a DriftlineError.
func GetCode(err error) string {
	var de *DriftlineError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// isRetryable maps category and code to the retry policy. Malformed or
// unknown input never retries; transient dependency and index failures do.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryTransform && code == CodeDependencyUnavailable:
		return true
	case category == ErrCategoryWrite && code == CodeIndexUnavailable:
		return true
	case category == ErrCategoryWrite && code == CodeVersionConflict:
		return true
	case category == ErrCategorySource && code == CodeSourceUnavailable:
		return true
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewDecodeError(code, message string) *DriftlineError {
	return New(ErrCategoryDecode, code, message)
}

func NewRouteError(message string) *DriftlineError {
	return New(ErrCategoryRoute, CodeNoRouteForEntity, message)
}

func NewTransformError(code, message string, cause error) *DriftlineError {
	return Wrap(ErrCategoryTransform, code, message, cause)
}

func NewWriteError(code, message string, cause error) *DriftlineError {
	return Wrap(ErrCategoryWrite, code, message, cause)
}

func NewSourceError(message string, cause error) *DriftlineError {
	return Wrap(ErrCategorySource, CodeSourceUnavailable, message, cause)
}

func NewCheckpointError(message string, cause error) *DriftlineError {
	return Wrap(ErrCategoryCheckpoint, CodeCheckpointIO, message, cause)
}

func NewInternalError(message string, cause error) *DriftlineError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
