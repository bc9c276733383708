// Package errors provides structured error types for the offsync cache.
// Every error carries a category, code, message and retryable flag so the
// interceptor and the proxy can decide how to degrade or what to surface.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the component that raised them.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryStore      ErrorCategory = "STORE"
	ErrCategorySchema     ErrorCategory = "SCHEMA"
	ErrCategoryPolicy     ErrorCategory = "POLICY"
	ErrCategoryRemote     ErrorCategory = "REMOTE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Validation codes
	CodeInvalidIdentifier = "INVALID_IDENTIFIER"
	CodeInvalidPayload    = "INVALID_PAYLOAD"
	CodeUnsupportedQuery  = "UNSUPPORTED_QUERY"

	// Store codes
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeCorruptedRecord  = "CORRUPTED_RECORD"

	// Schema codes
	CodeSchemaConflict = "SCHEMA_CONFLICT"

	// Policy codes
	CodeNotCacheable   = "NOT_CACHEABLE"
	CodeRecordNotFound = "RECORD_NOT_FOUND"

	// Remote codes
	CodeRemoteFailure     = "REMOTE_FAILURE"
	CodeRemoteUnreachable = "REMOTE_UNREACHABLE"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Detail keys used by remote failures.
const (
	DetailStatusCode = "status_code"
	DetailBody       = "body"
)

// OffsyncError is the structured error type used throughout the cache.
type OffsyncError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *OffsyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *OffsyncError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *OffsyncError) Is(target error) bool {
	var t *OffsyncError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new OffsyncError.
func New(category ErrorCategory, code, message string) *OffsyncError {
	return &OffsyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new OffsyncError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *OffsyncError {
	return &OffsyncError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *OffsyncError) WithDetails(details map[string]interface{}) *OffsyncError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var oe *OffsyncError
	if errors.As(err, &oe) {
		return oe.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an OffsyncError.
func GetCategory(err error) ErrorCategory {
	var oe *OffsyncError
	if errors.As(err, &oe) {
		return oe.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not an OffsyncError.
func GetCode(err error) string {
	var oe *OffsyncError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// HasCode reports whether any OffsyncError in the chain carries code.
func HasCode(err error, code string) bool {
	return GetCode(err) == code
}

// RemoteStatus returns the upstream HTTP status attached to a remote failure,
// or 0 when the error did not come from an upstream response.
func RemoteStatus(err error) int {
	var oe *OffsyncError
	if errors.As(err, &oe) && oe.Category == ErrCategoryRemote {
		if code, ok := oe.Details[DetailStatusCode].(int); ok {
			return code
		}
	}
	return 0
}

// RemoteBody returns the upstream response body attached to a remote failure.
func RemoteBody(err error) []byte {
	var oe *OffsyncError
	if errors.As(err, &oe) && oe.Category == ErrCategoryRemote {
		if body, ok := oe.Details[DetailBody].([]byte); ok {
			return body
		}
	}
	return nil
}

// isRetryable determines if an error code is worth retrying.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStore && code == CodeStoreUnavailable:
		return true
	case category == ErrCategoryRemote && code == CodeRemoteUnreachable:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *OffsyncError {
	return New(ErrCategoryValidation, code, message)
}

func NewStoreError(code, message string, cause error) *OffsyncError {
	return Wrap(ErrCategoryStore, code, message, cause)
}

func NewSchemaError(code, message string) *OffsyncError {
	return New(ErrCategorySchema, code, message)
}

func NewPolicyError(code, message string) *OffsyncError {
	return New(ErrCategoryPolicy, code, message)
}

// NewRemoteFailure records a non-success upstream response.
func NewRemoteFailure(statusCode int, body []byte) *OffsyncError {
	return New(ErrCategoryRemote, CodeRemoteFailure,
		fmt.Sprintf("remote call failed with status %d", statusCode)).
		WithDetails(map[string]interface{}{
			DetailStatusCode: statusCode,
			DetailBody:       body,
		})
}

// NewRemoteUnreachable records a transport failure or cancellation before any
// upstream response was received.
func NewRemoteUnreachable(message string, cause error) *OffsyncError {
	return Wrap(ErrCategoryRemote, CodeRemoteUnreachable, message, cause)
}

func NewInternalError(message string, cause error) *OffsyncError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
