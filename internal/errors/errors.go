// Package errors provides structured error types for the killfeed pipeline.
// Every error carries a category, code, message and retryable flag so that
// the poll loops can decide between retry, skip and halt without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by pipeline component.
type ErrorCategory string

const (
	ErrCategoryTransport ErrorCategory = "TRANSPORT"
	ErrCategoryParse     ErrorCategory = "PARSE"
	ErrCategoryEconomy   ErrorCategory = "ECONOMY"
	ErrCategoryGambling  ErrorCategory = "GAMBLING"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryConfig    ErrorCategory = "CONFIG"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Transport codes
	CodeConnectionRefused = "CONNECTION_REFUSED"
	CodeTimeout           = "TIMEOUT"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeSourceNotFound    = "SOURCE_NOT_FOUND"

	// Economy codes
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeConflict          = "CONFLICT"
	CodeBountyNotFound    = "BOUNTY_NOT_FOUND"
	CodeCooldown          = "COOLDOWN"

	// Gambling codes
	CodeSessionConflict = "SESSION_CONFLICT"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeSessionResolved = "SESSION_RESOLVED"

	// Shared codes
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"

	// Storage codes
	CodeWriteFailed = "WRITE_FAILED"

	// Config codes
	CodeInvalidConfig = "INVALID_CONFIG"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
)

// Error is the structured error type used throughout the system.
type Error struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new Error.
func New(category ErrorCategory, code, message string) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *Error {
	return &Error{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *Error) WithDetails(details map[string]interface{}) *Error {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Retryable
	}
	return false
}

// IsFatal reports whether err must halt the component that produced it.
// Auth failures and invalid configuration are fatal for their source.
func IsFatal(err error) bool {
	var ae *Error
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Code == CodeAuthFailed || ae.Code == CodeInvalidConfig
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not an *Error.
func GetCategory(err error) ErrorCategory {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
func GetCode(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryTransport && code == CodeConnectionRefused:
		return true
	case category == ErrCategoryTransport && code == CodeTimeout:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	default:
		return false
	}
}

// Sentinels for errors.Is comparisons. Only category and code take part in matching.
var (
	ErrInsufficientFunds = New(ErrCategoryEconomy, CodeInsufficientFunds, "insufficient funds")
	ErrConflict          = New(ErrCategoryEconomy, CodeConflict, "conflict")
	ErrBountyNotFound    = New(ErrCategoryEconomy, CodeBountyNotFound, "bounty not found")
	ErrCooldown          = New(ErrCategoryEconomy, CodeCooldown, "cooldown active")
	ErrSessionConflict   = New(ErrCategoryGambling, CodeSessionConflict, "session already in progress")
	ErrSessionNotFound   = New(ErrCategoryGambling, CodeSessionNotFound, "no session in progress")
	ErrNotFound          = New(ErrCategoryStorage, CodeNotFound, "not found")
)

// Convenience constructors for common errors.

func NewTransportError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryTransport, code, message, cause)
}

func NewEconomyError(code, message string) *Error {
	return New(ErrCategoryEconomy, code, message)
}

func NewGamblingError(code, message string) *Error {
	return New(ErrCategoryGambling, code, message)
}

func NewInvalidArgument(category ErrorCategory, message string) *Error {
	return New(category, CodeInvalidArgument, message)
}

func NewStorageError(code, message string, cause error) *Error {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewConfigError(message string, cause error) *Error {
	return Wrap(ErrCategoryConfig, CodeInvalidConfig, message, cause)
}

func NewInternalError(message string, cause error) *Error {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
