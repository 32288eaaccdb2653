package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error types for the detection pipeline
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeUnavailable    ErrorType = "unavailable"
	ErrorTypePartialFailure ErrorType = "partial_failure"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeUnauthorized   ErrorType = "unauthorized"
	ErrorTypeRateLimited    ErrorType = "rate_limited"
)

// Error codes surfaced to callers and logs
const (
	CodeInvalidTransaction    = "INVALID_TRANSACTION"
	CodeStoreUnavailable      = "STORE_UNAVAILABLE"
	CodePublishPartialFailure = "PUBLISH_PARTIAL_FAILURE"
	CodeInternal              = "INTERNAL_ERROR"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeRateLimited           = "RATE_LIMITED"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// NewInvalidTransactionError reports a malformed or incomplete transaction.
// field may be empty when the payload could not be decoded at all.
func NewInvalidTransactionError(field, message string) *AppError {
	details := map[string]interface{}{}
	if field != "" {
		details["field"] = field
	}
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       CodeInvalidTransaction,
		Message:    message,
		Details:    details,
		Retryable:  false,
		StatusCode: 400,
	}
}

// NewStoreUnavailableError reports a keyed store that failed to respond.
func NewStoreUnavailableError(store, operation, key string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnavailable,
		Code:       CodeStoreUnavailable,
		Message:    fmt.Sprintf("%s unavailable during %s for key %q", store, operation, key),
		Retryable:  true,
		StatusCode: 503,
		Details: map[string]interface{}{
			"store":     store,
			"operation": operation,
			"key":       key,
		},
	}
}

// NewPublishPartialFailure reports subscribers that were dropped during a publish.
func NewPublishPartialFailure(dropped []string, delivered int) *AppError {
	return &AppError{
		Type:       ErrorTypePartialFailure,
		Code:       CodePublishPartialFailure,
		Message:    fmt.Sprintf("alert not accepted by %d subscriber(s): %s", len(dropped), strings.Join(dropped, ", ")),
		Retryable:  false,
		StatusCode: 207,
		Details: map[string]interface{}{
			"dropped":   dropped,
			"delivered": delivered,
		},
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       CodeInternal,
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
		Retryable:  false,
		StatusCode: 401,
	}
}

func NewRateLimitedError(limit int, window time.Duration) *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimited,
		Code:       CodeRateLimited,
		Message:    fmt.Sprintf("rate limit of %d requests per %s exceeded", limit, window),
		Retryable:  true,
		StatusCode: 429,
		Details: map[string]interface{}{
			"limit":  limit,
			"window": window.String(),
		},
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsInvalidTransaction reports whether err rejects the input itself.
func IsInvalidTransaction(err error) bool {
	return IsType(err, ErrorTypeValidation)
}

// IsStoreUnavailable reports whether err came from an unreachable store.
func IsStoreUnavailable(err error) bool {
	return IsType(err, ErrorTypeUnavailable)
}

// IsPublishPartialFailure reports whether err only describes dropped subscribers.
func IsPublishPartialFailure(err error) bool {
	return IsType(err, ErrorTypePartialFailure)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
