package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies failures across the governance subsystems
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeCollection    ErrorType = "collection"
	ErrorTypePersistence   ErrorType = "persistence"
	ErrorTypeConfiguration ErrorType = "configuration"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeInternal      ErrorType = "internal"
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

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// NewValidationError is returned when input fails schema constraints. Never retried.
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: 400,
	}
}

// NewCollectionError marks a failed collector invocation or failed evidence validation.
func NewCollectionError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeCollection,
		Code:       code,
		Message:    message,
		StatusCode: 502,
	}
}

// NewPersistenceError wraps storage failures. Audit batch writes retry on the next flush tick.
func NewPersistenceError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypePersistence,
		Code:       "PERSISTENCE_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
	}
}

// NewConfigurationError is raised for unregistered collector types and unknown frameworks.
func NewConfigurationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConfiguration,
		Code:       code,
		Message:    message,
		StatusCode: 422,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: 404,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// Predefined common errors
var (
	ErrEvidenceNotFound  = NewNotFoundError("evidence")
	ErrRuleNotFound      = NewNotFoundError("collection rule")
	ErrJobNotFound       = NewNotFoundError("collection job")
	ErrRiskNotFound      = NewNotFoundError("risk")
	ErrSessionNotFound   = NewNotFoundError("session")
	ErrAlertRuleNotFound = NewNotFoundError("alert rule")
	ErrDuplicateContent  = NewConflictError("evidence with identical content already exists")
)

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

// IsNotFound reports whether err is a not-found AppError
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
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
