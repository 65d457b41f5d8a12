// Package apperrors defines the structured error taxonomy used across the
// pipeline (spec.md §7). Every component wraps failures in an AppError so
// that callers can branch on Type without parsing message strings.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is a closed vocabulary of failure kinds.
type ErrorType string

const (
	ErrorTypeValidation       ErrorType = "validation"
	ErrorTypeTransientNetwork ErrorType = "transient_network"
	ErrorTypeRateLimit        ErrorType = "rate_limit"
	ErrorTypeQuota            ErrorType = "quota_exceeded"
	ErrorTypeAuth             ErrorType = "not_authenticated"
	ErrorTypeSchema           ErrorType = "schema_violation"
	ErrorTypeStorage          ErrorType = "storage"
	ErrorTypeRatchet          ErrorType = "ratchet_tripped"
	ErrorTypeNotFound         ErrorType = "not_found"
	ErrorTypeConflict         ErrorType = "conflict"
	ErrorTypeInternal         ErrorType = "internal"
	ErrorTypePermanent        ErrorType = "permanent"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation:       http.StatusBadRequest,
	ErrorTypeTransientNetwork: http.StatusBadGateway,
	ErrorTypeRateLimit:        http.StatusTooManyRequests,
	ErrorTypeQuota:            http.StatusTooManyRequests,
	ErrorTypeAuth:             http.StatusUnauthorized,
	ErrorTypeSchema:           http.StatusUnprocessableEntity,
	ErrorTypeStorage:          http.StatusInternalServerError,
	ErrorTypeRatchet:          http.StatusConflict,
	ErrorTypeNotFound:         http.StatusNotFound,
	ErrorTypeConflict:         http.StatusConflict,
	ErrorTypeInternal:         http.StatusInternalServerError,
	ErrorTypePermanent:        http.StatusUnprocessableEntity,
}

// AppError is the structured error type carried through the pipeline.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	Cause      error
	StatusCode int
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails attaches a human-readable detail string, in place.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf attaches a formatted detail string, in place.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// New creates an AppError with no underlying cause.
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, StatusCode: statusCodes[t]}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError around an existing error.
func Wrap(cause error, t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message, Cause: cause, StatusCode: statusCodes[t]}
}

// Wrapf creates an AppError around an existing error with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

// Is reports whether err is an AppError of the given type.
func Is(err error, t ErrorType) bool {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Type == t
	}
	return false
}

// Predefined constructors mirroring the spec's named failure kinds.

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewSchemaViolation(message string) *AppError {
	return New(ErrorTypeSchema, message)
}

func NewStorageError(op string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeStorage, "storage operation failed: %s", op)
}

func NewNotFoundError(resource string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", resource)
}

func NewRatchetTripped(message string) *AppError {
	return New(ErrorTypeRatchet, message)
}
