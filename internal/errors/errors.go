// Package errors provides error code definitions for the sync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to callers and the UI.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Store errors
	ErrDatabase         ErrorCode = "DATABASE_ERROR"
	ErrMigration        ErrorCode = "MIGRATION_FAILED"
	ErrStorageExhausted ErrorCode = "STORAGE_EXHAUSTED"

	// Enqueue validation errors
	ErrInvalidOperation  ErrorCode = "INVALID_OPERATION"
	ErrInvalidEntityKind ErrorCode = "INVALID_ENTITY_KIND"
	ErrInvalidPayload    ErrorCode = "INVALID_PAYLOAD"

	// Remote call errors
	ErrNetwork        ErrorCode = "NETWORK_ERROR"
	ErrTimeout        ErrorCode = "TIMEOUT"
	ErrServerRejected ErrorCode = "SERVER_REJECTED" // non-retryable 4xx
	ErrServerError    ErrorCode = "SERVER_ERROR"    // retryable 5xx/429

	// Sync errors
	ErrOffline          ErrorCode = "OFFLINE"
	ErrSyncInProgress   ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncConflict     ErrorCode = "SYNC_CONFLICT"
	ErrConflictNotFound ErrorCode = "CONFLICT_NOT_FOUND"
	ErrInvalidStrategy  ErrorCode = "INVALID_STRATEGY"
	ErrMergeInvalid     ErrorCode = "MERGE_INVALID"

	// Snapshot errors
	ErrExportFailed ErrorCode = "EXPORT_FAILED"
	ErrImportFailed ErrorCode = "IMPORT_FAILED"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code, unwrapping as needed.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// Code extracts the error code from err, or ErrInternal if it has none.
func Code(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether the failure should stay queued with backoff
// rather than being escalated to the operator.
func Retryable(err error) bool {
	switch Code(err) {
	case ErrNetwork, ErrTimeout, ErrServerError:
		return true
	}
	return false
}
