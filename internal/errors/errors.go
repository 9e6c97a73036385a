// Package errors provides error code definitions shared across the client.
package errors

import "fmt"

// ErrorCode represents a unique error code surfaced to callers.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Database errors
	ErrDatabase   ErrorCode = "DATABASE_ERROR"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Sync errors
	ErrSyncFailed       ErrorCode = "SYNC_FAILED"
	ErrSyncPushRejected ErrorCode = "SYNC_PUSH_REJECTED"
	ErrSyncStalled      ErrorCode = "SYNC_STALLED"
	ErrSyncTimeout      ErrorCode = "SYNC_TIMEOUT"
	ErrSyncOffline      ErrorCode = "SYNC_OFFLINE"

	// Auth errors
	ErrAuthRequired ErrorCode = "AUTH_REQUIRED"
	ErrAuthRefresh  ErrorCode = "AUTH_REFRESH_FAILED"

	// Schema errors
	ErrSchemaFetch   ErrorCode = "SCHEMA_FETCH_FAILED"
	ErrSchemaRepair  ErrorCode = "SCHEMA_REPAIR_FAILED"
	ErrSchemaRebuild ErrorCode = "SCHEMA_REBUILD_REQUIRED"

	// Crypto errors
	ErrCryptoFailed ErrorCode = "CRYPTO_FAILED"
	ErrInvalidKey   ErrorCode = "INVALID_KEY"

	// Ledger errors
	ErrLedgerAppend ErrorCode = "LEDGER_APPEND_FAILED"
	ErrLedgerStall  ErrorCode = "LEDGER_STALLED"
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
	return &AppError{Code: code, Message: message}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// Is checks if an error carries a specific code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if appErr, ok := err.(*AppError); ok && appErr.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
