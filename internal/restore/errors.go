package restore

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes restore failures.
type ErrorCode string

const (
	// ErrCodeInvalidBatch indicates a malformed or inconsistent batch.
	ErrCodeInvalidBatch ErrorCode = "INVALID_BATCH"

	// ErrCodeBatchTooLarge indicates more events than the node accepts per batch.
	ErrCodeBatchTooLarge ErrorCode = "BATCH_TOO_LARGE"

	// ErrCodeSessionMismatch indicates a batch that disagrees with its
	// session's source device or batch count.
	ErrCodeSessionMismatch ErrorCode = "SESSION_MISMATCH"

	// ErrCodeStorageFailure indicates the batch transaction was rolled back.
	ErrCodeStorageFailure ErrorCode = "STORAGE_FAILURE"
)

// ValidationError rejects a batch before anything is committed.
// The client must fix the batch and resend it.
type ValidationError struct {
	Code    ErrorCode
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// StorageError reports a batch whose transaction failed and was rolled
// back entirely. Resending the identical batch is safe.
type StorageError struct {
	SessionID   string
	BatchNumber int
	Err         error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: session %s batch %d: %v", ErrCodeStorageFailure, e.SessionID, e.BatchNumber, e.Err)
}

// Unwrap returns the underlying storage error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Retryable is always true: a rolled back batch left no trace.
func (e *StorageError) Retryable() bool {
	return true
}

// IsValidationError returns true if err is or wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorageError returns true if err is or wraps a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Code: ErrCodeInvalidBatch, Field: field, Message: fmt.Sprintf(format, args...)}
}
