package store

import (
	"errors"
	"fmt"
)

// ValidationError reports input the store refuses before touching any row:
// a malformed cursor, an unknown snapshot table or column.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidationError returns true if err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// DuplicateIDError is returned by Append when the event id is already
// stored. Append is the non-idempotent path; restore uses InsertEventIfAbsent.
type DuplicateIDError struct {
	EventID string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("event %s already exists", e.EventID)
}

// IsDuplicateIDError returns true if err is or wraps a DuplicateIDError.
func IsDuplicateIDError(err error) bool {
	var de *DuplicateIDError
	return errors.As(err, &de)
}
