// Package services holds the persistence-facing business logic between the
// HTTP layer and the orchestration engine: run lifecycle, review tables and
// cell comment threads.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when creating a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrForbidden is returned when the acting user lacks the right to
	// perform the operation (edit someone else's comment, delete as a
	// non-owner).
	ErrForbidden = errors.New("operation not permitted")

	// ErrConflict is returned when the entity's current state rejects the
	// transition (cancelling a finished run, resuming a run that is not
	// suspended).
	ErrConflict = errors.New("conflicting entity state")
)

// ValidationError carries a field-specific validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
