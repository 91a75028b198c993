// Package services contains business logic service layer implementations.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrConversationDeleted is returned when operating on a soft-deleted conversation
	ErrConversationDeleted = errors.New("conversation deleted")

	// ErrSequenceViolation is returned when an append would break message ordering
	ErrSequenceViolation = errors.New("message sequence violation")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
