package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification is returned when a guarded update loses a race
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidTransition is returned when a state change is not allowed by
	// the entity's transition table
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrLinkedTasksRequired is returned when a user message is moved to
	// processing without any linked tasks
	ErrLinkedTasksRequired = errors.New("user message requires at least one linked task")

	// ErrLinkedTasksIncomplete is returned when a message is completed while
	// one of its linked tasks is still open
	ErrLinkedTasksIncomplete = errors.New("linked tasks incomplete")
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
