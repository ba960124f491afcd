package domain

import "errors"

// Common domain errors.
var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrRunNotActive is returned when cancelling a surface that has no run in flight.
	ErrRunNotActive = errors.New("no active run")

	// ErrRunActive is returned when an operation needs an idle surface.
	ErrRunActive = errors.New("run is already active")

	// ErrUnknownSurface is returned when a UI surface name is not registered.
	ErrUnknownSurface = errors.New("unknown surface")
)

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e NotFoundError) Error() string {
	return e.Resource + " not found: " + e.ID
}

func (e NotFoundError) Unwrap() error {
	return ErrNotFound
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) NotFoundError {
	return NotFoundError{Resource: resource, ID: id}
}

// InvalidInputError wraps ErrInvalidInput with the offending field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	return "invalid " + e.Field + ": " + e.Reason
}

func (e InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

// NewInvalidInputError creates a new InvalidInputError.
func NewInvalidInputError(field, reason string) InvalidInputError {
	return InvalidInputError{Field: field, Reason: reason}
}
