package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound indicates a referenced configuration file was not found.
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidYAML indicates YAML parsing failed.
	ErrInvalidYAML = errors.New("invalid YAML syntax")

	// ErrUnknownAgentKind indicates an agents.yaml entry names no known kind.
	ErrUnknownAgentKind = errors.New("unknown agent kind")
)

// ValidationError reports one invalid configuration field.
type ValidationError struct {
	Field string
	Msg   string
}

// Error returns the formatted message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// NewValidationError creates a validation error for a field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Field: field, Msg: msg}
}

// LoadError wraps configuration loading errors with file context.
type LoadError struct {
	File string
	Err  error
}

// Error returns the formatted message.
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error.
func (e *LoadError) Unwrap() error {
	return e.Err
}
