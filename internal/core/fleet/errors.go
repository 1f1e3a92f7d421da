// Package fleet parses the fleet manifest that describes which units and
// which shared layer a pipeline manages.
// This is part of the Functional Core - all functions are pure with no I/O.
package fleet

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrEmptyInput       = errors.New("manifest is empty")
	ErrInvalidYAML      = errors.New("invalid YAML syntax")
	ErrMissingField     = errors.New("required field is missing")
	ErrInvalidValue     = errors.New("invalid value")
	ErrDuplicateUnit    = errors.New("duplicate unit name")
	ErrInvalidTolerance = errors.New("tolerance must not be negative")
)

// ManifestError wraps errors with the manifest field that caused them.
type ManifestError struct {
	Field   string // e.g., "units[2].name"
	Message string
	Err     error
}

func (e *ManifestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ManifestError) Unwrap() error {
	return e.Err
}

// NewManifestError creates a new ManifestError.
func NewManifestError(field, message string, err error) *ManifestError {
	return &ManifestError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
