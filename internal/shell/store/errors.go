// Package store provides durable persistence for pipeline runs and gates.
package store

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Error Types
// =============================================================================

// Lookup and constraint failures.
var (
	ErrNotFound    = errors.New("entity not found")
	ErrDuplicateID = errors.New("entity already exists")
	ErrForeignKey  = errors.New("referenced run does not exist")

	// ErrStaleState means a compare-and-set update lost: the gate was
	// decided or abandoned after the caller read it.
	ErrStaleState = errors.New("entity was modified concurrently")
)

// Database failures. These are never the caller's fault.
var (
	ErrConnectionFailed = errors.New("database connection failed")
	ErrMigrationFailed  = errors.New("database migration failed")
	ErrInvalidData      = errors.New("stored column could not be encoded or decoded")
	ErrTxFailed         = errors.New("transaction failed")
)

// StoreError records which operation failed on which row.
type StoreError struct {
	Op      string // store method, e.g. "UpdateGate"
	Entity  string // "run", "stage", "gate" or "layer_version"
	ID      string
	Message string
	Err     error
}

func (e *StoreError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Entity != "" {
		b.WriteString(" " + e.Entity)
	}
	if e.ID != "" {
		b.WriteString(" " + e.ID)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	return b.String()
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a StoreError wrapping err.
func NewStoreError(op, entity, id, message string, err error) *StoreError {
	return &StoreError{Op: op, Entity: entity, ID: id, Message: message, Err: err}
}

// IsConflict reports whether err is a duplicate or lost compare-and-set,
// the failures a caller may resolve by re-reading.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrStaleState)
}
