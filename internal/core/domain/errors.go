package domain

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnknownStage      = errors.New("unknown stage")

	// Gate errors
	ErrGateRejected    = errors.New("gate rejected")
	ErrGateAbandoned   = errors.New("gate abandoned")
	ErrGateDecided     = errors.New("gate already decided")
	ErrIdentityMissing = errors.New("approval requires an identity")

	// Packaging causes
	ErrSourceMissing    = errors.New("source directory does not exist")
	ErrSourceEmpty      = errors.New("source directory contains no files")
	ErrSourceUnreadable = errors.New("source directory is unreadable")
	ErrNotDirectory     = errors.New("source path is not a directory")
	ErrArchiveTooLarge  = errors.New("archive exceeds size limit")

	// Run errors
	ErrInterrupted = errors.New("run interrupted")
)

// ErrorKind classifies a stage or unit failure in persisted records.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindSource            ErrorKind = "source"
	KindPackaging         ErrorKind = "packaging"
	KindUpdate            ErrorKind = "update"
	KindPublish           ErrorKind = "publish"
	KindGateRejected      ErrorKind = "gate_rejected"
	KindGateAbandoned     ErrorKind = "gate_abandoned"
	KindToleranceExceeded ErrorKind = "tolerance_exceeded"
	KindInterrupted       ErrorKind = "interrupted"
	KindCancelled         ErrorKind = "cancelled"
	KindInternal          ErrorKind = "internal"
)

// =============================================================================
// Typed Errors
// =============================================================================

// SourceError reports a snapshot that could not be captured.
type SourceError struct {
	Ref string
	Err error
}

func (e *SourceError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("capture source %s: %v", e.Ref, e.Err)
	}
	return fmt.Sprintf("capture source: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// PackagingError reports a source tree that could not be turned into an artifact.
type PackagingError struct {
	Unit string
	Dir  string
	Err  error
}

func (e *PackagingError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("packaging %s (%s): %v", e.Unit, e.Dir, e.Err)
	}
	return fmt.Sprintf("packaging %s: %v", e.Dir, e.Err)
}

func (e *PackagingError) Unwrap() error {
	return e.Err
}

// UpdateError reports a remote rejection of a single unit update.
type UpdateError struct {
	Unit string
	Op   string // "update_code" or "update_layer_binding"
	Err  error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Unit, e.Err)
}

func (e *UpdateError) Unwrap() error {
	return e.Err
}

// PublishError reports a failed layer publish. It is fatal to UpdateLayer.
type PublishError struct {
	Layer string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish layer %s: %v", e.Layer, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ToleranceExceededError is returned when a stage has more failed units than
// its tolerance allows.
type ToleranceExceededError struct {
	Stage     Stage
	Failed    int
	Tolerance int
}

func (e *ToleranceExceededError) Error() string {
	return fmt.Sprintf("%s: %d unit(s) failed, tolerance is %d", e.Stage, e.Failed, e.Tolerance)
}

// KindOf maps an error to the ErrorKind stored on stage and unit records.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var srcErr *SourceError
	var pkgErr *PackagingError
	var updErr *UpdateError
	var pubErr *PublishError
	var tolErr *ToleranceExceededError

	switch {
	case errors.As(err, &srcErr):
		return KindSource
	case errors.As(err, &pubErr):
		return KindPublish
	case errors.As(err, &pkgErr):
		return KindPackaging
	case errors.As(err, &updErr):
		return KindUpdate
	case errors.As(err, &tolErr):
		return KindToleranceExceeded
	case errors.Is(err, ErrGateRejected):
		return KindGateRejected
	case errors.Is(err, ErrGateAbandoned):
		return KindGateAbandoned
	case errors.Is(err, ErrInterrupted):
		return KindInterrupted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}
