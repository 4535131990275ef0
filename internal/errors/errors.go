// LOCATION: internal/errors/errors.go
//
// This file provides:
// - Sentinel errors for every storage error condition
// - Error category checking functions
// - Error wrapping utilities

package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Lookup errors
	ErrNotFound     = errors.New("not found")
	ErrDuplicateKey = errors.New("duplicate key")

	// Placement and configuration errors
	ErrInvalidRange  = errors.New("invalid range")
	ErrInvalidPath   = errors.New("invalid path")
	ErrInvalidKey    = errors.New("invalid key")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Data errors
	ErrCorruptRecord = errors.New("corrupt record")
	ErrCorruptEntry  = errors.New("corrupt recovery entry")

	// Recovery errors
	ErrRecoveryFailed = errors.New("recovery replay failed")

	// Lifecycle errors
	ErrClosed         = errors.New("collection is closed")
	ErrAlreadyRunning = errors.New("already running")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate returns true if err reports an insert against an existing key.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}

// IsPlacement returns true if err is a placement or configuration error.
// These are fatal at the call that produced them.
func IsPlacement(err error) bool {
	return errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrInvalidPath) ||
		errors.Is(err, ErrInvalidKey) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField)
}

// IsCorrupt returns true if err describes undecodable on-disk data.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorruptRecord) ||
		errors.Is(err, ErrCorruptEntry)
}

// IsRecovery returns true if err came from startup replay.
func IsRecovery(err error) bool {
	return errors.Is(err, ErrRecoveryFailed)
}

// IsClosed returns true if the operation was rejected because the
// collection or one of its workers has shut down.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewInvalidRange creates a placement error for a malformed range.
func NewInvalidRange(min, max int64, reason string) error {
	return fmt.Errorf("range [%d, %d]: %s: %w", min, max, reason, ErrInvalidRange)
}

// NewCorrupt creates a corruption error for the named file.
func NewCorrupt(path string, err error) error {
	return fmt.Errorf("%s: %w: %v", path, ErrCorruptRecord, err)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}
