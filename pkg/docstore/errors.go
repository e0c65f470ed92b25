package docstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by writes that require an existing document.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidQuery is returned by a store that cannot execute a filter/order combination.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrInvalidValue is returned for values the store cannot represent in that position.
	ErrInvalidValue = errors.New("invalid value")
	// ErrClosed is returned by every operation on a driver after Close.
	ErrClosed = errors.New("document store closed")
)

// ConflictError is returned when a transaction observed a document that changed before commit.
type ConflictError struct {
	Path     string
	Expected int64
	Actual   int64
}

// Error implements error.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("transaction conflict on %s: read version %d, current version %d",
		e.Path, e.Expected, e.Actual)
}

// NewConflictError creates a new ConflictError.
func NewConflictError(path string, expected, actual int64) *ConflictError {
	return &ConflictError{
		Path:     path,
		Expected: expected,
		Actual:   actual,
	}
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
