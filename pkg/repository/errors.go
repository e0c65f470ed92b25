package repository

import (
	"errors"
	"fmt"

	"github.com/nimburion/docorm/pkg/docstore"
)

var (
	// ErrInvalidLimit is returned when a query limit is lower than 1.
	ErrInvalidLimit = errors.New("limit must be at least 1")
	// ErrInvalidProperty is returned for an empty or unresolvable property name.
	ErrInvalidProperty = errors.New("invalid property")
	// ErrInvalidValue is returned when a value does not have the shape its operator requires.
	// It wraps docstore.ErrInvalidValue.
	ErrInvalidValue = fmt.Errorf("repository: %w", docstore.ErrInvalidValue)
	// ErrInvalidOrder is returned for an unknown order direction.
	ErrInvalidOrder = errors.New("invalid order direction")
	// ErrMissingID is returned by writes that need the entity identifier.
	ErrMissingID = errors.New("entity id is required")
	// ErrNotRegistered is returned when a repository is requested for an unregistered type.
	ErrNotRegistered = errors.New("entity type not registered")
	// ErrBatchCommitted is returned when a batch is used after Commit.
	ErrBatchCommitted = errors.New("batch already committed")
	// ErrTransactionClosed is returned when a transaction repository is used after its
	// transaction function returned.
	ErrTransactionClosed = errors.New("transaction closed")
)

// ValidationError is returned when an entity fails validation or cannot be decoded from
// a stored document.
type ValidationError struct {
	Entity string
	Err    error
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %v", e.Entity, e.Err)
}

// Unwrap returns the collaborator error.
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
