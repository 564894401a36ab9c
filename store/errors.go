package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity doesn't exist.
	ErrNotFound = errors.New("keystone: entity not found")

	// ErrAlreadyExists is returned when creating an entity with an identifier that is taken.
	ErrAlreadyExists = errors.New("keystone: entity already exists")

	// ErrVersionConflict is returned when the stored version differs from the supplied one.
	ErrVersionConflict = errors.New("keystone: entity was modified concurrently")

	// ErrTransactionConflict is returned when a batch commit is rejected as a whole.
	ErrTransactionConflict = errors.New("keystone: transaction conflict")

	// ErrAmbiguousResult is returned when a single-result query matches several entities.
	ErrAmbiguousResult = errors.New("keystone: multiple entities found, single result expected")

	// ErrSchemaMismatch is returned when an entity doesn't match its declared kind.
	ErrSchemaMismatch = errors.New("keystone: entity does not match schema")

	// ErrPropertyNotFound is returned when reading a property the entity doesn't carry.
	ErrPropertyNotFound = errors.New("keystone: property not found")

	// ErrTransactionStart is returned when the store cannot open a transaction.
	ErrTransactionStart = errors.New("keystone: cannot start transaction")

	// ErrTransactionClosed is returned when using a committed or abandoned transaction.
	ErrTransactionClosed = errors.New("keystone: transaction is closed")

	// ErrInterrupted is returned when a call was cancelled before the store answered.
	// The effect of the call on the store is unknown.
	ErrInterrupted = errors.New("keystone: call interrupted, outcome unknown")

	// ErrTransport wraps connection failures the engine does not classify.
	ErrTransport = errors.New("keystone: transport error")

	// ErrKeyAssigned is returned when assigning an id or name to an assigned key.
	ErrKeyAssigned = errors.New("keystone: key is already assigned")

	// ErrPendingAncestor is returned when a pending key is used as an ancestor.
	ErrPendingAncestor = errors.New("keystone: ancestor key must be assigned")

	// ErrInvalidKey is returned for malformed keys.
	ErrInvalidKey = errors.New("keystone: invalid key")

	// ErrUnknownKind is returned when a kind isn't registered.
	ErrUnknownKind = errors.New("keystone: unknown kind")

	// ErrNotIndexed is returned when filtering on a property that isn't indexed.
	ErrNotIndexed = errors.New("keystone: property is not indexed")

	// ErrInvalidQuery is returned for malformed query descriptors.
	ErrInvalidQuery = errors.New("keystone: invalid query")

	// ErrMissingVersion is returned when updating a versioned entity without a version.
	ErrMissingVersion = errors.New("keystone: version required for versioned kind")

	// ErrDuplicateMutation is returned when a key is staged twice in one transaction.
	ErrDuplicateMutation = errors.New("keystone: key already staged in transaction")

	// ErrBatchTooLarge is returned when a transaction exceeds the configured batch size.
	ErrBatchTooLarge = errors.New("keystone: too many operations in transaction")

	// ErrIteratorDone is returned by Iterator.Next when no entities remain.
	ErrIteratorDone = errors.New("keystone: no more results")
)

// SchemaError describes why an entity failed validation against its kind.
type SchemaError struct {
	Kind     string
	Property string
	Reason   string
}

func (e *SchemaError) Error() string {
	if e.Property == "" {
		return fmt.Sprintf("%s: kind %q: %s", ErrSchemaMismatch, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s: kind %q property %q: %s", ErrSchemaMismatch, e.Kind, e.Property, e.Reason)
}

func (e *SchemaError) Unwrap() error { return ErrSchemaMismatch }

// MutationError is returned by a Connection when one mutation of a commit fails.
// Index is the position of the mutation in the committed slice.
type MutationError struct {
	Index int
	Err   error
}

func (e *MutationError) Error() string {
	return fmt.Sprintf("mutation %d: %v", e.Index, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// TransactionError is returned when a batch commit fails. It matches
// ErrTransactionConflict and the cause of the failing operation.
type TransactionError struct {
	// Index is the staged operation that failed, or -1 when unknown.
	Index int
	Err   error
}

func (e *TransactionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %v", ErrTransactionConflict, e.Err)
	}
	return fmt.Sprintf("%s: operation %d: %v", ErrTransactionConflict, e.Index, e.Err)
}

func (e *TransactionError) Unwrap() []error { return []error{ErrTransactionConflict, e.Err} }
