package core

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNotFound        = errors.New("document not found")
	ErrConflict        = errors.New("revision conflict")
	ErrStorage         = errors.New("storage failure")
	ErrClosed          = errors.New("store is closed")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrReadOnly        = errors.New("store is in read-only mode")
	ErrNoTransaction   = errors.New("no transaction in progress")
	ErrUnsupported     = errors.New("operation not supported by engine")
)

// ConflictError is returned by an engine when a put names a parent revision
// that is no longer the latest one for the document.
type ConflictError struct {
	ID       string
	Expected Revision
	Current  Revision
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %q: expected %q, current %q", e.ID, e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// StorageError wraps an engine-internal or I/O failure.
type StorageError struct {
	Op  string
	ID  string
	Err error
}

func (e *StorageError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q failed: %v", e.Op, e.ID, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// Storage classifies err as a storage failure unless it already belongs to
// the taxonomy (not found, conflict, closed, read-only, ...).
func Storage(op, id string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrConflict, ErrStorage, ErrClosed, ErrInvalidArgument, ErrReadOnly, ErrNoTransaction, ErrUnsupported} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &StorageError{Op: op, ID: id, Err: err}
}

// Invalid builds an ErrInvalidArgument with a reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
