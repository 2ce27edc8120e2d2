package persist

import (
	"errors"
	"fmt"
)

var (
	// ErrPermissionDenied matches every *PermissionError.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrStorageFull marks writes that failed because the backend is out of space.
	ErrStorageFull = errors.New("storage full")

	// ErrTableMissing is returned when an operation names a table that does not exist.
	ErrTableMissing = errors.New("table does not exist")

	// ErrEmptyTable is the skip reason for tables without rows.
	ErrEmptyTable = errors.New("table is empty")

	// ErrNoTransformer is returned when compression is requested but no
	// Transformer was configured.
	ErrNoTransformer = errors.New("compression requested without a transformer")
)

// PermissionError is returned by Gate when the required access is not granted.
type PermissionError struct {
	Op     string
	Access string // "read" or "write"
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s requires %s access", e.Op, e.Access)
}

// Is reports true for ErrPermissionDenied.
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// ShapeError means a stored record does not have the expected layout.
type ShapeError struct {
	Table string
	Err   error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("table %s has unexpected record shape: %v", e.Table, e.Err)
}

func (e *ShapeError) Unwrap() error {
	return e.Err
}
