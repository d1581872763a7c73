package storage

import (
	"errors"
	"fmt"
)

// Sentinel errors for pre-condition failures. Callers match them
// with errors.Is; try-variants reduce every one of them to false.
var (
	// ErrInvalidPath is returned when a relative path resolves outside
	// the provider root. This is the containment boundary: strict
	// operations surface it unconditionally, never clamp.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound is returned when an operation requires an existing
	// file or folder and none is present at the resolved path.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when an operation requires the
	// target to be absent and it is not.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNoParent is returned when the parent of the root folder is
	// requested.
	ErrNoParent = errors.New("root folder has no parent")
)

// OpError wraps an underlying I/O failure with the operation name and
// the relative path it was given, so strict operations fail with enough
// context to diagnose.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("storage: %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
