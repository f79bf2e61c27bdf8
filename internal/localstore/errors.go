package localstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no local copy exists for the asset id.
	ErrNotFound = errors.New("local asset not found")
	// ErrInvalidID indicates an id that cannot name a file in the store.
	ErrInvalidID = errors.New("invalid asset id")
)

// PersistError is returned when a take could not be stored. No partial file
// is left in the enumerated directory when it is returned.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }
