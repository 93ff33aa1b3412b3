package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrIO is matched by every IOError.
	ErrIO = errors.New("store I/O failure")

	// ErrLossyRewrite is returned when saving would drop entries that could
	// not be decoded on load.
	ErrLossyRewrite = errors.New("refusing to rewrite store with skipped entries")
)

// IOError is a failed backend read or write.
type IOError struct {
	Op       string
	Location string
	Err      error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Location, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrIO) true for any IOError.
func (e *IOError) Is(target error) bool {
	return target == ErrIO
}

// AppendError is a failed Append and the state it failed in. The store is
// unchanged whenever an AppendError is returned.
type AppendError struct {
	State State
	Tool  string
	Err   error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append to tool %q failed while %s: %v", e.Tool, e.State, e.Err)
}

func (e *AppendError) Unwrap() error {
	return e.Err
}
