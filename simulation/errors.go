package simulation

import (
	"errors"
	"fmt"
)

var (
	// ErrPrecondition is returned when a window size cannot be laid out on
	// the device. No resources are allocated in that case.
	ErrPrecondition = errors.New("simulation: precondition failed")
	// ErrLengthMismatch is wrapped by TransferError when an upload does not
	// cover the whole grid.
	ErrLengthMismatch = errors.New("simulation: cell count mismatch")
	// ErrClosed is returned after Grid.Close.
	ErrClosed = errors.New("simulation: grid closed")
)

// InitError reports which step of session construction failed
type InitError struct {
	Stage string
	Err   error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("simulation init: %s: %v", e.Stage, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// TransferError reports a failed upload or download
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("simulation %s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
