package batch

import (
	"errors"
	"fmt"
)

var (
	// ErrBatchFull indicates a slot was requested from a batch without free capacity.
	ErrBatchFull = errors.New("batch: no free slot")

	// ErrSlotRange indicates a slot index outside the acquired range.
	ErrSlotRange = errors.New("batch: slot index out of range")

	// ErrNotIdle indicates a reassignment of a batch that is in use.
	ErrNotIdle = errors.New("batch: batch is not idle")
)

// InvariantError reports a broken scheduling invariant. It is raised with
// panic: callers that hit it have a bug in their admission logic.
type InvariantError struct {
	BatchID int
	State   State
	Wrapped error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("batch %d (%s): %v", e.BatchID, e.State, e.Wrapped)
}

func (e *InvariantError) Unwrap() error {
	return e.Wrapped
}
