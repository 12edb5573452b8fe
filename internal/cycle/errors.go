package cycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/SVDmodel/SVD-sub000/internal/pool"
)

// ErrFeature indicates at least one cell failed feature population. The
// affected batches were processed as errored and their cells left untouched.
var ErrFeature = errors.New("cycle: feature population failed")

// CycleError reports a year that finished with errors. Built and Processed
// are the package counts at finalize; they are equal for every returned
// CycleError, since RunYear drains all dispatched batches before returning.
type CycleError struct {
	Year      int
	Built     int
	Processed int
	Err       error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle: year %d (built %d, processed %d): %v", e.Year, e.Built, e.Processed, e.Err)
}

func (e *CycleError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the run cannot continue with the next year.
func (e *CycleError) Fatal() bool {
	return errors.Is(e.Err, pool.ErrAdmissionTimeout) ||
		errors.Is(e.Err, pool.ErrCanceled) ||
		errors.Is(e.Err, context.Canceled) ||
		errors.Is(e.Err, context.DeadlineExceeded)
}
