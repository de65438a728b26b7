package balancer

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidSegment is returned before any cost is computed when the
	// segment to place is malformed. It wraps segment.ErrInvalid.
	ErrInvalidSegment = errors.New("invalid placement candidate")

	// ErrInvalidParams is returned for unusable cost parameters.
	ErrInvalidParams = errors.New("invalid cost parameters")

	// ErrPoolClosed is returned once the worker pool has been shut down.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrPlanConsumed is yielded when a move sequence is ranged over twice.
	ErrPlanConsumed = errors.New("move plan already consumed")

	// ErrTaskPanic wraps a panic recovered from a cost task.
	ErrTaskPanic = errors.New("cost task panicked")

	// ErrNonFiniteCost is returned when a per-node cost sum is NaN or infinite.
	ErrNonFiniteCost = errors.New("non-finite cost")
)

// ComputeError reports that a cost computation did not complete, so no
// decision was made. NodeID is empty when the failure was not tied to a
// single node (cancellation, pool shutdown).
type ComputeError struct {
	NodeID string
	Err    error
}

func (e *ComputeError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("cost computation failed: %v", e.Err)
	}
	return fmt.Sprintf("cost computation failed on node %s: %v", e.NodeID, e.Err)
}

func (e *ComputeError) Unwrap() error {
	return e.Err
}

// asComputeError wraps err unless it already is a *ComputeError.
func asComputeError(err error) error {
	var ce *ComputeError
	if errors.As(err, &ce) {
		return err
	}
	return &ComputeError{Err: err}
}
