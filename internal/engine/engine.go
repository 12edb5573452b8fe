// Package engine defines the inference engine boundary and a small
// feed-forward network that implements it.
package engine

import (
	"context"
	"errors"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
)

var (
	// ErrShape indicates input buffers that do not match the engine's layout.
	ErrShape = errors.New("engine: input shape mismatch")
)

// Engine fills the candidate buffers of the first rows slots of d from its
// input tensors. Implementations must be safe for concurrent use on
// different batches.
type Engine interface {
	Run(ctx context.Context, d *batch.InferenceData, rows int) error
}

// Func adapts a function to Engine.
type Func func(ctx context.Context, d *batch.InferenceData, rows int) error

func (f Func) Run(ctx context.Context, d *batch.InferenceData, rows int) error {
	return f(ctx, d, rows)
}
