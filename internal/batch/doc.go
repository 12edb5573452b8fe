// Package batch provides the fixed-capacity work packages that carry cells
// through the inference pipeline.
//
// A [Batch] moves through a small lifecycle:
//
//	Filling -> InInference -> FinishedInInference | Finished -> Filling
//
// Producers take slots with [Batch.AcquireSlot], write their features and
// report with [Batch.MarkSlotComplete]. Once [Batch.IsFullyProcessed] holds,
// exactly one caller wins [Batch.TryDispatch] and hands the batch on.
// Entering Filling again recycles the batch, keeping its buffers.
//
// # Thread Safety
//
// The slot cursor, completion counter, state, error flag and dispatch guard
// are atomics. Slot records and feature rows are written only by the
// producer that owns the slot; output buffers only by the single worker
// running the batch.
package batch
