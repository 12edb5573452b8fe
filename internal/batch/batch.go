package batch

import (
	"fmt"
	"sync/atomic"

	"github.com/SVDmodel/SVD-sub000/internal/landscape"
)

type State int32

const (
	Filling State = iota
	InInference
	FinishedInInference
	Finished
)

func (s State) String() string {
	switch s {
	case Filling:
		return "filling"
	case InInference:
		return "in-inference"
	case FinishedInInference:
		return "finished-in-inference"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Kind selects how a batch is executed.
type Kind int

const (
	// KindInference batches own feature buffers and run through the engine.
	KindInference Kind = iota
	// KindSimple batches are processed directly by their owner module.
	KindSimple
)

func (k Kind) String() string {
	if k == KindSimple {
		return "simple"
	}
	return "inference"
}

// ParseKind maps a configuration value to a Kind. Empty selects inference.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "inference", "dnn":
		return KindInference, nil
	case "simple":
		return KindSimple, nil
	}
	return KindInference, fmt.Errorf("unknown batch type %q", s)
}

// Slot is the per-cell working record bound to one position in a batch.
// Cell is an index into the landscape's cell table.
type Slot struct {
	Cell      int
	State     landscape.StateID
	Residence int
	NextState landscape.StateID
	NextTime  int
}

type Batch struct {
	id       int
	capacity int
	owner    string
	kind     Kind

	nextSlot   atomic.Int32
	completed  atomic.Int32
	state      atomic.Int32
	hasError   atomic.Bool
	dispatched atomic.Bool

	// written by the dispatch winner before handoff
	packageID int64
	year      int

	slots     []Slot
	inference *InferenceData
}

// New builds a batch with the given table id and capacity. Inference batches
// get their buffers allocated from layout here, once.
func New(id, capacity int, owner string, kind Kind, layout Layout) *Batch {
	if capacity < 1 {
		capacity = 1
	}
	b := &Batch{
		id:       id,
		capacity: capacity,
		owner:    owner,
		kind:     kind,
		slots:    make([]Slot, capacity),
	}
	if kind == KindInference {
		b.inference = newInferenceData(capacity, layout)
	}
	b.resetSlots()
	return b
}

func (b *Batch) ID() int          { return b.id }
func (b *Batch) Capacity() int    { return b.capacity }
func (b *Batch) Owner() string    { return b.owner }
func (b *Batch) Kind() Kind       { return b.kind }
func (b *Batch) PackageID() int64 { return b.packageID }
func (b *Batch) Year() int        { return b.year }

// Inference returns the engine buffers, or nil for simple batches.
func (b *Batch) Inference() *InferenceData { return b.inference }

// SetDispatch records the package id and cycle year. Only the caller that
// won TryDispatch may call it.
func (b *Batch) SetDispatch(packageID int64, year int) {
	b.packageID = packageID
	b.year = year
}

// AcquireSlot hands out the next free slot index. Calling it on a full batch
// is a programming error and panics with an *InvariantError.
func (b *Batch) AcquireSlot() int {
	for {
		n := b.nextSlot.Load()
		if int(n) >= b.capacity {
			panic(&InvariantError{BatchID: b.id, State: b.State(), Wrapped: ErrBatchFull})
		}
		if b.nextSlot.CompareAndSwap(n, n+1) {
			return int(n)
		}
	}
}

func (b *Batch) UsedSlots() int { return int(b.nextSlot.Load()) }

func (b *Batch) FreeSlots() int { return b.capacity - int(b.nextSlot.Load()) }

// MarkSlotComplete records that one acquired slot has its features written.
// It returns IsFullyProcessed as observed right after the increment.
func (b *Batch) MarkSlotComplete() bool {
	b.completed.Add(1)
	return b.IsFullyProcessed()
}

// Completed returns the number of slots that reported completion.
func (b *Batch) Completed() int { return int(b.completed.Load()) }

// IsFullyProcessed is true when no slot is free and every slot completed.
func (b *Batch) IsFullyProcessed() bool {
	return int(b.nextSlot.Load()) == b.capacity && int(b.completed.Load()) == b.capacity
}

// TryDispatch returns true for exactly one caller per fill phase.
func (b *Batch) TryDispatch() bool {
	return b.dispatched.CompareAndSwap(false, true)
}

// Dispatched reports whether TryDispatch was won in the current fill phase.
func (b *Batch) Dispatched() bool { return b.dispatched.Load() }

func (b *Batch) State() State { return State(b.state.Load()) }

// Idle is true for a Filling batch with no acquired slot that was not
// claimed for dispatch.
func (b *Batch) Idle() bool {
	return b.State() == Filling && b.UsedSlots() == 0 && !b.Dispatched()
}

// Reassign hands an idle batch to another owner. Buffers are allocated or
// dropped when the kind changes. The caller must hold exclusive access to
// the batch, as the pool does under its lock.
func (b *Batch) Reassign(owner string, kind Kind, layout Layout) {
	if !b.Idle() {
		panic(&InvariantError{BatchID: b.id, State: b.State(), Wrapped: ErrNotIdle})
	}
	b.owner = owner
	if kind == b.kind {
		return
	}
	b.kind = kind
	b.inference = nil
	if kind == KindInference {
		b.inference = newInferenceData(b.capacity, layout)
	}
}

// ChangeState moves the batch to s. Entering Filling recycles the batch:
// cursor, counters, flags and slot records are cleared, buffers kept.
func (b *Batch) ChangeState(s State) {
	if s == Filling {
		b.reset()
	}
	b.state.Store(int32(s))
}

func (b *Batch) SetError()      { b.hasError.Store(true) }
func (b *Batch) HasError() bool { return b.hasError.Load() }

// Slot returns the record of an acquired slot.
func (b *Batch) Slot(i int) *Slot {
	if i < 0 || i >= b.UsedSlots() {
		panic(&InvariantError{BatchID: b.id, State: b.State(), Wrapped: fmt.Errorf("%w: %d", ErrSlotRange, i)})
	}
	return &b.slots[i]
}

// Slots returns the records of all acquired slots.
func (b *Batch) Slots() []Slot {
	return b.slots[:b.UsedSlots()]
}

func (b *Batch) reset() {
	b.nextSlot.Store(0)
	b.completed.Store(0)
	b.hasError.Store(false)
	b.dispatched.Store(false)
	b.packageID = 0
	b.resetSlots()
	if b.inference != nil {
		b.inference.clear()
	}
}

func (b *Batch) resetSlots() {
	for i := range b.slots {
		b.slots[i] = Slot{Cell: -1}
	}
}

func (b *Batch) String() string {
	return fmt.Sprintf("batch %d [%s %s owner=%q used=%d/%d done=%d]",
		b.id, b.kind, b.State(), b.owner, b.UsedSlots(), b.capacity, b.Completed())
}
