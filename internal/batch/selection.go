package batch

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/SVDmodel/SVD-sub000/internal/landscape"
	"gonum.org/v1/gonum/floats"
)

// ChooseIndex draws an index with probability proportional to its weight.
// u must be uniform in [0, 1). Intervals are half open, so the first index
// whose cumulative weight exceeds the draw wins; a draw that rounds past the
// end returns the last index. It returns -1 if the weights sum to zero.
func ChooseIndex(weights []float64, u float64) int {
	if len(weights) == 0 {
		return -1
	}
	sum := floats.Sum(weights)
	if !(sum > 0) {
		return -1
	}
	draw := u * sum
	cum := 0.0
	for i, w := range weights {
		cum += w
		if cum > draw {
			return i
		}
	}
	return len(weights) - 1
}

// Outcome is the result of SelectOutcome for one cell.
type Outcome struct {
	State     landscape.StateID
	Residence int
	TimeClass int
	// Repaired is set when a zero state or residence was replaced by 1.
	Repaired bool
}

// SelectOutcome turns raw candidates into a next state and residence time.
// A residence drawn from the last time class keeps the current state. Any
// other draw excludes the current state from the candidates before picking
// the next one. Zero results are replaced by 1.
func SelectOutcome(rng *rand.Rand, current landscape.StateID, states []landscape.StateID, probs, timeProbs []float64) Outcome {
	var out Outcome

	out.TimeClass = ChooseIndex(timeProbs, rng.Float64())
	out.Residence = out.TimeClass + 1

	if out.TimeClass == len(timeProbs)-1 {
		out.State = current
	} else {
		masked := make([]float64, len(probs))
		copy(masked, probs)
		for i, s := range states {
			if s == current {
				masked[i] = 0
				break
			}
		}
		if idx := ChooseIndex(masked, rng.Float64()); idx >= 0 {
			out.State = states[idx]
		}
	}

	if out.State <= 0 {
		out.State = 1
		out.Repaired = true
	}
	if out.Residence <= 0 {
		out.Residence = 1
		out.Repaired = true
	}
	return out
}

// AuditRecord is the detailed log line of one processed cell.
type AuditRecord struct {
	PackageID  int64
	Year       int
	Cell       int
	State      landscape.StateID
	NextState  landscape.StateID
	NextTime   int
	Candidates []landscape.StateID
	Probs      []float64
}

func (r AuditRecord) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d;%d;%d;%d;%d;", r.Year, r.Cell, r.State, r.NextState, r.NextTime)
	for i, s := range r.Candidates {
		if i > 0 {
			sb.WriteByte(',')
		}
		fmt.Fprintf(&sb, "%d:%.4f", s, r.Probs[i])
	}
	return sb.String()
}

// Select runs outcome selection for every acquired slot of an inference
// batch and fills NextState and NextTime. Year must have been set by
// SetDispatch.
func (b *Batch) Select(rng *rand.Rand, logger *slog.Logger) error {
	if b.inference == nil {
		return fmt.Errorf("batch %d: select on %s batch", b.id, b.kind)
	}
	d := b.inference
	for i := range b.Slots() {
		s := &b.slots[i]
		states, probs := d.Candidates(i)
		out := SelectOutcome(rng, s.State, states, probs, d.Times(i))
		if out.Repaired && logger != nil {
			logger.Warn("invalid inference result replaced",
				slog.Int64("package", b.packageID),
				slog.Int("slot", i),
				slog.Int("cell", s.Cell),
				slog.Int("state", int(s.State)),
				slog.Int("time_class", out.TimeClass))
		}
		s.NextState = out.State
		s.NextTime = b.year + out.Residence
	}
	return nil
}

// AuditRecords returns one record per acquired slot. Candidates are only
// filled for inference batches. The result does not alias batch buffers.
func (b *Batch) AuditRecords() []AuditRecord {
	slots := b.Slots()
	out := make([]AuditRecord, len(slots))
	for i, s := range slots {
		rec := AuditRecord{
			PackageID: b.packageID,
			Year:      b.year,
			Cell:      s.Cell,
			State:     s.State,
			NextState: s.NextState,
			NextTime:  s.NextTime,
		}
		if b.inference != nil {
			states, probs := b.inference.Candidates(i)
			rec.Candidates = append([]landscape.StateID(nil), states...)
			rec.Probs = append([]float64(nil), probs...)
		}
		out[i] = rec
	}
	return out
}
