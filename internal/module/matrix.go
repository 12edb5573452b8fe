package module

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
	"github.com/SVDmodel/SVD-sub000/internal/landscape"
)

// Transition is one weighted edge of a transition matrix row.
type Transition struct {
	To landscape.StateID `yaml:"to"`
	P  float64           `yaml:"p"`
}

type MatrixConfig struct {
	// Residence is the number of years until the drawn state takes effect.
	Residence   int
	Transitions map[landscape.StateID][]Transition
	Seed        int64
}

// Matrix is a simple-batch module driven by a fixed transition matrix. Cells
// in a state without a row keep their state.
type Matrix struct {
	name string
	cfg  MatrixConfig
}

func NewMatrix(name string, cfg MatrixConfig) (*Matrix, error) {
	if name == "" {
		return nil, fmt.Errorf("matrix module needs a name")
	}
	if cfg.Residence < 1 {
		cfg.Residence = 1
	}
	for from, row := range cfg.Transitions {
		for _, t := range row {
			if t.P < 0 {
				return nil, fmt.Errorf("matrix %s: negative weight %v from state %d", name, t.P, from)
			}
			if t.To <= 0 {
				return nil, fmt.Errorf("matrix %s: invalid target state %d from state %d", name, t.To, from)
			}
		}
	}
	return &Matrix{name: name, cfg: cfg}, nil
}

func (m *Matrix) Name() string     { return m.name }
func (m *Matrix) Kind() batch.Kind { return batch.KindSimple }

// Prepare has nothing to fetch; the slot record already carries the state.
func (m *Matrix) Prepare(land *landscape.Landscape, cell int, b *batch.Batch, slot int) error {
	return nil
}

// Process draws the next state of every slot. The rng is seeded from the
// package id, so results do not depend on which goroutine runs the batch.
func (m *Matrix) Process(ctx context.Context, b *batch.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(uint64(m.cfg.Seed), uint64(b.PackageID())))
	n := b.UsedSlots()
	for i := 0; i < n; i++ {
		s := b.Slot(i)
		s.NextState = s.State
		if row := m.cfg.Transitions[s.State]; len(row) > 0 {
			weights := make([]float64, len(row))
			for k, t := range row {
				weights[k] = t.P
			}
			if k := batch.ChooseIndex(weights, rng.Float64()); k >= 0 {
				s.NextState = row[k].To
			}
		}
		s.NextTime = b.Year() + m.cfg.Residence
	}
	return nil
}
