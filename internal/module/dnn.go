package module

import (
	"context"
	"fmt"
	"math"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
	"github.com/SVDmodel/SVD-sub000/internal/landscape"
)

// Feature names written by the DNN module.
const (
	FeatureState     = "state"
	FeatureResidence = "residence"
	FeatureNeighbors = "neighbors"
	FeatureSite      = "site"
)

// MaxResidence caps the normalized residence feature.
const MaxResidence = 100

// DNN is the default module. Its cells go through inference batches; the
// features are a one-hot current state, the normalized residence time, the
// state distribution of the 3x3 neighborhood and the site conditions.
type DNN struct {
	name        string
	states      *landscape.StateTable
	topK        int
	timeClasses int
}

func NewDNN(name string, states *landscape.StateTable, topK, timeClasses int) *DNN {
	if name == "" {
		name = "dnn"
	}
	return &DNN{name: name, states: states, topK: topK, timeClasses: timeClasses}
}

func (m *DNN) Name() string     { return m.name }
func (m *DNN) Kind() batch.Kind { return batch.KindInference }

func (m *DNN) Schema() batch.FeatureSchema {
	n := m.states.Len()
	return batch.FeatureSchema{
		{Name: FeatureState, Width: n},
		{Name: FeatureResidence, Width: 1},
		{Name: FeatureNeighbors, Width: n},
		{Name: FeatureSite, Width: 2},
	}
}

// Layout is the buffer layout of the module's batches.
func (m *DNN) Layout() batch.Layout {
	return batch.Layout{Schema: m.Schema(), TopK: m.topK, TimeClasses: m.timeClasses}
}

func (m *DNN) Prepare(land *landscape.Landscape, cell int, b *batch.Batch, slot int) error {
	d := b.Inference()
	if d == nil {
		return fmt.Errorf("batch %d has no inference buffers", b.ID())
	}
	c := &land.Cells[cell]
	idx, ok := m.states.IndexOf(c.State)
	if !ok {
		return fmt.Errorf("%w: cell %d in state %d", ErrUnknownState, cell, c.State)
	}

	state := d.Input(FeatureState).Row(slot)
	clear(state)
	state[idx] = 1

	d.Input(FeatureResidence).Row(slot)[0] = math.Min(float64(c.Residence), MaxResidence) / MaxResidence

	nb := d.Input(FeatureNeighbors).Row(slot)
	clear(nb)
	total := 0
	land.Neighbors(cell, func(j int) {
		if k, ok := m.states.IndexOf(land.Cells[j].State); ok {
			nb[k]++
			total++
		}
	})
	if total > 0 {
		for k := range nb {
			nb[k] /= float64(total)
		}
	}

	env := land.Env(cell)
	site := d.Input(FeatureSite).Row(slot)
	site[0], site[1] = env.Elevation, env.Climate
	return nil
}

// Process is a no-op; inference batches are handled by the dispatcher.
func (m *DNN) Process(ctx context.Context, b *batch.Batch) error { return nil }
