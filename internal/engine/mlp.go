package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
	"github.com/SVDmodel/SVD-sub000/internal/landscape"
	"gonum.org/v1/gonum/floats"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type MLPConfig struct {
	Inputs      int
	Hidden      int
	States      []landscape.StateID
	TopK        int
	TimeClasses int
	Seed        int64
}

// MLP is a one-hidden-layer ReLU network with two heads: one over states,
// one over residence-time classes. Weights are drawn from the seed and are
// read-only afterwards.
type MLP struct {
	cfg    MLPConfig
	w0     []float64
	wState []float64
	wTime  []float64
}

func NewMLP(cfg MLPConfig) (*MLP, error) {
	if cfg.Inputs < 1 || cfg.Hidden < 1 {
		return nil, fmt.Errorf("mlp: inputs and hidden must be positive (%d, %d)", cfg.Inputs, cfg.Hidden)
	}
	if len(cfg.States) == 0 {
		return nil, fmt.Errorf("mlp: no output states")
	}
	if cfg.TopK < 1 || cfg.TimeClasses < 1 {
		return nil, fmt.Errorf("mlp: top-k and time classes must be positive (%d, %d)", cfg.TopK, cfg.TimeClasses)
	}
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0x5eed))
	return &MLP{
		cfg:    cfg,
		w0:     glorot(rng, cfg.Inputs, cfg.Hidden),
		wState: glorot(rng, cfg.Hidden, len(cfg.States)),
		wTime:  glorot(rng, cfg.Hidden, cfg.TimeClasses),
	}, nil
}

func glorot(rng *rand.Rand, in, out int) []float64 {
	limit := math.Sqrt(6.0 / float64(in+out))
	w := make([]float64, in*out)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
	return w
}

func matrix(g *gorgonia.ExprGraph, name string, rows, cols int, data []float64) *gorgonia.Node {
	backing := make([]float64, len(data))
	copy(backing, data)
	return gorgonia.NewMatrix(g, tensor.Float64,
		gorgonia.WithShape(rows, cols),
		gorgonia.WithName(name),
		gorgonia.WithValue(tensor.New(tensor.WithShape(rows, cols), tensor.WithBacking(backing))))
}

func (m *MLP) Run(ctx context.Context, d *batch.InferenceData, rows int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rows <= 0 {
		return nil
	}
	if rows > d.Rows() {
		return fmt.Errorf("%w: %d rows requested, buffer holds %d", ErrShape, rows, d.Rows())
	}
	if d.TimeClasses() != m.cfg.TimeClasses {
		return fmt.Errorf("%w: %d time classes, engine has %d", ErrShape, d.TimeClasses(), m.cfg.TimeClasses)
	}

	width := 0
	for _, t := range d.Inputs {
		width += t.Width
	}
	if width != m.cfg.Inputs {
		return fmt.Errorf("%w: %d features, engine expects %d", ErrShape, width, m.cfg.Inputs)
	}

	x := make([]float64, 0, rows*width)
	for r := 0; r < rows; r++ {
		for i := range d.Inputs {
			x = append(x, d.Inputs[i].Row(r)...)
		}
	}

	nStates := len(m.cfg.States)
	g := gorgonia.NewGraph()
	xn := matrix(g, "x", rows, width, x)
	w0 := matrix(g, "w0", width, m.cfg.Hidden, m.w0)
	ws := matrix(g, "w_state", m.cfg.Hidden, nStates, m.wState)
	wt := matrix(g, "w_time", m.cfg.Hidden, m.cfg.TimeClasses, m.wTime)

	h, err := gorgonia.Mul(xn, w0)
	if err != nil {
		return fmt.Errorf("mlp: hidden layer: %w", err)
	}
	h, err = gorgonia.Rectify(h)
	if err != nil {
		return fmt.Errorf("mlp: activation: %w", err)
	}
	stateOut, err := gorgonia.Mul(h, ws)
	if err != nil {
		return fmt.Errorf("mlp: state head: %w", err)
	}
	timeOut, err := gorgonia.Mul(h, wt)
	if err != nil {
		return fmt.Errorf("mlp: time head: %w", err)
	}

	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return fmt.Errorf("mlp: run: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	stateLogits, ok := stateOut.Value().Data().([]float64)
	if !ok {
		return fmt.Errorf("mlp: unexpected state output %T", stateOut.Value().Data())
	}
	timeLogits, ok := timeOut.Value().Data().([]float64)
	if !ok {
		return fmt.Errorf("mlp: unexpected time output %T", timeOut.Value().Data())
	}

	probs := make([]float64, nStates)
	order := make([]int, nStates)
	for r := 0; r < rows; r++ {
		softmax(probs, stateLogits[r*nStates:(r+1)*nStates])
		for i := range order {
			order[i] = i
		}
		sort.SliceStable(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

		states, p := d.Candidates(r)
		for k := range states {
			if k < nStates {
				states[k] = m.cfg.States[order[k]]
				p[k] = probs[order[k]]
			} else {
				states[k] = 0
				p[k] = 0
			}
		}

		tc := m.cfg.TimeClasses
		softmax(d.Times(r), timeLogits[r*tc:(r+1)*tc])
	}
	return nil
}

func softmax(dst, logits []float64) {
	max := floats.Max(logits)
	for i, v := range logits {
		dst[i] = math.Exp(v - max)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}
