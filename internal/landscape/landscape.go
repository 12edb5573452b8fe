package landscape

import (
	"fmt"
	"math/rand/v2"
)

// State describes one entry of the state table. Module names the owner
// module that evaluates cells in this state; empty means the default
// inference path.
type State struct {
	ID     StateID `yaml:"id"`
	Name   string  `yaml:"name"`
	Module string  `yaml:"module"`
}

type StateTable struct {
	states []State
	index  map[StateID]int
}

func NewStateTable(states []State) (*StateTable, error) {
	t := &StateTable{
		states: make([]State, 0, len(states)),
		index:  make(map[StateID]int, len(states)),
	}
	for _, s := range states {
		if s.ID <= 0 {
			return nil, fmt.Errorf("state %q: id must be positive, got %d", s.Name, s.ID)
		}
		if _, dup := t.index[s.ID]; dup {
			return nil, fmt.Errorf("state %d defined twice", s.ID)
		}
		t.index[s.ID] = len(t.states)
		t.states = append(t.states, s)
	}
	if len(t.states) == 0 {
		return nil, fmt.Errorf("state table is empty")
	}
	return t, nil
}

func (t *StateTable) Len() int { return len(t.states) }

// MaxID returns the largest state id in the table.
func (t *StateTable) MaxID() StateID {
	var max StateID
	for _, s := range t.states {
		if s.ID > max {
			max = s.ID
		}
	}
	return max
}

func (t *StateTable) Get(id StateID) (State, bool) {
	i, ok := t.index[id]
	if !ok {
		return State{}, false
	}
	return t.states[i], true
}

// IndexOf returns the position of a state in the table.
func (t *StateTable) IndexOf(id StateID) (int, bool) {
	i, ok := t.index[id]
	return i, ok
}

// Module returns the owner module of a state, or "" for unknown states.
func (t *StateTable) Module(id StateID) string {
	s, _ := t.Get(id)
	return s.Module
}

func (t *StateTable) States() []State {
	out := make([]State, len(t.states))
	copy(out, t.states)
	return out
}

// Environment holds the site conditions shared by a group of cells.
type Environment struct {
	Elevation float64
	Climate   float64
}

// Landscape is the arena that owns all cells. Cells are addressed by their
// index in Cells, which stays stable for the lifetime of the landscape.
type Landscape struct {
	Width, Height int
	Cells         []Cell
	Envs          []Environment
	States        *StateTable
}

func New(w, h int, states *StateTable) *Landscape {
	if w <= 0 {
		w = 1
	}
	if h <= 0 {
		h = 1
	}
	return &Landscape{
		Width:  w,
		Height: h,
		Cells:  make([]Cell, w*h),
		Envs:   []Environment{{}},
		States: states,
	}
}

func (l *Landscape) Len() int { return len(l.Cells) }

func (l *Landscape) Cell(i int) *Cell { return &l.Cells[i] }

func (l *Landscape) Index(x, y int) int { return y*l.Width + x }

func (l *Landscape) Coords(i int) (int, int) { return i % l.Width, i / l.Width }

// Env returns the environment of the cell at index i.
func (l *Landscape) Env(i int) Environment {
	e := l.Cells[i].Env
	if e < 0 || e >= len(l.Envs) {
		return Environment{}
	}
	return l.Envs[e]
}

// Neighbors calls fn for every non-null cell in the 3x3 neighborhood of i,
// excluding i itself. Edges do not wrap.
func (l *Landscape) Neighbors(i int, fn func(j int)) {
	x, y := l.Coords(i)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || ny < 0 || nx >= l.Width || ny >= l.Height {
				continue
			}
			j := l.Index(nx, ny)
			if !l.Cells[j].IsNull() {
				fn(j)
			}
		}
	}
}

// Advance finalizes a year: scheduled transitions take effect and residence
// times grow. It returns the number of cells that changed state.
func (l *Landscape) Advance(year int) int {
	changed := 0
	for i := range l.Cells {
		c := &l.Cells[i]
		if c.IsNull() {
			continue
		}
		if c.advance(year) {
			changed++
		}
	}
	return changed
}

// Active returns the number of non-null cells.
func (l *Landscape) Active() int {
	n := 0
	for i := range l.Cells {
		if !l.Cells[i].IsNull() {
			n++
		}
	}
	return n
}

// Histogram counts non-null cells per state.
func (l *Landscape) Histogram() map[StateID]int {
	h := make(map[StateID]int)
	for i := range l.Cells {
		if s := l.Cells[i].State; s != 0 {
			h[s]++
		}
	}
	return h
}

// GenerateOptions controls the synthetic landscape generator.
type GenerateOptions struct {
	Width        int
	Height       int
	NullFraction float64
	Environments int
	Seed         int64
}

// Generate builds a random landscape. States are drawn uniformly from the
// table, residence times from [0, 10), and each cell is due for evaluation
// in year 0.
func Generate(opts GenerateOptions, states *StateTable) *Landscape {
	rng := rand.New(rand.NewPCG(uint64(opts.Seed), 0))
	l := New(opts.Width, opts.Height, states)

	nEnv := opts.Environments
	if nEnv < 1 {
		nEnv = 1
	}
	l.Envs = make([]Environment, nEnv)
	for i := range l.Envs {
		l.Envs[i] = Environment{
			Elevation: rng.Float64(),
			Climate:   rng.Float64(),
		}
	}

	all := states.States()
	for i := range l.Cells {
		c := &l.Cells[i]
		if rng.Float64() < opts.NullFraction {
			continue
		}
		c.State = all[rng.IntN(len(all))].ID
		c.Residence = rng.IntN(10)
		c.Env = rng.IntN(nEnv)
	}
	return l
}
