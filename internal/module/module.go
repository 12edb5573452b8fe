// Package module holds the owner modules that decide which batch type a
// cell goes through, how its features are written and how a finished
// simple batch is turned into results.
package module

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/SVDmodel/SVD-sub000/internal/batch"
	"github.com/SVDmodel/SVD-sub000/internal/landscape"
)

var (
	// ErrUnknownModule indicates a state refers to a module that is not registered.
	ErrUnknownModule = errors.New("module: unknown module")

	// ErrUnknownState indicates a cell in a state missing from the state table.
	ErrUnknownState = errors.New("module: unknown state")
)

// Module is the rule set a batch belongs to. Prepare is called on producer
// goroutines, concurrently for different slots. Process is called once per
// dispatched simple batch.
type Module interface {
	Name() string
	Kind() batch.Kind
	Prepare(land *landscape.Landscape, cell int, b *batch.Batch, slot int) error
	Process(ctx context.Context, b *batch.Batch) error
}

// Registry resolves cells to modules. Cells whose state names no module go
// to the default module.
type Registry struct {
	modules map[string]Module
	def     string
}

func NewRegistry(def Module, others ...Module) (*Registry, error) {
	r := &Registry{modules: make(map[string]Module), def: def.Name()}
	for _, m := range append([]Module{def}, others...) {
		if _, dup := r.modules[m.Name()]; dup {
			return nil, fmt.Errorf("module %q registered twice", m.Name())
		}
		r.modules[m.Name()] = m
	}
	return r, nil
}

func (r *Registry) Default() Module { return r.modules[r.def] }

func (r *Registry) Get(name string) (Module, error) {
	if name == "" {
		return r.Default(), nil
	}
	m, ok := r.modules[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	return m, nil
}

// ForCell returns the owner module of the cell's current state.
func (r *Registry) ForCell(land *landscape.Landscape, cell int) (Module, error) {
	return r.Get(land.States.Module(land.Cells[cell].State))
}

// Kinds maps every registered module to its batch type.
func (r *Registry) Kinds() map[string]batch.Kind {
	out := make(map[string]batch.Kind, len(r.modules))
	for name, m := range r.modules {
		out[name] = m.Kind()
	}
	return out
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every module named by the state table is registered.
func (r *Registry) Validate(states *landscape.StateTable) error {
	for _, s := range states.States() {
		if _, err := r.Get(s.Module); err != nil {
			return fmt.Errorf("state %d (%s): %w", s.ID, s.Name, err)
		}
	}
	return nil
}
