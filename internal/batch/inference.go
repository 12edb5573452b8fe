package batch

import "github.com/SVDmodel/SVD-sub000/internal/landscape"

// FeatureSpec names one input tensor and its width per slot.
type FeatureSpec struct {
	Name  string
	Width int
}

type FeatureSchema []FeatureSpec

// Width returns the total number of features per slot.
func (s FeatureSchema) Width() int {
	w := 0
	for _, f := range s {
		w += f.Width
	}
	return w
}

// Layout fixes the buffer shapes of inference batches.
type Layout struct {
	Schema      FeatureSchema
	TopK        int
	TimeClasses int
}

// Tensor is a row-major [capacity x Width] input buffer.
type Tensor struct {
	Name  string
	Width int
	Data  []float64
}

// Row returns the feature row of a slot.
func (t *Tensor) Row(slot int) []float64 {
	return t.Data[slot*t.Width : (slot+1)*t.Width]
}

// InferenceData holds the engine inputs and the raw candidate outputs of a
// batch: per slot the top-K state ids with their probabilities, and a
// distribution over residence-time classes.
type InferenceData struct {
	Inputs    []Tensor
	States    []landscape.StateID
	Probs     []float64
	TimeProbs []float64

	rows        int
	topK        int
	timeClasses int
}

func newInferenceData(rows int, layout Layout) *InferenceData {
	k := layout.TopK
	if k < 1 {
		k = 1
	}
	t := layout.TimeClasses
	if t < 1 {
		t = 1
	}
	d := &InferenceData{
		Inputs:      make([]Tensor, len(layout.Schema)),
		States:      make([]landscape.StateID, rows*k),
		Probs:       make([]float64, rows*k),
		TimeProbs:   make([]float64, rows*t),
		rows:        rows,
		topK:        k,
		timeClasses: t,
	}
	for i, f := range layout.Schema {
		d.Inputs[i] = Tensor{Name: f.Name, Width: f.Width, Data: make([]float64, rows*f.Width)}
	}
	return d
}

func (d *InferenceData) Rows() int        { return d.rows }
func (d *InferenceData) TopK() int        { return d.topK }
func (d *InferenceData) TimeClasses() int { return d.timeClasses }

// Input returns the tensor with the given name, or nil.
func (d *InferenceData) Input(name string) *Tensor {
	for i := range d.Inputs {
		if d.Inputs[i].Name == name {
			return &d.Inputs[i]
		}
	}
	return nil
}

// Candidates returns the top-K state ids and probabilities of a slot.
func (d *InferenceData) Candidates(slot int) ([]landscape.StateID, []float64) {
	lo, hi := slot*d.topK, (slot+1)*d.topK
	return d.States[lo:hi], d.Probs[lo:hi]
}

// Times returns the residence-time class distribution of a slot.
func (d *InferenceData) Times(slot int) []float64 {
	return d.TimeProbs[slot*d.timeClasses : (slot+1)*d.timeClasses]
}

func (d *InferenceData) clear() {
	for i := range d.States {
		d.States[i] = 0
		d.Probs[i] = 0
	}
	for i := range d.TimeProbs {
		d.TimeProbs[i] = 0
	}
}
