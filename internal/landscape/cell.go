package landscape

// StateID identifies a vegetation state. Zero is reserved for cells outside
// the simulated area.
type StateID int32

// Cell is one landscape cell. It is mutated by WriteResult during a cycle and
// by Advance at the end of it.
type Cell struct {
	State      StateID
	Residence  int
	NextState  StateID
	NextUpdate int
	Updated    bool
	Env        int
}

func (c *Cell) IsNull() bool { return c.State == 0 }

// NeedsUpdate reports whether the cell has to be evaluated in the given year.
func (c *Cell) NeedsUpdate(year int) bool {
	return !c.IsNull() && !c.Updated && c.NextUpdate <= year
}

// WriteResult stores the computed next state and the year it takes effect.
func (c *Cell) WriteResult(state StateID, year int) {
	c.NextState = state
	c.NextUpdate = year
	c.Updated = true
}

// advance moves the cell into the following year. A scheduled transition to a
// different state resets the residence time.
func (c *Cell) advance(year int) bool {
	c.Updated = false
	if c.NextUpdate == year+1 && c.NextState != 0 && c.NextState != c.State {
		c.State = c.NextState
		c.Residence = 0
		return true
	}
	c.Residence++
	return false
}
