package models

import "github.com/google/uuid"

// TimeColumn is one timeline's index inside a sealed chunk. Times holds one
// value per row; Valid marks rows that actually carry a value on this
// timeline (a nil Valid means every row does). Static rows are null on every
// timeline.
type TimeColumn struct {
	Type  TimeType
	Times []int64
	Valid []bool
}

// IsValid reports whether row i has a value on this timeline.
func (c TimeColumn) IsValid(i int) bool {
	return c.Valid == nil || c.Valid[i]
}

// Column is one component's values inside a sealed chunk. Values is a typed
// slice ([]int64, []float64, []string or []bool) with one entry per row;
// Valid marks rows where the component was actually logged (nil = all rows).
type Column struct {
	Values interface{}
	Valid  []bool
}

// IsValid reports whether row i carries a value in this column.
func (c Column) IsValid(i int) bool {
	return c.Valid == nil || c.Valid[i]
}

// Chunk is the immutable, sealed, columnar unit of data handed downstream to
// a sink. Once constructed it is never mutated; ownership transfers to
// whichever sink receives it.
type Chunk struct {
	ID         uuid.UUID
	EntityPath string
	NumRows    int

	// TimeColumns maps timeline name to its time index.
	TimeColumns map[string]TimeColumn

	// Columns maps component name to its values.
	Columns map[string]Column

	// Sorted reports whether rows are in non-decreasing order on at least
	// one timeline.
	Sorted bool
}

// ComponentNames returns the component names present in the chunk, in
// unspecified order.
func (c *Chunk) ComponentNames() []string {
	names := make([]string, 0, len(c.Columns))
	for name := range c.Columns {
		names = append(names, name)
	}
	return names
}

// Timelines returns the timeline names present in the chunk, in unspecified
// order.
func (c *Chunk) Timelines() []string {
	names := make([]string, 0, len(c.TimeColumns))
	for name := range c.TimeColumns {
		names = append(names, name)
	}
	return names
}
