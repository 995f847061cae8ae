package batcher

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rerun-io/chunkstream/pkg/models"
)

// rowOverheadBytes is the fixed per-row cost added to the byte estimate on
// top of the value footprint. It approximates index bookkeeping and keeps the
// estimate monotonic; only the threshold-crossing behavior is load-bearing.
const rowOverheadBytes = 24

type colType uint8

const (
	colInt64 colType = iota
	colFloat64
	colString
	colBool
)

func (t colType) String() string {
	switch t {
	case colInt64:
		return "int64"
	case colFloat64:
		return "float64"
	case colString:
		return "string"
	case colBool:
		return "bool"
	default:
		return "unknown"
	}
}

func batchColType(b models.ComponentBatch) (colType, bool) {
	switch b.Values.(type) {
	case []int64:
		return colInt64, true
	case []float64:
		return colFloat64, true
	case []string:
		return colString, true
	case []bool:
		return colBool, true
	default:
		return 0, false
	}
}

// columnBuffer is a growable, null-padded column for one component. Only the
// slice matching typ is populated.
type columnBuffer struct {
	typ    colType
	ints   []int64
	floats []float64
	strs   []string
	bools  []bool
	valid  []bool
	nulls  bool
}

func newColumnBuffer(typ colType, backfill int) *columnBuffer {
	c := &columnBuffer{typ: typ}
	c.appendNulls(backfill)
	return c
}

// appendNulls pads the column with n null entries.
func (c *columnBuffer) appendNulls(n int) {
	if n == 0 {
		return
	}
	c.nulls = true
	switch c.typ {
	case colInt64:
		c.ints = append(c.ints, make([]int64, n)...)
	case colFloat64:
		c.floats = append(c.floats, make([]float64, n)...)
	case colString:
		c.strs = append(c.strs, make([]string, n)...)
	case colBool:
		c.bools = append(c.bools, make([]bool, n)...)
	}
	c.valid = append(c.valid, make([]bool, n)...)
}

// appendBatch appends a batch across n destination rows. A length-1 batch is
// splatted; otherwise the batch length equals n (validated by the caller).
func (c *columnBuffer) appendBatch(b models.ComponentBatch, n int) {
	switch vals := b.Values.(type) {
	case []int64:
		if len(vals) == 1 && n > 1 {
			for i := 0; i < n; i++ {
				c.ints = append(c.ints, vals[0])
			}
		} else {
			c.ints = append(c.ints, vals...)
		}
	case []float64:
		if len(vals) == 1 && n > 1 {
			for i := 0; i < n; i++ {
				c.floats = append(c.floats, vals[0])
			}
		} else {
			c.floats = append(c.floats, vals...)
		}
	case []string:
		if len(vals) == 1 && n > 1 {
			for i := 0; i < n; i++ {
				c.strs = append(c.strs, vals[0])
			}
		} else {
			c.strs = append(c.strs, vals...)
		}
	case []bool:
		if len(vals) == 1 && n > 1 {
			for i := 0; i < n; i++ {
				c.bools = append(c.bools, vals[0])
			}
		} else {
			c.bools = append(c.bools, vals...)
		}
	}
	for i := 0; i < n; i++ {
		c.valid = append(c.valid, true)
	}
}

// storedBytes returns the byte footprint of storing batch b across n rows.
func storedBytes(b models.ComponentBatch, n int) int64 {
	if b.Len() == n {
		return int64(b.SizeBytes())
	}
	// Splat: n copies of the single value.
	return int64(b.SizeBytes()) * int64(n)
}

// finish converts the buffer into an immutable chunk column, applying the
// row permutation when perm is non-nil.
func (c *columnBuffer) finish(perm []int) models.Column {
	var col models.Column
	switch c.typ {
	case colInt64:
		col.Values = permuteInt64(c.ints, perm)
	case colFloat64:
		col.Values = permuteFloat64(c.floats, perm)
	case colString:
		col.Values = permuteString(c.strs, perm)
	case colBool:
		col.Values = permuteBool(c.bools, perm)
	}
	if c.nulls {
		col.Valid = permuteBool(c.valid, perm)
	}
	return col
}

// timeBuffer is a growable, null-padded time index for one timeline.
type timeBuffer struct {
	typ   models.TimeType
	times []int64
	valid []bool
	nulls bool
}

func newTimeBuffer(typ models.TimeType, backfill int) *timeBuffer {
	t := &timeBuffer{typ: typ}
	t.appendNulls(backfill)
	return t
}

func (t *timeBuffer) appendNulls(n int) {
	if n == 0 {
		return
	}
	t.nulls = true
	t.times = append(t.times, make([]int64, n)...)
	t.valid = append(t.valid, make([]bool, n)...)
}

func (t *timeBuffer) appendValue(v int64, n int) {
	for i := 0; i < n; i++ {
		t.times = append(t.times, v)
		t.valid = append(t.valid, true)
	}
}

func (t *timeBuffer) finish(perm []int) models.TimeColumn {
	col := models.TimeColumn{
		Type:  t.typ,
		Times: permuteInt64(t.times, perm),
	}
	if t.nulls {
		col.Valid = permuteBool(t.valid, perm)
	}
	return col
}

// accumulator buffers log rows for one entity path until sealed. It is
// single-writer: the owning shard serializes all access under its lock.
type accumulator struct {
	entityPath string

	// primary is the timeline chunks are sorted by at seal time; empty
	// means seal in arrival order.
	primary string

	timelines map[string]*timeBuffer
	columns   map[string]*columnBuffer

	rows      int64
	bytes     int64
	createdAt time.Time
}

func newAccumulator(entityPath, primary string) *accumulator {
	return &accumulator{
		entityPath: entityPath,
		primary:    primary,
		timelines:  make(map[string]*timeBuffer),
		columns:    make(map[string]*columnBuffer),
		createdAt:  time.Now(),
	}
}

// push appends one LogRow. The append is all-or-nothing: every validation
// runs before the first mutation, so a rejected row leaves the accumulator
// untouched.
func (a *accumulator) push(row *models.LogRow) error {
	if row.EntityPath != a.entityPath {
		return fmt.Errorf("%w: row for %q pushed to accumulator for %q",
			ErrInvalidPartition, row.EntityPath, a.entityPath)
	}

	n, err := row.NumRows()
	if err != nil {
		return err
	}

	// Validate component and timeline types against already-seen state.
	for _, c := range row.Components {
		typ, ok := batchColType(c)
		if !ok {
			return fmt.Errorf("entity %q: component %q has unsupported value type %s",
				a.entityPath, c.Name, c.TypeName())
		}
		if existing, seen := a.columns[c.Name]; seen && existing.typ != typ {
			return &ColumnTypeError{
				EntityPath: a.entityPath,
				Component:  c.Name,
				Want:       existing.typ.String(),
				Got:        typ.String(),
			}
		}
	}
	if !row.Static {
		for name, tv := range row.Time {
			if existing, seen := a.timelines[name]; seen && existing.typ != tv.Type {
				return &TimelineTypeError{
					EntityPath: a.entityPath,
					Timeline:   name,
					Want:       existing.typ.String(),
					Got:        tv.Type.String(),
				}
			}
		}
	}

	backfill := int(a.rows)

	// Time index. Timelines absent from this row (and every timeline on a
	// static row) get nulls; new timelines are backfilled with nulls for
	// all prior rows.
	if !row.Static {
		for name, tv := range row.Time {
			tb, seen := a.timelines[name]
			if !seen {
				tb = newTimeBuffer(tv.Type, backfill)
				a.timelines[name] = tb
			}
			tb.appendValue(tv.Value, n)
			a.bytes += 8 * int64(n)
		}
	}
	for name, tb := range a.timelines {
		if row.Static {
			tb.appendNulls(n)
			continue
		}
		if _, present := row.Time[name]; !present {
			tb.appendNulls(n)
		}
	}

	// Component columns. Same sparse treatment.
	inRow := make(map[string]struct{}, len(row.Components))
	for _, c := range row.Components {
		inRow[c.Name] = struct{}{}
		typ, _ := batchColType(c)
		cb, seen := a.columns[c.Name]
		if !seen {
			cb = newColumnBuffer(typ, backfill)
			a.columns[c.Name] = cb
		}
		cb.appendBatch(c, n)
		a.bytes += storedBytes(c, n)
	}
	for name, cb := range a.columns {
		if _, present := inRow[name]; !present {
			cb.appendNulls(n)
		}
	}

	if a.rows == 0 {
		a.createdAt = time.Now()
	}
	a.rows += int64(n)
	a.bytes += rowOverheadBytes * int64(n)
	return nil
}

// size returns a read-only snapshot for threshold evaluation.
func (a *accumulator) size() (bytes, rows int64, age time.Duration) {
	if a.rows == 0 {
		return 0, 0, 0
	}
	return a.bytes, a.rows, time.Since(a.createdAt)
}

// seal consumes the buffered state into an immutable chunk and resets the
// accumulator to empty. Sealing an empty accumulator returns nil: zero-row
// chunks never flow downstream.
func (a *accumulator) seal() *models.Chunk {
	if a.rows == 0 {
		return nil
	}

	perm := a.sortPermutation()

	chunk := &models.Chunk{
		ID:          uuid.New(),
		EntityPath:  a.entityPath,
		NumRows:     int(a.rows),
		TimeColumns: make(map[string]models.TimeColumn, len(a.timelines)),
		Columns:     make(map[string]models.Column, len(a.columns)),
	}
	for name, tb := range a.timelines {
		chunk.TimeColumns[name] = tb.finish(perm)
	}
	for name, cb := range a.columns {
		chunk.Columns[name] = cb.finish(perm)
	}
	chunk.Sorted = chunkIsSorted(chunk)

	// Discard-and-replace reset; the sealed chunk owns the old buffers.
	a.timelines = make(map[string]*timeBuffer)
	a.columns = make(map[string]*columnBuffer)
	a.rows = 0
	a.bytes = 0
	a.createdAt = time.Now()

	return chunk
}

// sortPermutation returns the row order for sealing: a stable sort by the
// primary timeline with ties (and null-time rows, which sort last) kept in
// arrival order. Returns nil when no reordering is needed.
func (a *accumulator) sortPermutation() []int {
	if a.primary == "" {
		return nil
	}
	tb, ok := a.timelines[a.primary]
	if !ok {
		return nil
	}

	perm := make([]int, a.rows)
	for i := range perm {
		perm[i] = i
	}
	sort.SliceStable(perm, func(x, y int) bool {
		i, j := perm[x], perm[y]
		vi := !tb.nulls || tb.valid[i]
		vj := !tb.nulls || tb.valid[j]
		if vi != vj {
			return vi
		}
		if !vi {
			return false
		}
		return tb.times[i] < tb.times[j]
	})

	for i := range perm {
		if perm[i] != i {
			return perm
		}
	}
	return nil // already in order
}

// chunkIsSorted reports whether the chunk is non-decreasing on at least one
// timeline, ignoring null entries.
func chunkIsSorted(c *models.Chunk) bool {
	if len(c.TimeColumns) == 0 {
		return false
	}
	for _, tc := range c.TimeColumns {
		if timeColumnSorted(tc) {
			return true
		}
	}
	return false
}

func timeColumnSorted(tc models.TimeColumn) bool {
	prev := int64(0)
	first := true
	for i, t := range tc.Times {
		if !tc.IsValid(i) {
			continue
		}
		if !first && t < prev {
			return false
		}
		prev = t
		first = false
	}
	return true
}

func permuteInt64(vals []int64, perm []int) []int64 {
	if perm == nil {
		return vals
	}
	out := make([]int64, len(vals))
	for i, p := range perm {
		out[i] = vals[p]
	}
	return out
}

func permuteFloat64(vals []float64, perm []int) []float64 {
	if perm == nil {
		return vals
	}
	out := make([]float64, len(vals))
	for i, p := range perm {
		out[i] = vals[p]
	}
	return out
}

func permuteString(vals []string, perm []int) []string {
	if perm == nil {
		return vals
	}
	out := make([]string, len(vals))
	for i, p := range perm {
		out[i] = vals[p]
	}
	return out
}

func permuteBool(vals []bool, perm []int) []bool {
	if perm == nil {
		return vals
	}
	out := make([]bool, len(vals))
	for i, p := range perm {
		out[i] = vals[p]
	}
	return out
}
