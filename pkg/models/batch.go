package models

import "fmt"

// stringHeaderBytes is the assumed fixed cost of a string value on top of its
// byte length. It approximates the Go string header plus allocator slack and
// keeps byte accounting monotonic without inspecting the heap.
const stringHeaderBytes = 16

// ComponentBatch is a named, strongly-typed columnar array of values for one
// logical component. Values must be one of []int64, []float64, []string or
// []bool. Ownership transfers to the accumulator when the enclosing LogRow is
// pushed; callers must not mutate Values afterwards.
type ComponentBatch struct {
	Name   string
	Values interface{}
}

// Int64Batch builds an int64 component batch.
func Int64Batch(name string, values []int64) ComponentBatch {
	return ComponentBatch{Name: name, Values: values}
}

// Float64Batch builds a float64 component batch.
func Float64Batch(name string, values []float64) ComponentBatch {
	return ComponentBatch{Name: name, Values: values}
}

// StringBatch builds a string component batch.
func StringBatch(name string, values []string) ComponentBatch {
	return ComponentBatch{Name: name, Values: values}
}

// BoolBatch builds a bool component batch.
func BoolBatch(name string, values []bool) ComponentBatch {
	return ComponentBatch{Name: name, Values: values}
}

// Len returns the number of values in the batch, or -1 for an unsupported
// element type.
func (b ComponentBatch) Len() int {
	switch v := b.Values.(type) {
	case []int64:
		return len(v)
	case []float64:
		return len(v)
	case []string:
		return len(v)
	case []bool:
		return len(v)
	default:
		return -1
	}
}

// TypeName returns the element type name ("int64", "float64", "string",
// "bool"), or the Go type string for unsupported payloads.
func (b ComponentBatch) TypeName() string {
	switch b.Values.(type) {
	case []int64:
		return "int64"
	case []float64:
		return "float64"
	case []string:
		return "string"
	case []bool:
		return "bool"
	default:
		return fmt.Sprintf("%T", b.Values)
	}
}

// SizeBytes returns the approximate byte footprint of the batch values.
// Fixed-width types count element size times count; strings count their byte
// length plus a fixed header cost per value.
func (b ComponentBatch) SizeBytes() int {
	switch v := b.Values.(type) {
	case []int64:
		return 8 * len(v)
	case []float64:
		return 8 * len(v)
	case []bool:
		return len(v)
	case []string:
		n := 0
		for _, s := range v {
			n += stringHeaderBytes + len(s)
		}
		return n
	default:
		return 0
	}
}
