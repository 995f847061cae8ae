package models

import (
	"fmt"
	"strings"
)

// TimelineColumnPrefix namespaces timeline columns when a chunk is
// serialized. Component names must not use it, or a component column would
// collide with a timeline column downstream.
const TimelineColumnPrefix = "time:"

// LogRow is one logged event: an entity path, a set of component batches, a
// time point, and a static flag. A LogRow is consumed exactly once by
// Batcher.Push; its data moves into the accumulator's column storage.
//
// A row may carry more than one destination row: the row count is the maximum
// component batch length, and length-1 batches are splatted (broadcast)
// across all destination rows. The row's TimePoint applies to every
// destination row.
type LogRow struct {
	EntityPath string
	Components []ComponentBatch
	Time       TimePoint

	// Static marks a row that applies outside of time. Static rows carry no
	// time index: every timeline is null for them.
	Static bool
}

// NumRows returns the number of destination rows this LogRow expands to, and
// validates the component batches: names must be unique within the row, value
// payloads must be a supported typed slice, and every batch length must be
// either 1 (splat) or equal to the row count.
func (r *LogRow) NumRows() (int, error) {
	if len(r.Components) == 0 {
		return 0, fmt.Errorf("log row for %q has no components", r.EntityPath)
	}

	seen := make(map[string]struct{}, len(r.Components))
	n := 1
	for _, c := range r.Components {
		if _, dup := seen[c.Name]; dup {
			return 0, fmt.Errorf("log row for %q: duplicate component %q", r.EntityPath, c.Name)
		}
		if strings.HasPrefix(c.Name, TimelineColumnPrefix) {
			return 0, fmt.Errorf("log row for %q: component %q uses reserved prefix %q",
				r.EntityPath, c.Name, TimelineColumnPrefix)
		}
		seen[c.Name] = struct{}{}

		l := c.Len()
		if l < 0 {
			return 0, fmt.Errorf("log row for %q: component %q has unsupported value type %s",
				r.EntityPath, c.Name, c.TypeName())
		}
		if l == 0 {
			return 0, fmt.Errorf("log row for %q: component %q is empty", r.EntityPath, c.Name)
		}
		if l > n {
			if n != 1 {
				return 0, fmt.Errorf("log row for %q: component %q has length %d, want 1 or %d",
					r.EntityPath, c.Name, l, n)
			}
			n = l
		}
	}

	// Second pass now that the row count is known.
	for _, c := range r.Components {
		if l := c.Len(); l != 1 && l != n {
			return 0, fmt.Errorf("log row for %q: component %q has length %d, want 1 or %d",
				r.EntityPath, c.Name, l, n)
		}
	}

	return n, nil
}
