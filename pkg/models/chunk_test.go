package models

import (
	"sort"
	"testing"
)

func TestValidityNilMeansAllValid(t *testing.T) {
	col := Column{Values: []int64{1, 2, 3}}
	for i := 0; i < 3; i++ {
		if !col.IsValid(i) {
			t.Errorf("row %d: nil Valid must mean valid", i)
		}
	}

	tc := TimeColumn{Type: TimeTypeSequence, Times: []int64{1, 2}, Valid: []bool{true, false}}
	if !tc.IsValid(0) || tc.IsValid(1) {
		t.Error("explicit validity bitmap not honored")
	}
}

func TestChunkNames(t *testing.T) {
	c := &Chunk{
		TimeColumns: map[string]TimeColumn{"frame": {}, "wall": {}},
		Columns:     map[string]Column{"x": {}, "y": {}, "z": {}},
	}

	comps := c.ComponentNames()
	sort.Strings(comps)
	if len(comps) != 3 || comps[0] != "x" || comps[2] != "z" {
		t.Errorf("ComponentNames: got %v", comps)
	}

	tls := c.Timelines()
	sort.Strings(tls)
	if len(tls) != 2 || tls[0] != "frame" || tls[1] != "wall" {
		t.Errorf("Timelines: got %v", tls)
	}
}
