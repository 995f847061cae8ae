package wal

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rerun-io/chunkstream/pkg/models"
)

// Wire format for one logged row. Columns are stored with explicit type tags
// and typed slices so decoding never has to guess element types.
type rowRecord struct {
	EntityPath string                  `msgpack:"e"`
	Static     bool                    `msgpack:"st,omitempty"`
	Times      map[string]timeRecord   `msgpack:"tm,omitempty"`
	Columns    map[string]columnRecord `msgpack:"c"`
}

type timeRecord struct {
	Type  uint8 `msgpack:"t"`
	Value int64 `msgpack:"v"`
}

type columnRecord struct {
	Type   string    `msgpack:"t"`
	Ints   []int64   `msgpack:"i,omitempty"`
	Floats []float64 `msgpack:"f,omitempty"`
	Strs   []string  `msgpack:"s,omitempty"`
	Bools  []bool    `msgpack:"b,omitempty"`
}

// encodeRow serializes a LogRow with MessagePack.
func encodeRow(row *models.LogRow) ([]byte, error) {
	rec := rowRecord{
		EntityPath: row.EntityPath,
		Static:     row.Static,
		Columns:    make(map[string]columnRecord, len(row.Components)),
	}

	if !row.Static && len(row.Time) > 0 {
		rec.Times = make(map[string]timeRecord, len(row.Time))
		for name, tv := range row.Time {
			rec.Times[name] = timeRecord{Type: uint8(tv.Type), Value: tv.Value}
		}
	}

	for _, c := range row.Components {
		var cr columnRecord
		switch vals := c.Values.(type) {
		case []int64:
			cr = columnRecord{Type: "int64", Ints: vals}
		case []float64:
			cr = columnRecord{Type: "float64", Floats: vals}
		case []string:
			cr = columnRecord{Type: "string", Strs: vals}
		case []bool:
			cr = columnRecord{Type: "bool", Bools: vals}
		default:
			return nil, fmt.Errorf("component %q has unsupported value type %T", c.Name, c.Values)
		}
		rec.Columns[c.Name] = cr
	}

	return msgpack.Marshal(&rec)
}

// decodeRow deserializes a LogRow from MessagePack bytes.
func decodeRow(payload []byte) (*models.LogRow, error) {
	var rec rowRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode row record: %w", err)
	}

	row := &models.LogRow{
		EntityPath: rec.EntityPath,
		Static:     rec.Static,
	}

	if len(rec.Times) > 0 {
		row.Time = make(models.TimePoint, len(rec.Times))
		for name, tr := range rec.Times {
			row.Time[name] = models.TimeValue{Type: models.TimeType(tr.Type), Value: tr.Value}
		}
	}

	for name, cr := range rec.Columns {
		var batch models.ComponentBatch
		switch cr.Type {
		case "int64":
			batch = models.Int64Batch(name, cr.Ints)
		case "float64":
			batch = models.Float64Batch(name, cr.Floats)
		case "string":
			batch = models.StringBatch(name, cr.Strs)
		case "bool":
			batch = models.BoolBatch(name, cr.Bools)
		default:
			return nil, fmt.Errorf("component %q has unknown column type %q", name, cr.Type)
		}
		row.Components = append(row.Components, batch)
	}

	return row, nil
}
