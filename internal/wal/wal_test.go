package wal

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream/pkg/models"
)

func testRow(entity string, frame int64) *models.LogRow {
	return &models.LogRow{
		EntityPath: entity,
		Components: []models.ComponentBatch{
			models.Float64Batch("x", []float64{float64(frame) * 1.5}),
			models.StringBatch("label", []string{"row"}),
		},
		Time: models.TimePoint{"frame": models.Sequence(frame)},
	}
}

func newTestWriter(t *testing.T, compress bool) (*Writer, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "chunkstream-wal-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	w, err := NewWriter(&WriterConfig{
		Dir:      dir,
		Compress: compress,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("NewWriter failed: %v", err)
	}
	return w, dir
}

func TestRecordRoundTrip(t *testing.T) {
	row := &models.LogRow{
		EntityPath: "/robot/cam",
		Components: []models.ComponentBatch{
			models.Int64Batch("id", []int64{1, 2, 3}),
			models.BoolBatch("on", []bool{true}),
		},
		Time: models.TimePoint{
			"frame": models.Sequence(7),
			"wall":  models.Timestamp(time.Unix(5, 0)),
		},
	}

	payload, err := encodeRow(row)
	if err != nil {
		t.Fatalf("encodeRow: %v", err)
	}
	got, err := decodeRow(payload)
	if err != nil {
		t.Fatalf("decodeRow: %v", err)
	}

	if got.EntityPath != row.EntityPath || got.Static != row.Static {
		t.Errorf("header mismatch: %+v", got)
	}
	if len(got.Time) != 2 || got.Time["frame"] != models.Sequence(7) {
		t.Errorf("time mismatch: %+v", got.Time)
	}
	if len(got.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(got.Components))
	}
	byName := map[string]models.ComponentBatch{}
	for _, c := range got.Components {
		byName[c.Name] = c
	}
	ids := byName["id"].Values.([]int64)
	if len(ids) != 3 || ids[2] != 3 {
		t.Errorf("id values mismatch: %v", ids)
	}
	if ons := byName["on"].Values.([]bool); len(ons) != 1 || !ons[0] {
		t.Errorf("on values mismatch: %v", ons)
	}
}

func TestRecordStaticRow(t *testing.T) {
	row := &models.LogRow{
		EntityPath: "/e",
		Static:     true,
		Components: []models.ComponentBatch{models.StringBatch("desc", []string{"s"})},
	}
	payload, err := encodeRow(row)
	if err != nil {
		t.Fatalf("encodeRow: %v", err)
	}
	got, err := decodeRow(payload)
	if err != nil {
		t.Fatalf("decodeRow: %v", err)
	}
	if !got.Static {
		t.Error("static flag lost")
	}
	if len(got.Time) != 0 {
		t.Errorf("static row must carry no time values, got %v", got.Time)
	}
}

func TestRecordRejectsUnsupportedType(t *testing.T) {
	row := &models.LogRow{
		EntityPath: "/e",
		Components: []models.ComponentBatch{{Name: "x", Values: []uint8{1}}},
	}
	if _, err := encodeRow(row); err == nil {
		t.Fatal("expected error for unsupported value type")
	}
}

func TestWriterReaderRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "zstd"
		}
		t.Run(name, func(t *testing.T) {
			w, dir := newTestWriter(t, compress)

			const rows = 20
			for i := int64(0); i < rows; i++ {
				if err := w.AppendRow(testRow("/e", i)); err != nil {
					t.Fatalf("AppendRow %d: %v", i, err)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			segments, err := listSegments(dir)
			if err != nil {
				t.Fatalf("listSegments: %v", err)
			}
			if len(segments) != 1 {
				t.Fatalf("expected 1 segment, got %d", len(segments))
			}

			reader := NewReader(segments[0], zerolog.Nop())
			entries, err := reader.ReadAll()
			if err != nil {
				t.Fatalf("ReadAll: %v", err)
			}
			if len(entries) != rows {
				t.Fatalf("expected %d entries, got %d", rows, len(entries))
			}
			for i, e := range entries {
				if e.Row.Time["frame"].Value != int64(i) {
					t.Errorf("entry %d: frame %d, want %d", i, e.Row.Time["frame"].Value, i)
				}
				if e.TimestampUS == 0 {
					t.Errorf("entry %d: missing timestamp", i)
				}
			}
		})
	}
}

func TestReaderSkipsCorruptEntry(t *testing.T) {
	w, dir := newTestWriter(t, false)
	for i := int64(0); i < 3; i++ {
		if err := w.AppendRow(testRow("/e", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	segments, _ := listSegments(dir)
	data, err := os.ReadFile(segments[0])
	if err != nil {
		t.Fatal(err)
	}
	// Flip a payload byte of the first entry; framing stays intact so the
	// remaining entries are still readable.
	data[FileHeaderSize+EntryHeaderSize] ^= 0xFF
	if err := os.WriteFile(segments[0], data, 0o600); err != nil {
		t.Fatal(err)
	}

	reader := NewReader(segments[0], zerolog.Nop())
	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 surviving entries, got %d", len(entries))
	}
	if reader.CorruptedEntries != 1 {
		t.Errorf("expected 1 corrupted entry, got %d", reader.CorruptedEntries)
	}
}

func TestReaderToleratesTornTail(t *testing.T) {
	w, dir := newTestWriter(t, false)
	for i := int64(0); i < 3; i++ {
		if err := w.AppendRow(testRow("/e", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	segments, _ := listSegments(dir)
	data, err := os.ReadFile(segments[0])
	if err != nil {
		t.Fatal(err)
	}
	// Truncate mid-entry, as a crash during a write would.
	if err := os.WriteFile(segments[0], data[:len(data)-5], 0o600); err != nil {
		t.Fatal(err)
	}

	reader := NewReader(segments[0], zerolog.Nop())
	entries, err := reader.ReadAll()
	if err != nil {
		t.Fatalf("torn tail must not be an error: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 complete entries, got %d", len(entries))
	}
}

func TestReaderRejectsBadMagic(t *testing.T) {
	dir, err := os.MkdirTemp("", "chunkstream-wal-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	path := dir + "/bogus.wal"
	if err := os.WriteFile(path, []byte("NOTAWAL-LONG-ENOUGH"), 0o600); err != nil {
		t.Fatal(err)
	}

	reader := NewReader(path, zerolog.Nop())
	if _, err := reader.ReadAll(); err == nil {
		t.Fatal("expected magic byte error")
	}
}

func TestWriterRotation(t *testing.T) {
	dir, err := os.MkdirTemp("", "chunkstream-wal-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	w, err := NewWriter(&WriterConfig{
		Dir:          dir,
		MaxSizeBytes: 256, // force rotation after a few entries
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := int64(0); i < 50; i++ {
		if err := w.AppendRow(testRow("/e", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) < 2 {
		t.Fatalf("expected rotation to produce multiple segments, got %d", len(segments))
	}

	total := 0
	for _, seg := range segments {
		entries, err := NewReader(seg, zerolog.Nop()).ReadAll()
		if err != nil {
			t.Fatalf("ReadAll(%s): %v", seg, err)
		}
		total += len(entries)
	}
	if total != 50 {
		t.Errorf("expected 50 entries across segments, got %d", total)
	}
}

func TestRotatedSegmentsReplayInOrder(t *testing.T) {
	dir, err := os.MkdirTemp("", "chunkstream-wal-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	w, err := NewWriter(&WriterConfig{
		Dir:          dir,
		MaxSizeBytes: 256,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Rapid appends rotate several times within one clock second; replay
	// order must still match append order.
	for i := int64(0); i < 50; i++ {
		if err := w.AppendRow(testRow("/e", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) < 3 {
		t.Fatalf("expected several segments, got %d", len(segments))
	}

	p := &collectPusher{}
	replayed, err := Recover(dir, p, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if replayed != 50 {
		t.Fatalf("expected 50 replayed rows, got %d", replayed)
	}
	for i, row := range p.rows {
		if frame := row.Time["frame"].Value; frame != int64(i) {
			t.Fatalf("row %d replayed out of order: frame %d", i, frame)
		}
	}
}

type collectPusher struct {
	rows []*models.LogRow
	err  error
}

func (p *collectPusher) Push(row *models.LogRow) error {
	if p.err != nil {
		return p.err
	}
	p.rows = append(p.rows, row)
	return nil
}

func TestRecoverReplaysAndDeletes(t *testing.T) {
	w, dir := newTestWriter(t, false)
	for i := int64(0); i < 10; i++ {
		if err := w.AppendRow(testRow("/e", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	dst := &collectPusher{}
	n, err := Recover(dir, dst, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 10 || len(dst.rows) != 10 {
		t.Fatalf("expected 10 replayed rows, got %d / %d", n, len(dst.rows))
	}
	for i, row := range dst.rows {
		if row.Time["frame"].Value != int64(i) {
			t.Errorf("row %d out of order: frame %d", i, row.Time["frame"].Value)
		}
	}

	segments, err := listSegments(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 0 {
		t.Errorf("segments should be deleted after successful recovery, found %d", len(segments))
	}

	// Second recovery over the empty directory is a no-op.
	n, err = Recover(dir, dst, zerolog.Nop())
	if err != nil || n != 0 {
		t.Errorf("empty recovery: got %d, %v", n, err)
	}
}

func TestRecoverEmptyDir(t *testing.T) {
	n, err := Recover("/nonexistent/wal/dir", &collectPusher{}, zerolog.Nop())
	if err != nil || n != 0 {
		t.Errorf("missing dir: got %d, %v", n, err)
	}
}
