package sink

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream/internal/storage"
	"github.com/rerun-io/chunkstream/pkg/models"
)

func testChunk() *models.Chunk {
	return &models.Chunk{
		ID:         uuid.New(),
		EntityPath: "/robot/arm/pose",
		NumRows:    3,
		TimeColumns: map[string]models.TimeColumn{
			"frame": {Type: models.TimeTypeSequence, Times: []int64{0, 1, 2}},
			"wall": {
				Type:  models.TimeTypeTimestamp,
				Times: []int64{100, 200, 0},
				Valid: []bool{true, true, false},
			},
		},
		Columns: map[string]models.Column{
			"x":     {Values: []float64{1.0, 2.0, 3.0}},
			"label": {Values: []string{"a", "", "c"}, Valid: []bool{true, false, true}},
			"ok":    {Values: []bool{true, false, true}},
			"count": {Values: []int64{10, 20, 30}},
		},
		Sorted: true,
	}
}

func newTestParquetSink(t *testing.T) (*ParquetSink, *storage.LocalBackend) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "chunkstream-sink-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	backend, err := storage.NewLocalBackend(tmpDir, logger)
	if err != nil {
		t.Fatalf("failed to create LocalBackend: %v", err)
	}

	s := NewParquetSink(ParquetConfig{Compression: "snappy"}, backend, logger)
	return s, backend
}

func TestParquetSinkConsume(t *testing.T) {
	s, backend := newTestParquetSink(t)
	ctx := context.Background()

	if err := s.Consume(ctx, testChunk()); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	paths, err := backend.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(paths) != 1 {
		t.Fatalf("expected 1 stored file, got %d: %v", len(paths), paths)
	}
	if !strings.HasPrefix(paths[0], "robot/arm/pose/") {
		t.Errorf("path not partitioned by entity: %s", paths[0])
	}
	if !strings.HasSuffix(paths[0], ".parquet") {
		t.Errorf("missing .parquet suffix: %s", paths[0])
	}

	data, err := backend.Read(ctx, paths[0])
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	// Parquet files are framed by the PAR1 magic at both ends.
	if len(data) < 8 || !bytes.HasPrefix(data, []byte("PAR1")) || !bytes.HasSuffix(data, []byte("PAR1")) {
		t.Error("stored file is not a Parquet file")
	}
}

func TestParquetSinkSchemaCache(t *testing.T) {
	s, _ := newTestParquetSink(t)

	chunk := testChunk()
	first, err := s.getSchema(chunk)
	if err != nil {
		t.Fatalf("getSchema: %v", err)
	}

	// Same shape, different data: must hit the cache.
	chunk2 := testChunk()
	chunk2.ID = uuid.New()
	second, err := s.getSchema(chunk2)
	if err != nil {
		t.Fatalf("getSchema: %v", err)
	}
	if first != second {
		t.Error("expected cached schema pointer for identical chunk shape")
	}
	if s.schemaCache.misses != 1 || s.schemaCache.hits != 1 {
		t.Errorf("expected 1 miss / 1 hit, got %d / %d", s.schemaCache.misses, s.schemaCache.hits)
	}

	// Changing a column type changes the key.
	chunk3 := testChunk()
	chunk3.Columns["x"] = models.Column{Values: []int64{1, 2, 3}}
	third, err := s.getSchema(chunk3)
	if err != nil {
		t.Fatalf("getSchema: %v", err)
	}
	if third == first {
		t.Error("different column type must not share a schema")
	}
}

func TestInferSchemaFieldOrder(t *testing.T) {
	schema, err := inferSchema(testChunk())
	if err != nil {
		t.Fatalf("inferSchema: %v", err)
	}

	var names []string
	for _, f := range schema.Fields() {
		names = append(names, f.Name)
	}
	// Timelines sorted first, then components sorted.
	want := []string{"time:frame", "time:wall", "count", "label", "ok", "x"}
	if len(names) != len(want) {
		t.Fatalf("expected %d fields, got %v", len(want), names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("field %d: expected %s, got %s", i, want[i], names[i])
		}
	}
	for _, f := range schema.Fields() {
		if !f.Nullable {
			t.Errorf("field %s: all fields must be nullable", f.Name)
		}
	}
}

func TestChunkPath(t *testing.T) {
	s, _ := newTestParquetSink(t)

	chunk := testChunk()
	sealedAt := time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)
	path := s.chunkPath(chunk, sealedAt)

	wantPrefix := "robot/arm/pose/2026/03/15/09/"
	if !strings.HasPrefix(path, wantPrefix) {
		t.Errorf("expected prefix %s, got %s", wantPrefix, path)
	}
	if !strings.HasSuffix(path, chunk.ID.String()+".parquet") {
		t.Errorf("expected chunk ID filename, got %s", path)
	}
}

func TestSanitizeEntityPath(t *testing.T) {
	cases := map[string]string{
		"/robot/arm":       "robot/arm",
		"/":                "_root",
		"":                 "_root",
		"/with space/ok":   "with_space/ok",
		"/has*star":        "has_star",
		"already/relative": "already/relative",
	}
	for in, want := range cases {
		if got := sanitizeEntityPath(in); got != want {
			t.Errorf("sanitize(%q): expected %q, got %q", in, want, got)
		}
	}
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()

	if err := s.Consume(ctx, testChunk()); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if err := s.Consume(ctx, testChunk()); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	if s.Len() != 2 {
		t.Errorf("expected 2 chunks, got %d", s.Len())
	}
	if s.TotalRows() != 6 {
		t.Errorf("expected 6 rows, got %d", s.TotalRows())
	}

	s.Reset()
	if s.Len() != 0 {
		t.Error("Reset should clear chunks")
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
