package chunkstream

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rerun-io/chunkstream/internal/config"
	"github.com/rerun-io/chunkstream/internal/sink"
	"github.com/rerun-io/chunkstream/internal/wal"
	"github.com/rerun-io/chunkstream/pkg/models"
)

func testEngineConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Batcher: config.BatcherConfig{
			MaxRows:    1 << 20,
			MaxLatency: time.Hour,
			ShardCount: 4,
		},
		Storage: config.StorageConfig{
			Backend:   "local",
			LocalPath: t.TempDir(),
		},
		Sink: config.SinkConfig{Kind: "parquet", Compression: "snappy"},
	}
}

func poseRow(entity string, frame int64) *models.LogRow {
	return &models.LogRow{
		EntityPath: entity,
		Components: []models.ComponentBatch{
			models.Float64Batch("x", []float64{float64(frame)}),
			models.Float64Batch("y", []float64{float64(frame) * 2}),
		},
		Time: models.TimePoint{"frame": models.Sequence(frame)},
	}
}

func TestEngineWithMemorySink(t *testing.T) {
	mem := sink.NewMemorySink()
	nop := zerolog.Nop()
	e, err := Open(Options{
		Config: testEngineConfig(t),
		Sink:   mem,
		Logger: &nop,
	})
	require.NoError(t, err)

	for i := int64(0); i < 10; i++ {
		require.NoError(t, e.Push(poseRow("/robot", i)))
	}
	require.NoError(t, e.Flush())
	assert.Equal(t, 10, mem.TotalRows())

	require.NoError(t, e.Close())
	require.NoError(t, e.Close(), "Close must be idempotent")

	assert.ErrorIs(t, e.Push(poseRow("/robot", 99)), ErrClosed)
}

func TestEngineWritesParquetFiles(t *testing.T) {
	cfg := testEngineConfig(t)
	nop := zerolog.Nop()
	e, err := Open(Options{Config: cfg, Logger: &nop})
	require.NoError(t, err)

	for i := int64(0); i < 5; i++ {
		require.NoError(t, e.Push(poseRow("/robot/arm", i)))
	}
	require.NoError(t, e.Close())

	var files []string
	err = filepath.Walk(cfg.Storage.LocalPath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && filepath.Ext(path) == ".parquet" {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, files, 1, "Close must flush the buffered chunk to storage")
}

func TestEngineRecoversFromWAL(t *testing.T) {
	walDir := t.TempDir()

	// Simulate a crashed process that WAL'd rows it never flushed.
	w, err := wal.NewWriter(&wal.WriterConfig{Dir: walDir, Logger: zerolog.Nop()})
	require.NoError(t, err)
	for i := int64(0); i < 7; i++ {
		require.NoError(t, w.AppendRow(poseRow("/robot", i)))
	}
	require.NoError(t, w.Close())

	cfg := testEngineConfig(t)
	cfg.WAL = config.WALConfig{
		Enabled:   true,
		Directory: walDir,
		SyncMode:  "fsync",
	}

	mem := sink.NewMemorySink()
	nop := zerolog.Nop()
	e, err := Open(Options{Config: cfg, Sink: mem, Logger: &nop})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Flush())
	assert.Equal(t, 7, mem.TotalRows(), "recovered rows must reach the sink")

	m := e.Metrics()
	assert.GreaterOrEqual(t, m["rows_pushed"], int64(7))
}

func TestEngineSortsByPrimaryTimeline(t *testing.T) {
	mem := sink.NewMemorySink()
	nop := zerolog.Nop()
	e, err := Open(Options{
		Config:          testEngineConfig(t),
		Sink:            mem,
		PrimaryTimeline: "frame",
		Logger:          &nop,
	})
	require.NoError(t, err)
	defer e.Close()

	for _, frame := range []int64{4, 1, 3, 2} {
		require.NoError(t, e.Push(poseRow("/robot", frame)))
	}
	require.NoError(t, e.Flush())

	chunks := mem.Chunks()
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Sorted)
	assert.Equal(t, []int64{1, 2, 3, 4}, chunks[0].TimeColumns["frame"].Times)
}

func TestEngineErrorHandler(t *testing.T) {
	cfg := testEngineConfig(t)
	cfg.Storage.Backend = "bogus"
	nop := zerolog.Nop()
	_, err := Open(Options{Config: cfg, Logger: &nop})
	require.Error(t, err, "unknown storage backend must fail Open")
}

func BenchmarkEnginePush(b *testing.B) {
	mem := sink.NewMemorySink()
	nop := zerolog.Nop()
	e, err := Open(Options{
		Config: &config.Config{
			Batcher: config.BatcherConfig{MaxRows: 4096, MaxLatency: time.Hour},
			Sink:    config.SinkConfig{Kind: "memory"},
		},
		Sink:   mem,
		Logger: &nop,
	})
	if err != nil {
		b.Fatal(err)
	}
	defer e.Close()

	rows := make([]*models.LogRow, 64)
	for i := range rows {
		rows[i] = poseRow(fmt.Sprintf("/entity/%d", i%8), int64(i))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if err := e.Push(rows[i%len(rows)]); err != nil {
				b.Fatal(err)
			}
			i++
		}
	})
}
