// Sustained load benchmark for chunkstream ingestion
// Usage: go run benchmarks/ingest_bench/main.go [flags]
//
// Examples:
//   go run benchmarks/ingest_bench/main.go --duration 30
//   go run benchmarks/ingest_bench/main.go --workers 32 --entities 256 --batch-size 64
//   go run benchmarks/ingest_bench/main.go --sink parquet --dir ./bench-data
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream"
	"github.com/rerun-io/chunkstream/internal/config"
	"github.com/rerun-io/chunkstream/pkg/models"
)

type benchConfig struct {
	Duration  int
	Workers   int
	Entities  int
	BatchSize int
	MaxRows   int64
	Latency   time.Duration
	SinkKind  string
	Dir       string
}

type stats struct {
	totalRows   atomic.Int64
	totalPushes atomic.Int64
	totalErrors atomic.Int64
	running     atomic.Bool

	// Per-worker latency slices avoid mutex contention during the run.
	workerLatencies [][]float64
}

func (s *stats) initWorkers(n int) {
	s.workerLatencies = make([][]float64, n)
	for i := range s.workerLatencies {
		s.workerLatencies[i] = make([]float64, 0, 100000)
	}
}

func (s *stats) addLatency(workerID int, us float64) {
	s.workerLatencies[workerID] = append(s.workerLatencies[workerID], us)
}

func (s *stats) percentile(p float64) float64 {
	var all []float64
	for _, wl := range s.workerLatencies {
		all = append(all, wl...)
	}
	if len(all) == 0 {
		return 0
	}
	sort.Float64s(all)
	idx := int(float64(len(all)) * p)
	if idx >= len(all) {
		idx = len(all) - 1
	}
	return all[idx]
}

// pregenRows builds the row pool up front so the measured loop is pushes, not
// allocation.
func pregenRows(entities, batchSize, count int) []*models.LogRow {
	rows := make([]*models.LogRow, count)
	for i := range rows {
		xs := make([]float64, batchSize)
		ys := make([]float64, batchSize)
		zs := make([]float64, batchSize)
		for j := range xs {
			xs[j] = rand.Float64() * 100
			ys[j] = rand.Float64() * 100
			zs[j] = rand.Float64() * 100
		}
		rows[i] = &models.LogRow{
			EntityPath: fmt.Sprintf("/bench/entity/%d", i%entities),
			Components: []models.ComponentBatch{
				models.Float64Batch("x", xs),
				models.Float64Batch("y", ys),
				models.Float64Batch("z", zs),
			},
			Time: models.TimePoint{"frame": models.Sequence(int64(i))},
		}
	}
	return rows
}

func main() {
	cfg := benchConfig{}
	flag.IntVar(&cfg.Duration, "duration", 30, "benchmark duration in seconds")
	flag.IntVar(&cfg.Workers, "workers", 16, "concurrent producer goroutines")
	flag.IntVar(&cfg.Entities, "entities", 128, "distinct entity paths")
	flag.IntVar(&cfg.BatchSize, "batch-size", 32, "values per component batch")
	flag.Int64Var(&cfg.MaxRows, "max-rows", 4096, "rows per sealed chunk")
	flag.DurationVar(&cfg.Latency, "max-latency", 200*time.Millisecond, "max buffered age")
	flag.StringVar(&cfg.SinkKind, "sink", "memory", "sink: memory or parquet")
	flag.StringVar(&cfg.Dir, "dir", "./bench-data", "storage directory for the parquet sink")
	flag.Parse()

	nop := zerolog.Nop()
	opts := chunkstream.Options{
		Config: &config.Config{
			Batcher: config.BatcherConfig{
				MaxRows:    cfg.MaxRows,
				MaxLatency: cfg.Latency,
			},
			Storage: config.StorageConfig{Backend: "local", LocalPath: cfg.Dir},
			Sink:    config.SinkConfig{Kind: cfg.SinkKind, Compression: "snappy"},
		},
		Logger: &nop,
	}
	if cfg.SinkKind == "memory" {
		// Keeping every chunk of a long run would exhaust memory; count and
		// drop instead.
		opts.Sink = &countingSink{}
	}

	engine, err := chunkstream.Open(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open engine: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("chunkstream ingest benchmark\n")
	fmt.Printf("  duration:   %ds\n", cfg.Duration)
	fmt.Printf("  workers:    %d\n", cfg.Workers)
	fmt.Printf("  entities:   %d\n", cfg.Entities)
	fmt.Printf("  batch size: %d\n", cfg.BatchSize)
	fmt.Printf("  sink:       %s\n\n", cfg.SinkKind)

	rows := pregenRows(cfg.Entities, cfg.BatchSize, 4096)

	st := &stats{}
	st.initWorkers(cfg.Workers)
	st.running.Store(true)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			i := id
			for st.running.Load() {
				row := rows[i%len(rows)]
				t0 := time.Now()
				if err := engine.Push(row); err != nil {
					st.totalErrors.Add(1)
					continue
				}
				st.addLatency(id, float64(time.Since(t0).Microseconds()))
				st.totalPushes.Add(1)
				st.totalRows.Add(int64(cfg.BatchSize))
				i++
			}
		}(w)
	}

	// Periodic progress line.
	ticker := time.NewTicker(5 * time.Second)
	done := time.After(time.Duration(cfg.Duration) * time.Second)
progress:
	for {
		select {
		case <-ticker.C:
			elapsed := time.Since(start).Seconds()
			fmt.Printf("  %6.1fs  %12d rows  %10.0f rows/s\n",
				elapsed, st.totalRows.Load(), float64(st.totalRows.Load())/elapsed)
		case <-done:
			break progress
		}
	}
	ticker.Stop()

	st.running.Store(false)
	wg.Wait()
	if err := engine.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "engine close failed: %v\n", err)
	}
	elapsed := time.Since(start).Seconds()

	m := engine.Metrics()
	fmt.Printf("\nresults:\n")
	fmt.Printf("  rows pushed:    %d (%.0f rows/s)\n", st.totalRows.Load(), float64(st.totalRows.Load())/elapsed)
	fmt.Printf("  pushes:         %d (%.0f pushes/s)\n", st.totalPushes.Load(), float64(st.totalPushes.Load())/elapsed)
	fmt.Printf("  push errors:    %d\n", st.totalErrors.Load())
	fmt.Printf("  chunks emitted: %d\n", m["chunks_emitted"])
	fmt.Printf("  rows emitted:   %d\n", m["rows_emitted"])
	fmt.Printf("  sink errors:    %d\n", m["sink_errors"])
	fmt.Printf("  push latency:   p50 %.1fus  p95 %.1fus  p99 %.1fus\n",
		st.percentile(0.50), st.percentile(0.95), st.percentile(0.99))
}

// countingSink consumes chunks, counts them, and drops the payload.
type countingSink struct {
	chunks atomic.Int64
	rows   atomic.Int64
}

func (s *countingSink) Consume(ctx context.Context, chunk *models.Chunk) error {
	s.chunks.Add(1)
	s.rows.Add(int64(chunk.NumRows))
	return nil
}

func (s *countingSink) Close() error { return nil }
