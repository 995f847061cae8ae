// Package chunkstream is a micro-batching engine for columnar log data.
// Producers push rows for entity paths; the engine accumulates them into
// per-entity columnar chunks and hands sealed chunks to a sink when a size,
// row or age threshold is crossed.
package chunkstream

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream/internal/batcher"
	"github.com/rerun-io/chunkstream/internal/config"
	"github.com/rerun-io/chunkstream/internal/logger"
	"github.com/rerun-io/chunkstream/internal/metrics"
	"github.com/rerun-io/chunkstream/internal/shutdown"
	"github.com/rerun-io/chunkstream/internal/sink"
	"github.com/rerun-io/chunkstream/internal/storage"
	"github.com/rerun-io/chunkstream/internal/wal"
	"github.com/rerun-io/chunkstream/pkg/models"
)

// ErrClosed is returned by Push and Flush after the engine has shut down.
var ErrClosed = batcher.ErrBatcherClosed

// Options controls how an Engine is assembled. The zero value loads
// configuration from file and environment and builds the configured sink.
type Options struct {
	// Config overrides the loaded configuration.
	Config *config.Config

	// Sink overrides the configured sink. When set, the storage and sink
	// sections of the configuration are ignored.
	Sink sink.Sink

	// PrimaryTimeline, when non-empty, is the timeline chunks are sorted by
	// at seal time.
	PrimaryTimeline string

	// OnError receives asynchronous sink delivery failures. Must not block.
	OnError func(error)

	// Logger overrides the component logger. Defaults to the global logger.
	Logger *zerolog.Logger
}

// Engine bundles a batcher with its sink, storage backend and optional WAL,
// and owns their shutdown order.
type Engine struct {
	cfg     *config.Config
	batcher *batcher.Batcher
	wal     *wal.Writer
	sink    sink.Sink

	coordinator *shutdown.Coordinator
	logger      zerolog.Logger
}

// Open assembles an Engine: configuration, sink, batcher and, when enabled,
// WAL recovery followed by a fresh WAL. Rows buffered in WAL segments from a
// previous crash are replayed into the batcher before Open returns.
func Open(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = logger.Get("engine")
	}

	metrics.Init(log)

	e := &Engine{
		cfg:         cfg,
		coordinator: shutdown.New(30*time.Second, log),
		logger:      log,
	}

	s := opts.Sink
	if s == nil {
		built, err := buildSink(cfg, log)
		if err != nil {
			return nil, err
		}
		s = built
	}
	e.sink = s

	var batcherOpts []batcher.Option
	if opts.PrimaryTimeline != "" {
		batcherOpts = append(batcherOpts, batcher.WithPrimaryTimeline(opts.PrimaryTimeline))
	}
	if opts.OnError != nil {
		batcherOpts = append(batcherOpts, batcher.WithErrorHandler(opts.OnError))
	}

	b, err := batcher.New(batcherConfig(cfg.Batcher), s, log, batcherOpts...)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create batcher: %w", err)
	}
	e.batcher = b

	if cfg.WAL.Enabled {
		// Replay leftover segments before opening a fresh one, so recovery
		// never re-reads (and then deletes) the segment we are writing to.
		replayed, err := wal.Recover(cfg.WAL.Directory, b, log)
		if err != nil {
			b.Close()
			s.Close()
			return nil, fmt.Errorf("WAL recovery failed: %w", err)
		}
		if replayed > 0 {
			log.Info().Int("rows", replayed).Msg("Recovered rows from WAL")
		}

		w, err := wal.NewWriter(&wal.WriterConfig{
			Dir:          cfg.WAL.Directory,
			SyncMode:     wal.SyncMode(cfg.WAL.SyncMode),
			MaxSizeBytes: int64(cfg.WAL.MaxSizeMB) * 1024 * 1024,
			MaxAge:       time.Duration(cfg.WAL.MaxAgeSeconds) * time.Second,
			Compress:     cfg.WAL.Compress,
			Logger:       log,
		})
		if err != nil {
			b.Close()
			s.Close()
			return nil, fmt.Errorf("failed to create WAL: %w", err)
		}
		e.wal = w
		b.SetWAL(w)
		e.coordinator.Register("wal", w, shutdown.PriorityWAL)
	}

	e.coordinator.Register("batcher", b, shutdown.PriorityBatcher)
	e.coordinator.Register("sink", s, shutdown.PrioritySink)

	return e, nil
}

// buildSink constructs the configured sink and its storage backend.
func buildSink(cfg *config.Config, log zerolog.Logger) (sink.Sink, error) {
	if cfg.Sink.Kind == "memory" {
		return sink.NewMemorySink(), nil
	}

	if cfg.Storage.Backend != "local" {
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}
	backend, err := storage.NewLocalBackend(cfg.Storage.LocalPath, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	pq := sink.NewParquetSink(sink.ParquetConfig{
		Compression:     cfg.Sink.Compression,
		UseDictionary:   cfg.Sink.UseDictionary,
		WriteStatistics: cfg.Sink.WriteStatistics,
		DataPageVersion: cfg.Sink.DataPageVersion,
	}, backend, log)

	// Storage hiccups should not unwind into emit workers one chunk at a
	// time; retry transient failures and fail fast while storage is down.
	return sink.NewResilientSink(pq, nil, log), nil
}

// batcherConfig maps the file/env configuration onto the batcher's config.
// A zero max_bytes means the byte threshold is disabled.
func batcherConfig(bc config.BatcherConfig) batcher.Config {
	maxBytes := bc.MaxBytes
	if maxBytes == 0 {
		maxBytes = batcher.Unbounded
	}
	return batcher.Config{
		MaxBytes:      maxBytes,
		MaxRows:       bc.MaxRows,
		MaxLatency:    bc.MaxLatency,
		TickInterval:  bc.TickInterval,
		ShardCount:    bc.ShardCount,
		EmitWorkers:   bc.EmitWorkers,
		EmitQueueSize: bc.EmitQueueSize,
		EmitTimeout:   bc.EmitTimeout,
	}
}

// Push hands one row to the engine. Safe for concurrent use.
func (e *Engine) Push(row *models.LogRow) error {
	return e.batcher.Push(row)
}

// Flush seals and delivers every buffered partition, blocking until each
// sealed chunk has been handed to the sink.
func (e *Engine) Flush() error {
	return e.batcher.Flush()
}

// Metrics returns a snapshot of the engine's counters.
func (e *Engine) Metrics() map[string]int64 {
	return metrics.Get().Snapshot()
}

// Coordinator exposes the shutdown coordinator, for embedders that want
// signal handling or extra shutdown hooks.
func (e *Engine) Coordinator() *shutdown.Coordinator {
	return e.coordinator
}

// Close shuts the engine down in order: batcher (final flush), WAL, sink.
// Idempotent.
func (e *Engine) Close() error {
	err := e.coordinator.Shutdown()
	metrics.Get().LogSummary()
	return err
}
