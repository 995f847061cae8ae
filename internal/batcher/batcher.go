package batcher

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream/internal/metrics"
	"github.com/rerun-io/chunkstream/internal/sink"
	"github.com/rerun-io/chunkstream/pkg/models"
)

// Seal reasons, for logging and metrics.
const (
	sealReasonRows  = "rows"
	sealReasonBytes = "bytes"
	sealReasonAge   = "age"
	sealReasonFlush = "flush"
)

// WALWriter is the durability hook the batcher writes rows through before
// buffering them. Optional; see SetWAL.
type WALWriter interface {
	AppendRow(row *models.LogRow) error
}

// shard holds a slice of the partition map under its own lock. Sealing a
// partition is serialized with pushes to it by this lock, so a partition is
// never double-sealed and a push is never split across a seal boundary.
type shard struct {
	mu    sync.Mutex
	parts map[string]*accumulator
}

type emitTask struct {
	chunk  *models.Chunk
	reason string
	done   *sync.WaitGroup
}

// Batcher routes incoming log rows to per-entity accumulators and decides
// when to seal them into chunks handed to the sink. Push is safe to call
// from any number of goroutines.
type Batcher struct {
	cfg  Config
	sink sink.Sink

	primary string
	onError func(error)
	wal     WALWriter

	shards     []*shard
	shardCount uint32

	emitQueue  chan emitTask
	queueDepth atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	tickerWG sync.WaitGroup
	workerWG sync.WaitGroup

	// closeMu gates Push and Flush against Close: callers hold the read side
	// for the duration of the call, Close takes the write side to flip
	// closed once every in-flight call has drained.
	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once

	logger zerolog.Logger
}

// Option configures a Batcher at construction time.
type Option func(*Batcher)

// WithPrimaryTimeline sets the timeline chunks are sorted by at seal time.
// Without it, chunks are sealed in arrival order.
func WithPrimaryTimeline(name string) Option {
	return func(b *Batcher) { b.primary = name }
}

// WithErrorHandler installs a callback for asynchronous sink failures.
// The callback receives a *SinkError and must not block.
func WithErrorHandler(fn func(error)) Option {
	return func(b *Batcher) { b.onError = fn }
}

// New creates a Batcher and starts its timer and emit workers. No rows are
// required to construct; an idle Batcher only wakes on its tick interval.
func New(cfg Config, s sink.Sink, logger zerolog.Logger, opts ...Option) (*Batcher, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Batcher{
		cfg:        cfg,
		sink:       s,
		shards:     make([]*shard, cfg.ShardCount),
		shardCount: uint32(cfg.ShardCount),
		emitQueue:  make(chan emitTask, cfg.EmitQueueSize),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With().Str("component", "batcher").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	for i := range b.shards {
		b.shards[i] = &shard{parts: make(map[string]*accumulator)}
	}

	for i := 0; i < cfg.EmitWorkers; i++ {
		b.workerWG.Add(1)
		go b.emitWorker(i)
	}
	b.tickerWG.Add(1)
	go b.tickLoop()

	b.logger.Info().
		Int64("max_rows", cfg.MaxRows).
		Int64("max_bytes", cfg.MaxBytes).
		Dur("max_latency", cfg.MaxLatency).
		Dur("tick_interval", cfg.TickInterval).
		Int("shards", cfg.ShardCount).
		Int("emit_workers", cfg.EmitWorkers).
		Msg("Batcher started")

	return b, nil
}

// SetWAL installs a write-ahead log. When set, rows are appended to the WAL
// before buffering. WAL failures are reported but never fail the push; the
// WAL is for durability, not correctness.
func (b *Batcher) SetWAL(w WALWriter) {
	b.wal = w
	b.logger.Info().Msg("WAL enabled for batcher")
}

// getShard returns the shard for an entity path using FNV-1a.
func (b *Batcher) getShard(entityPath string) *shard {
	hash := uint32(2166136261)
	for i := 0; i < len(entityPath); i++ {
		hash ^= uint32(entityPath[i])
		hash *= 16777619
	}
	return b.shards[hash%b.shardCount]
}

// Push routes a row to its partition and appends it. After the append it
// checks that partition's thresholds synchronously and seals inline when one
// is crossed, which bounds worst-case memory even under a fast producer with
// a slow timer. Returns ErrBatcherClosed after Close, or a typed append
// error; append errors leave the partition untouched.
func (b *Batcher) Push(row *models.LogRow) error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBatcherClosed
	}

	if b.wal != nil {
		if err := b.wal.AppendRow(row); err != nil {
			// Data loss is only possible on crash; keep serving.
			metrics.Get().IncWALErrors()
			b.logger.Error().Err(err).
				Str("entity_path", row.EntityPath).
				Msg("WAL append failed")
		}
	}

	sh := b.getShard(row.EntityPath)
	sh.mu.Lock()
	acc, ok := sh.parts[row.EntityPath]
	if !ok {
		acc = newAccumulator(row.EntityPath, b.primary)
		sh.parts[row.EntityPath] = acc
	}

	prevRows := acc.rows
	if err := acc.push(row); err != nil {
		sh.mu.Unlock()
		metrics.Get().IncPushErrors()
		return err
	}
	pushed := acc.rows - prevRows

	bytes, rows, _ := acc.size()
	var chunk *models.Chunk
	var reason string
	switch {
	case rows >= b.cfg.MaxRows:
		chunk, reason = acc.seal(), sealReasonRows
	case bytes >= b.cfg.MaxBytes:
		chunk, reason = acc.seal(), sealReasonBytes
	}
	if chunk != nil {
		// Enqueue under the shard lock so chunks from one partition reach
		// the emit queue in seal order.
		b.enqueue(chunk, reason, nil)
	}
	sh.mu.Unlock()

	metrics.Get().IncRowsPushed(pushed)
	return nil
}

// Flush seals and emits every non-empty partition regardless of thresholds.
// It blocks until the sink has consumed every sealed chunk, which is a
// stronger guarantee than queue hand-off; each delivery is bounded by
// EmitTimeout, so Flush cannot hang on a stuck sink.
func (b *Batcher) Flush() error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return ErrBatcherClosed
	}
	b.flushAll()
	return nil
}

// flushAll seals all partitions concurrently across shards and waits for
// the sink to consume the resulting chunks.
func (b *Batcher) flushAll() {
	var scans sync.WaitGroup
	var delivered sync.WaitGroup
	for _, sh := range b.shards {
		scans.Add(1)
		go func(sh *shard) {
			defer scans.Done()
			sh.mu.Lock()
			defer sh.mu.Unlock()
			for _, acc := range sh.parts {
				if chunk := acc.seal(); chunk != nil {
					delivered.Add(1)
					b.enqueue(chunk, sealReasonFlush, &delivered)
				}
			}
		}(sh)
	}
	scans.Wait()
	delivered.Wait()
}

// Close disables further pushes, performs a final flush, and stops the timer
// and emit workers. Idempotent. Blocks until every buffered row has been
// delivered to the sink; a flush in progress runs to completion.
func (b *Batcher) Close() error {
	b.closeOnce.Do(func() {
		b.closeMu.Lock()
		b.closed = true
		b.closeMu.Unlock()

		b.cancel()
		b.tickerWG.Wait()

		b.flushAll()
		close(b.emitQueue)
		b.workerWG.Wait()

		b.logger.Info().Msg("Batcher closed")
	})
	return nil
}

// enqueue hands a sealed chunk to the emit queue. A full queue blocks: the
// queue size is the bound on in-flight chunks, so backpressure here is
// memory-bound by configuration.
func (b *Batcher) enqueue(chunk *models.Chunk, reason string, done *sync.WaitGroup) {
	metrics.Get().IncChunksSealed(reason)
	b.logger.Debug().
		Str("entity_path", chunk.EntityPath).
		Int("rows", chunk.NumRows).
		Str("reason", reason).
		Msg("Sealed chunk")

	b.emitQueue <- emitTask{chunk: chunk, reason: reason, done: done}
	metrics.Get().SetEmitQueueDepth(b.queueDepth.Add(1))
}

// tickLoop periodically seals partitions whose age exceeds MaxLatency.
func (b *Batcher) tickLoop() {
	defer b.tickerWG.Done()

	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.flushAged()
		}
	}
}

// flushAged seals every partition older than MaxLatency.
func (b *Batcher) flushAged() {
	for _, sh := range b.shards {
		sh.mu.Lock()
		for _, acc := range sh.parts {
			_, rows, age := acc.size()
			if rows == 0 || age < b.cfg.MaxLatency {
				continue
			}
			if chunk := acc.seal(); chunk != nil {
				b.enqueue(chunk, sealReasonAge, nil)
			}
		}
		sh.mu.Unlock()
	}
}

// emitWorker delivers sealed chunks to the sink until the queue closes.
func (b *Batcher) emitWorker(id int) {
	defer b.workerWG.Done()

	b.logger.Debug().Int("worker_id", id).Msg("Emit worker started")
	for task := range b.emitQueue {
		metrics.Get().SetEmitQueueDepth(b.queueDepth.Add(-1))
		b.deliver(task)
	}
	b.logger.Debug().Int("worker_id", id).Msg("Emit worker stopped")
}

// deliver hands one chunk to the sink. A sink error is surfaced through the
// error handler and metrics; it never unwinds into a producer and never
// corrupts batcher state.
func (b *Batcher) deliver(task emitTask) {
	if task.done != nil {
		defer task.done.Done()
	}

	ctx := context.Background()
	if b.cfg.EmitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.EmitTimeout)
		defer cancel()
	}

	if err := b.sink.Consume(ctx, task.chunk); err != nil {
		serr := &SinkError{
			EntityPath: task.chunk.EntityPath,
			ChunkID:    task.chunk.ID.String(),
			Err:        err,
		}
		metrics.Get().IncSinkErrors()
		b.logger.Error().Err(err).
			Str("entity_path", task.chunk.EntityPath).
			Str("chunk_id", serr.ChunkID).
			Int("rows", task.chunk.NumRows).
			Msg("Sink rejected chunk")
		if b.onError != nil {
			b.onError(serr)
		}
		return
	}

	metrics.Get().IncChunksEmitted(int64(task.chunk.NumRows))
}
