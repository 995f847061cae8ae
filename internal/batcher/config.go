package batcher

import (
	"fmt"
	"math"
	"time"
)

// Unbounded is the sentinel for a disabled size threshold. Thresholds are
// always positive; "no limit" is this max value, never zero or negative.
const Unbounded = math.MaxInt64

// Config holds the flush thresholds and scheduling knobs for a Batcher.
// Immutable once the Batcher starts.
type Config struct {
	// MaxBytes seals a partition when its estimated byte size reaches this
	// threshold. Default: Unbounded.
	MaxBytes int64

	// MaxRows seals a partition when its buffered row count reaches this
	// threshold. Default: 4096.
	MaxRows int64

	// MaxLatency is the longest a row may sit buffered before the timer
	// seals its partition. Default: 200ms.
	MaxLatency time.Duration

	// TickInterval is how often the timer scans partitions for age-based
	// flushing. Default: MaxLatency / 2.
	TickInterval time.Duration

	// ShardCount is the number of partition-map shards for lock
	// distribution. Default: 32.
	ShardCount int

	// EmitWorkers is the number of goroutines delivering sealed chunks to
	// the sink. Default: 4.
	EmitWorkers int

	// EmitQueueSize bounds the number of sealed chunks in flight to the
	// sink. A full queue applies backpressure to the sealing path.
	// Default: 4x EmitWorkers.
	EmitQueueSize int

	// EmitTimeout bounds a single sink delivery. Zero means no timeout.
	// Default: 30s.
	EmitTimeout time.Duration
}

// DefaultConfig returns the default batcher configuration.
func DefaultConfig() Config {
	cfg := Config{
		MaxBytes:    Unbounded,
		MaxRows:     4096,
		MaxLatency:  200 * time.Millisecond,
		ShardCount:  32,
		EmitWorkers: 4,
		EmitTimeout: 30 * time.Second,
	}
	cfg.TickInterval = cfg.MaxLatency / 2
	cfg.EmitQueueSize = cfg.EmitWorkers * 4
	return cfg
}

// withDefaults fills zero fields with their defaults.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxBytes == 0 {
		c.MaxBytes = def.MaxBytes
	}
	if c.MaxRows == 0 {
		c.MaxRows = def.MaxRows
	}
	if c.MaxLatency == 0 {
		c.MaxLatency = def.MaxLatency
	}
	if c.TickInterval == 0 {
		c.TickInterval = c.MaxLatency / 2
	}
	if c.ShardCount == 0 {
		c.ShardCount = def.ShardCount
	}
	if c.EmitWorkers == 0 {
		c.EmitWorkers = def.EmitWorkers
	}
	if c.EmitQueueSize == 0 {
		c.EmitQueueSize = c.EmitWorkers * 4
	}
	if c.EmitTimeout == 0 {
		c.EmitTimeout = def.EmitTimeout
	}
	return c
}

// Validate rejects nonsensical configurations.
func (c Config) Validate() error {
	if c.MaxBytes <= 0 {
		return fmt.Errorf("max_bytes must be positive, got %d", c.MaxBytes)
	}
	if c.MaxRows <= 0 {
		return fmt.Errorf("max_rows must be positive, got %d", c.MaxRows)
	}
	if c.MaxLatency <= 0 {
		return fmt.Errorf("max_latency must be positive, got %s", c.MaxLatency)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %s", c.TickInterval)
	}
	if c.ShardCount <= 0 {
		return fmt.Errorf("shard_count must be positive, got %d", c.ShardCount)
	}
	if c.EmitWorkers <= 0 {
		return fmt.Errorf("emit_workers must be positive, got %d", c.EmitWorkers)
	}
	if c.EmitQueueSize <= 0 {
		return fmt.Errorf("emit_queue_size must be positive, got %d", c.EmitQueueSize)
	}
	return nil
}
