package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the batching engine.
type Config struct {
	Log     LogConfig
	Batcher BatcherConfig
	WAL     WALConfig
	Storage StorageConfig
	Sink    SinkConfig
}

type LogConfig struct {
	Level  string
	Format string
}

// BatcherConfig configures flush thresholds and scheduling. MaxBytes of 0
// means unbounded.
type BatcherConfig struct {
	MaxBytes      int64         // seal threshold in bytes (0 = unbounded)
	MaxRows       int64         // seal threshold in rows
	MaxLatency    time.Duration // max buffered age before the timer seals
	TickInterval  time.Duration // timer scan interval (0 = MaxLatency/2)
	ShardCount    int           // partition-map shards for lock distribution
	EmitWorkers   int           // sink delivery goroutines
	EmitQueueSize int           // bound on in-flight sealed chunks
	EmitTimeout   time.Duration // per-chunk sink delivery timeout
}

type WALConfig struct {
	Enabled       bool
	Directory     string
	SyncMode      string // fsync or async
	MaxSizeMB     int
	MaxAgeSeconds int
	Compress      bool
}

type StorageConfig struct {
	Backend   string
	LocalPath string
}

type SinkConfig struct {
	Kind            string // parquet or memory
	Compression     string // snappy, zstd, gzip
	UseDictionary   bool
	WriteStatistics bool
	DataPageVersion string
}

// Load reads configuration from defaults, an optional chunkstream.toml, and
// CHUNKSTREAM_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CHUNKSTREAM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("chunkstream")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/chunkstream/")
	v.AddConfigPath("$HOME/.chunkstream/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// No config file is fine; defaults plus env apply.
	}

	maxBytes, err := ParseSize(v.GetString("batcher.max_bytes"))
	if err != nil {
		return nil, fmt.Errorf("invalid batcher.max_bytes: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Batcher: BatcherConfig{
			MaxBytes:      maxBytes,
			MaxRows:       v.GetInt64("batcher.max_rows"),
			MaxLatency:    v.GetDuration("batcher.max_latency"),
			TickInterval:  v.GetDuration("batcher.tick_interval"),
			ShardCount:    v.GetInt("batcher.shard_count"),
			EmitWorkers:   v.GetInt("batcher.emit_workers"),
			EmitQueueSize: v.GetInt("batcher.emit_queue_size"),
			EmitTimeout:   v.GetDuration("batcher.emit_timeout"),
		},
		WAL: WALConfig{
			Enabled:       v.GetBool("wal.enabled"),
			Directory:     v.GetString("wal.directory"),
			SyncMode:      v.GetString("wal.sync_mode"),
			MaxSizeMB:     v.GetInt("wal.max_size_mb"),
			MaxAgeSeconds: v.GetInt("wal.max_age_seconds"),
			Compress:      v.GetBool("wal.compress"),
		},
		Storage: StorageConfig{
			Backend:   v.GetString("storage.backend"),
			LocalPath: v.GetString("storage.local_path"),
		},
		Sink: SinkConfig{
			Kind:            v.GetString("sink.kind"),
			Compression:     v.GetString("sink.compression"),
			UseDictionary:   v.GetBool("sink.use_dictionary"),
			WriteStatistics: v.GetBool("sink.write_statistics"),
			DataPageVersion: v.GetString("sink.data_page_version"),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Batcher defaults. max_bytes "0" disables the byte threshold; max_rows
	// and max_latency carry the load by default.
	v.SetDefault("batcher.max_bytes", "0")
	v.SetDefault("batcher.max_rows", 4096)
	v.SetDefault("batcher.max_latency", "200ms")
	v.SetDefault("batcher.tick_interval", "0s") // derived: max_latency / 2
	v.SetDefault("batcher.shard_count", 32)
	v.SetDefault("batcher.emit_workers", getDefaultEmitWorkers())
	v.SetDefault("batcher.emit_queue_size", 0) // derived: 4x workers
	v.SetDefault("batcher.emit_timeout", "30s")

	v.SetDefault("wal.enabled", false)
	v.SetDefault("wal.directory", "./data/wal")
	v.SetDefault("wal.sync_mode", "fsync")
	v.SetDefault("wal.max_size_mb", 64)
	v.SetDefault("wal.max_age_seconds", 3600)
	v.SetDefault("wal.compress", false)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./data/chunks")

	v.SetDefault("sink.kind", "parquet")
	v.SetDefault("sink.compression", "snappy")
	v.SetDefault("sink.use_dictionary", true)
	v.SetDefault("sink.write_statistics", true)
	v.SetDefault("sink.data_page_version", "2.0")
}

func getDefaultEmitWorkers() int {
	// Scale with cores; emission is mostly I/O so a little oversubscription
	// helps, but unbounded workers just thrash the storage backend.
	workers := runtime.NumCPU()
	if workers < 4 {
		return 4
	}
	if workers > 32 {
		return 32
	}
	return workers
}

// ParseSize parses a human-readable size string (e.g. "64MB", "100KB") to
// bytes. Supports B, KB, MB, GB (case-insensitive); a bare number is bytes.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type unitInfo struct {
		suffix     string
		multiplier int64
	}
	// Longer suffixes first so "MB" is not parsed as "B".
	units := []unitInfo{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if strings.HasSuffix(sizeStr, unit.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

			var num float64
			var trailing string
			n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
			if n == 0 {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			if trailing != "" {
				return 0, fmt.Errorf("invalid size format: %s (use e.g. '64MB', '100KB')", sizeStr)
			}
			if num < 0 {
				return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
			}
			return int64(num * float64(unit.multiplier)), nil
		}
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g. '64MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
