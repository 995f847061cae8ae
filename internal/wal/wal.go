package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream/internal/metrics"
	"github.com/rerun-io/chunkstream/pkg/models"
)

// WAL file format constants.
var (
	Magic   = []byte{'C', 'S', 'W', 'L'}
	Version = uint16(0x0001)
)

const (
	flagNone uint8 = 0x00
	flagZstd uint8 = 0x01

	// Entry format: [Length: 4] [Timestamp us: 8] [CRC32: 4] [Payload: N]
	EntryHeaderSize = 16
	FileHeaderSize  = 7 // Magic(4) + Version(2) + Flags(1)

	// MaxPayloadSize bounds a single entry. Prevents overflow during buffer
	// allocation when reading a corrupt length field.
	MaxPayloadSize = 64 * 1024 * 1024
)

// SyncMode defines how the WAL syncs to disk.
type SyncMode string

const (
	SyncModeFsync SyncMode = "fsync" // sync every flush window (safest)
	SyncModeAsync SyncMode = "async" // rely on the OS page cache (fastest)
)

// ErrPayloadTooLarge indicates an entry exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("wal payload exceeds maximum allowed size")

type walEntry struct {
	data []byte // complete entry: header + payload
}

// WriterConfig holds configuration for the WAL writer.
type WriterConfig struct {
	Dir          string        // directory for WAL segments
	SyncMode     SyncMode      // fsync or async (default: fsync)
	MaxSizeBytes int64         // rotate at this size (default: 64MB)
	MaxAge       time.Duration // rotate after this duration (default: 1h)
	SyncInterval time.Duration // sync at most this often (default: 100ms)
	SyncBytes    int64         // sync after this many bytes (default: 1MB)
	BufferSize   int           // async write buffer entries (default: 8192)
	Compress     bool          // zstd-compress payloads
	Logger       zerolog.Logger
}

// Writer is a write-ahead log for pushed rows. Appends are asynchronous: the
// caller's row is serialized inline but disk writes happen on a background
// goroutine with batched syncs.
type Writer struct {
	config WriterConfig
	logger zerolog.Logger

	encoder *zstd.Encoder // nil unless Compress

	currentFile *os.File
	currentPath string
	currentSize int64
	startTime   time.Time

	lastSyncTime   time.Time
	bytesSinceSync int64

	entryChan chan walEntry
	done      chan struct{}
	wg        sync.WaitGroup

	// Metrics (atomic for lock-free reads)
	TotalEntries   int64
	TotalBytes     int64
	TotalSyncs     int64
	TotalRotations int64
	DroppedEntries int64

	mu sync.Mutex
}

// NewWriter creates a WAL writer and opens the first segment.
func NewWriter(cfg *WriterConfig) (*Writer, error) {
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncModeFsync
	}
	if cfg.MaxSizeBytes == 0 {
		cfg.MaxSizeBytes = 64 * 1024 * 1024
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 100 * time.Millisecond
	}
	if cfg.SyncBytes == 0 {
		cfg.SyncBytes = 1024 * 1024
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 8192
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	w := &Writer{
		config:       *cfg,
		logger:       cfg.Logger.With().Str("component", "wal-writer").Logger(),
		lastSyncTime: time.Now(),
		entryChan:    make(chan walEntry, cfg.BufferSize),
		done:         make(chan struct{}),
	}

	if cfg.Compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		w.encoder = enc
	}

	if err := w.rotate(); err != nil {
		return nil, fmt.Errorf("failed to create initial WAL segment: %w", err)
	}

	w.wg.Add(1)
	go w.writerLoop()

	w.logger.Info().
		Str("dir", cfg.Dir).
		Str("sync_mode", string(cfg.SyncMode)).
		Int64("max_size_mb", cfg.MaxSizeBytes/1024/1024).
		Dur("max_age", cfg.MaxAge).
		Bool("compress", cfg.Compress).
		Msg("WAL writer initialized")

	return w, nil
}

// AppendRow serializes a row and queues it for writing. Non-blocking: if the
// buffer is full the entry is dropped and counted, trading durability for
// producer throughput.
func (w *Writer) AppendRow(row *models.LogRow) error {
	payload, err := encodeRow(row)
	if err != nil {
		return fmt.Errorf("failed to serialize row: %w", err)
	}

	if w.encoder != nil {
		payload = w.encoder.EncodeAll(payload, nil)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	checksum := crc32.ChecksumIEEE(payload)
	timestampUS := uint64(time.Now().UnixMicro())

	entryData := make([]byte, EntryHeaderSize+len(payload))
	binary.BigEndian.PutUint32(entryData[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(entryData[4:12], timestampUS)
	binary.BigEndian.PutUint32(entryData[12:16], checksum)
	copy(entryData[EntryHeaderSize:], payload)

	select {
	case w.entryChan <- walEntry{data: entryData}:
		metrics.Get().IncWALAppends(int64(len(entryData)))
		return nil
	default:
		atomic.AddInt64(&w.DroppedEntries, 1)
		metrics.Get().IncWALErrors()
		return nil // don't slow the producer down
	}
}

// writerLoop drains the entry channel and batches syncs.
func (w *Writer) writerLoop() {
	defer w.wg.Done()

	syncTicker := time.NewTicker(w.config.SyncInterval)
	defer syncTicker.Stop()

	for {
		select {
		case entry := <-w.entryChan:
			w.writeEntry(entry)

		case <-syncTicker.C:
			w.mu.Lock()
			if w.bytesSinceSync > 0 {
				w.sync()
				w.lastSyncTime = time.Now()
				w.bytesSinceSync = 0
				w.TotalSyncs++
			}
			w.mu.Unlock()

		case <-w.done:
			// Drain pending entries, final sync, exit.
			for {
				select {
				case entry := <-w.entryChan:
					w.writeEntry(entry)
				default:
					w.mu.Lock()
					if w.bytesSinceSync > 0 {
						w.sync()
						w.TotalSyncs++
					}
					w.mu.Unlock()
					return
				}
			}
		}
	}
}

func (w *Writer) writeEntry(entry walEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.currentFile.Write(entry.data)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to write WAL entry")
		return
	}

	bytesWritten := int64(n)
	w.currentSize += bytesWritten
	w.bytesSinceSync += bytesWritten
	w.TotalEntries++
	w.TotalBytes += bytesWritten

	if w.bytesSinceSync >= w.config.SyncBytes {
		w.sync()
		w.lastSyncTime = time.Now()
		w.bytesSinceSync = 0
		w.TotalSyncs++
	}

	if w.currentSize >= w.config.MaxSizeBytes || time.Since(w.startTime) >= w.config.MaxAge {
		if err := w.rotate(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to rotate WAL")
		}
	}
}

// rotate closes the current segment and opens a fresh one.
func (w *Writer) rotate() error {
	if w.currentFile != nil {
		if w.bytesSinceSync > 0 {
			w.sync()
			w.TotalSyncs++
		}
		w.currentFile.Close()
	}

	// Fixed-width nanosecond timestamp plus the rotation count: recovery
	// sorts segments lexically, so names must sort in creation order even
	// when rotations land on the same clock reading.
	filename := fmt.Sprintf("chunkstream-%s-%06d.wal",
		time.Now().UTC().Format("20060102T150405.000000000"), w.TotalRotations)
	w.currentPath = filepath.Join(w.config.Dir, filename)

	var err error
	w.currentFile, err = os.OpenFile(w.currentPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create WAL segment: %w", err)
	}

	w.currentSize = 0
	w.startTime = time.Now()
	w.lastSyncTime = time.Now()
	w.bytesSinceSync = 0
	w.TotalRotations++

	header := make([]byte, FileHeaderSize)
	copy(header[0:4], Magic)
	binary.BigEndian.PutUint16(header[4:6], Version)
	if w.config.Compress {
		header[6] = flagZstd
	} else {
		header[6] = flagNone
	}

	n, err := w.currentFile.Write(header)
	if err != nil {
		return fmt.Errorf("failed to write WAL header: %w", err)
	}
	w.currentSize += int64(n)

	w.logger.Info().Str("file", filename).Msg("WAL rotated")
	return nil
}

func (w *Writer) sync() {
	if w.currentFile == nil {
		return
	}
	if w.config.SyncMode == SyncModeFsync {
		w.currentFile.Sync()
	}
}

// Close drains pending entries and closes the current segment. Idempotent
// closing is the caller's responsibility via the shutdown coordinator.
func (w *Writer) Close() error {
	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.encoder != nil {
		w.encoder.Close()
	}
	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		w.logger.Info().
			Str("file", w.currentPath).
			Int64("entries", w.TotalEntries).
			Int64("dropped", atomic.LoadInt64(&w.DroppedEntries)).
			Msg("WAL closed")
		return err
	}
	return nil
}

// Stats returns WAL statistics for diagnostics.
func (w *Writer) Stats() map[string]interface{} {
	w.mu.Lock()
	defer w.mu.Unlock()

	return map[string]interface{}{
		"current_file":    w.currentPath,
		"current_size":    w.currentSize,
		"sync_mode":       string(w.config.SyncMode),
		"total_entries":   w.TotalEntries,
		"total_bytes":     w.TotalBytes,
		"total_syncs":     w.TotalSyncs,
		"total_rotations": w.TotalRotations,
		"dropped_entries": atomic.LoadInt64(&w.DroppedEntries),
		"buffer_used":     len(w.entryChan),
	}
}
