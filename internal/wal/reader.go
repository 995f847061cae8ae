package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream/pkg/models"
)

// Entry is one recovered WAL entry.
type Entry struct {
	TimestampUS uint64
	Row         *models.LogRow
}

// Reader reads one WAL segment for recovery. Corrupt entries are skipped and
// counted; a torn tail (partial final entry after a crash) is expected and
// not an error.
type Reader struct {
	filePath string
	logger   zerolog.Logger

	TotalEntries     int64
	TotalBytes       int64
	CorruptedEntries int64
}

// NewReader creates a reader for one segment file.
func NewReader(filePath string, logger zerolog.Logger) *Reader {
	return &Reader{
		filePath: filePath,
		logger:   logger.With().Str("component", "wal-reader").Logger(),
	}
}

// ReadAll reads every entry from the segment.
func (r *Reader) ReadAll() ([]Entry, error) {
	var entries []Entry

	f, err := os.Open(r.filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL segment: %w", err)
	}
	defer f.Close()

	header := make([]byte, FileHeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil || n < FileHeaderSize {
		r.logger.Warn().Str("file", r.filePath).Msg("WAL segment too short")
		return entries, nil
	}

	if !bytes.Equal(header[0:4], Magic) {
		return nil, fmt.Errorf("invalid WAL magic bytes in %s", r.filePath)
	}
	if version := binary.BigEndian.Uint16(header[4:6]); version != Version {
		r.logger.Warn().
			Uint16("file_version", version).
			Uint16("expected_version", Version).
			Msg("WAL version mismatch")
	}

	var decoder *zstd.Decoder
	if header[6]&flagZstd != 0 {
		decoder, err = zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer decoder.Close()
	}

	for {
		entry, err := r.readEntry(f, decoder)
		if err == io.EOF {
			break
		}
		if err != nil {
			r.logger.Error().Err(err).Msg("Skipping corrupt WAL entry")
			r.CorruptedEntries++
			continue
		}
		entries = append(entries, *entry)
		r.TotalEntries++
	}

	r.logger.Info().
		Str("file", r.filePath).
		Int64("entries", r.TotalEntries).
		Int64("bytes", r.TotalBytes).
		Int64("corrupted", r.CorruptedEntries).
		Msg("WAL segment read")

	return entries, nil
}

func (r *Reader) readEntry(f *os.File, decoder *zstd.Decoder) (*Entry, error) {
	header := make([]byte, EntryHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		// A torn header is the end of usable data.
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, err
	}

	payloadLen := binary.BigEndian.Uint32(header[0:4])
	timestampUS := binary.BigEndian.Uint64(header[4:12])
	expectedChecksum := binary.BigEndian.Uint32(header[12:16])

	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("entry length %d exceeds limit", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(f, payload); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, io.EOF // torn tail
		}
		return nil, err
	}
	r.TotalBytes += int64(EntryHeaderSize) + int64(payloadLen)

	if crc32.ChecksumIEEE(payload) != expectedChecksum {
		return nil, fmt.Errorf("checksum mismatch")
	}

	if decoder != nil {
		decompressed, err := decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress entry: %w", err)
		}
		payload = decompressed
	}

	row, err := decodeRow(payload)
	if err != nil {
		return nil, err
	}

	return &Entry{TimestampUS: timestampUS, Row: row}, nil
}
