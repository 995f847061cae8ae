package sink

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream/internal/storage"
	"github.com/rerun-io/chunkstream/pkg/models"
)

// timelinePrefix namespaces timeline fields in the Parquet schema. Component
// names using the prefix are rejected at push time (models.LogRow.NumRows),
// so a collision cannot reach the writer.
const timelinePrefix = models.TimelineColumnPrefix

// sharedAllocator is a package-level shared allocator for Arrow operations.
// memory.GoAllocator is documented as thread-safe for concurrent use.
var sharedAllocator = memory.NewGoAllocator()

// int64SliceToTimestamps reinterprets []int64 as []arrow.Timestamp without
// allocation. Safe because arrow.Timestamp is defined as type Timestamp int64.
func int64SliceToTimestamps(src []int64) []arrow.Timestamp {
	return *(*[]arrow.Timestamp)(unsafe.Pointer(&src))
}

// ParquetConfig controls the Parquet encoding of sealed chunks.
type ParquetConfig struct {
	Compression     string // snappy, zstd, gzip
	UseDictionary   bool
	WriteStatistics bool
	DataPageVersion string // "1.0" or "2.0"
}

// ParquetSink serializes consumed chunks to Parquet and stores them through
// a storage backend, partitioned by entity path and seal hour.
type ParquetSink struct {
	backend storage.Backend

	compression     compress.Compression
	useDictionary   bool
	writeStatistics bool
	dataPageVersion string

	// LRU schema cache (entity path + column signature -> schema).
	schemaCache *schemaLRUCache

	logger zerolog.Logger
}

// NewParquetSink creates a Parquet file sink writing through backend.
func NewParquetSink(cfg ParquetConfig, backend storage.Backend, logger zerolog.Logger) *ParquetSink {
	var comp compress.Compression
	switch cfg.Compression {
	case "gzip":
		comp = compress.Codecs.Gzip
	case "zstd":
		comp = compress.Codecs.Zstd
	case "snappy":
		comp = compress.Codecs.Snappy
	default:
		comp = compress.Codecs.Snappy
	}

	// 1000 cached schemas is roughly 100-200KB; most recordings use far
	// fewer entity path / column combinations.
	const schemaCacheCapacity = 1000

	return &ParquetSink{
		backend:         backend,
		compression:     comp,
		useDictionary:   cfg.UseDictionary,
		writeStatistics: cfg.WriteStatistics,
		dataPageVersion: cfg.DataPageVersion,
		schemaCache:     newSchemaLRUCache(schemaCacheCapacity),
		logger:          logger.With().Str("component", "parquet-sink").Logger(),
	}
}

// Consume serializes the chunk and writes it to storage.
func (s *ParquetSink) Consume(ctx context.Context, chunk *models.Chunk) error {
	data, err := s.writeParquet(chunk)
	if err != nil {
		return fmt.Errorf("failed to encode chunk %s: %w", chunk.ID, err)
	}

	path := s.chunkPath(chunk, time.Now().UTC())
	if err := s.backend.Write(ctx, path, data); err != nil {
		return fmt.Errorf("failed to store chunk %s: %w", chunk.ID, err)
	}

	s.logger.Debug().
		Str("entity_path", chunk.EntityPath).
		Str("path", path).
		Int("rows", chunk.NumRows).
		Int("size", len(data)).
		Msg("Wrote chunk file")

	return nil
}

// Close implements Sink.
func (s *ParquetSink) Close() error {
	return s.backend.Close()
}

// chunkPath builds the storage path: <entity>/<yyyy/mm/dd/hh>/<id>.parquet.
func (s *ParquetSink) chunkPath(chunk *models.Chunk, sealedAt time.Time) string {
	entity := sanitizeEntityPath(chunk.EntityPath)
	return fmt.Sprintf("%s/%s/%s.parquet",
		entity, sealedAt.Format("2006/01/02/15"), chunk.ID)
}

// sanitizeEntityPath maps an entity path to a filesystem-safe relative path.
func sanitizeEntityPath(entityPath string) string {
	entityPath = strings.Trim(entityPath, "/")
	if entityPath == "" {
		return "_root"
	}
	var sb strings.Builder
	for _, r := range entityPath {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '_', r == '-', r == '.', r == '/':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// schemaKey builds the cache key from entity path plus the sorted field
// signature of the chunk.
func schemaKey(chunk *models.Chunk) string {
	names := make([]string, 0, len(chunk.TimeColumns)+len(chunk.Columns))
	for name, tc := range chunk.TimeColumns {
		names = append(names, timelinePrefix+name+"#"+tc.Type.String())
	}
	for name, col := range chunk.Columns {
		names = append(names, name+"#"+columnTypeName(col))
	}
	sort.Strings(names)
	return chunk.EntityPath + "|" + strings.Join(names, ",")
}

func columnTypeName(col models.Column) string {
	switch col.Values.(type) {
	case []int64:
		return "int64"
	case []float64:
		return "float64"
	case []string:
		return "string"
	case []bool:
		return "bool"
	default:
		return "unknown"
	}
}

// getSchema gets or infers the Arrow schema for a chunk (LRU cached).
func (s *ParquetSink) getSchema(chunk *models.Chunk) (*arrow.Schema, error) {
	key := schemaKey(chunk)
	if schema := s.schemaCache.get(key); schema != nil {
		return schema, nil
	}

	schema, err := inferSchema(chunk)
	if err != nil {
		return nil, err
	}
	s.schemaCache.set(key, schema)

	s.logger.Debug().
		Str("entity_path", chunk.EntityPath).
		Str("cache_key", key).
		Msg("Schema cache miss, inferred and cached")

	return schema, nil
}

// inferSchema builds the Arrow schema: timeline fields first (sorted), then
// component fields (sorted). Every field is nullable; sparse columns rely on
// validity bitmaps.
func inferSchema(chunk *models.Chunk) (*arrow.Schema, error) {
	var fields []arrow.Field

	timelines := make([]string, 0, len(chunk.TimeColumns))
	for name := range chunk.TimeColumns {
		timelines = append(timelines, name)
	}
	sort.Strings(timelines)
	for _, name := range timelines {
		tc := chunk.TimeColumns[name]
		var typ arrow.DataType
		switch tc.Type {
		case models.TimeTypeTimestamp:
			typ = arrow.FixedWidthTypes.Timestamp_ns
		default:
			// Sequence counters and duration nanoseconds are plain int64.
			typ = arrow.PrimitiveTypes.Int64
		}
		fields = append(fields, arrow.Field{Name: timelinePrefix + name, Type: typ, Nullable: true})
	}

	components := make([]string, 0, len(chunk.Columns))
	for name := range chunk.Columns {
		components = append(components, name)
	}
	sort.Strings(components)
	for _, name := range components {
		col := chunk.Columns[name]
		var typ arrow.DataType
		switch col.Values.(type) {
		case []int64:
			typ = arrow.PrimitiveTypes.Int64
		case []float64:
			typ = arrow.PrimitiveTypes.Float64
		case []string:
			typ = arrow.BinaryTypes.String
		case []bool:
			typ = arrow.FixedWidthTypes.Boolean
		default:
			return nil, fmt.Errorf("unsupported column type for component %s: %T", name, col.Values)
		}
		fields = append(fields, arrow.Field{Name: name, Type: typ, Nullable: true})
	}

	return arrow.NewSchema(fields, nil), nil
}

// writeParquet converts the chunk's columns into Arrow arrays and writes
// them as a single Parquet row group.
func (s *ParquetSink) writeParquet(chunk *models.Chunk) ([]byte, error) {
	schema, err := s.getSchema(chunk)
	if err != nil {
		return nil, fmt.Errorf("failed to get schema: %w", err)
	}

	mem := sharedAllocator
	builders := make([]array.Builder, len(schema.Fields()))
	arrays := make([]arrow.Array, len(schema.Fields()))

	// Release both builders and arrays; either alone leaks buffers.
	defer func() {
		for _, builder := range builders {
			if builder != nil {
				builder.Release()
			}
		}
		for _, arr := range arrays {
			if arr != nil {
				arr.Release()
			}
		}
	}()

	for i, field := range schema.Fields() {
		if strings.HasPrefix(field.Name, timelinePrefix) {
			tc, ok := chunk.TimeColumns[strings.TrimPrefix(field.Name, timelinePrefix)]
			if !ok {
				return nil, fmt.Errorf("timeline %s not found in chunk", field.Name)
			}
			switch field.Type.ID() {
			case arrow.TIMESTAMP:
				builder := array.NewTimestampBuilder(mem, arrow.FixedWidthTypes.Timestamp_ns.(*arrow.TimestampType))
				builders[i] = builder
				builder.AppendValues(int64SliceToTimestamps(tc.Times), tc.Valid)
				arrays[i] = builder.NewArray()
			default:
				builder := array.NewInt64Builder(mem)
				builders[i] = builder
				builder.AppendValues(tc.Times, tc.Valid)
				arrays[i] = builder.NewArray()
			}
			continue
		}

		col, ok := chunk.Columns[field.Name]
		if !ok {
			return nil, fmt.Errorf("component %s not found in chunk", field.Name)
		}

		switch vals := col.Values.(type) {
		case []int64:
			builder := array.NewInt64Builder(mem)
			builders[i] = builder
			builder.AppendValues(vals, col.Valid)
			arrays[i] = builder.NewArray()
		case []float64:
			builder := array.NewFloat64Builder(mem)
			builders[i] = builder
			builder.AppendValues(vals, col.Valid)
			arrays[i] = builder.NewArray()
		case []string:
			builder := array.NewStringBuilder(mem)
			builders[i] = builder
			builder.AppendValues(vals, col.Valid)
			arrays[i] = builder.NewArray()
		case []bool:
			builder := array.NewBooleanBuilder(mem)
			builders[i] = builder
			builder.AppendValues(vals, col.Valid)
			arrays[i] = builder.NewArray()
		default:
			return nil, fmt.Errorf("unsupported column type for %s: %T", field.Name, col.Values)
		}
	}

	return s.writeRecord(schema, arrays)
}

// writeRecord writes Arrow arrays to Parquet bytes.
func (s *ParquetSink) writeRecord(schema *arrow.Schema, arrays []arrow.Array) ([]byte, error) {
	record := array.NewRecord(schema, arrays, -1)
	defer record.Release()

	var buf bytes.Buffer

	writerOpts := []parquet.WriterProperty{
		parquet.WithCompression(s.compression),
		parquet.WithDictionaryDefault(s.useDictionary),
		parquet.WithStats(s.writeStatistics),
	}
	if s.dataPageVersion == "2.0" {
		writerOpts = append(writerOpts, parquet.WithDataPageVersion(parquet.DataPageV2))
	}
	writerProps := parquet.NewWriterProperties(writerOpts...)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	writer, err := pqarrow.NewFileWriter(schema, &buf, writerProps, arrowProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create Parquet writer: %w", err)
	}

	if err := writer.Write(record); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write record batch: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close Parquet writer: %w", err)
	}

	return buf.Bytes(), nil
}
