package logger

import (
	"io"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
}

// Ring is a circular buffer of recent log entries. Embedding applications
// can surface it in their own diagnostics endpoints.
type Ring struct {
	mu       sync.RWMutex
	entries  []Entry
	size     int
	writePos int
	count    int
}

var (
	globalRing *Ring
	ringOnce   sync.Once
)

// GetRing returns the global ring buffer instance.
func GetRing() *Ring {
	ringOnce.Do(func() {
		globalRing = NewRing(4096)
	})
	return globalRing
}

// NewRing creates a ring buffer holding up to size entries.
func NewRing(size int) *Ring {
	return &Ring{
		entries: make([]Entry, size),
		size:    size,
	}
}

// Add appends an entry, overwriting the oldest when full.
func (r *Ring) Add(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.writePos] = entry
	r.writePos = (r.writePos + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// Recent returns up to limit entries, most recent first.
func (r *Ring) Recent(limit int) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > r.count {
		limit = r.count
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (r.writePos - 1 - i + r.size) % r.size
		out = append(out, r.entries[idx])
	}
	return out
}

// Count returns the number of buffered entries.
func (r *Ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// RingWriter is an io.Writer that tees zerolog output into the ring buffer.
type RingWriter struct {
	ring     *Ring
	original io.Writer
}

// NewRingWriter wraps original so that each written log line is also parsed
// into the global ring buffer.
func NewRingWriter(original io.Writer) *RingWriter {
	return &RingWriter{
		ring:     GetRing(),
		original: original,
	}
}

// Write implements io.Writer.
func (w *RingWriter) Write(p []byte) (n int, err error) {
	if w.original != nil {
		n, err = w.original.Write(p)
	} else {
		n = len(p)
	}

	entry := parseLogLine(string(p))
	if entry.Message != "" || entry.Level != "" {
		w.ring.Add(entry)
	}
	return n, err
}

// parseLogLine extracts the fields we care about from zerolog's JSON output.
// A JSON decoder would be correct but this runs on every log line; plain
// string scanning keeps it cheap.
func parseLogLine(line string) Entry {
	entry := Entry{Timestamp: time.Now()}

	entry.Level = strings.ToUpper(jsonField(line, "level"))
	entry.Component = jsonField(line, "component")
	entry.Message = jsonField(line, "message")

	if ts := jsonField(line, "time"); ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.Timestamp = t
		}
	}
	return entry
}

func jsonField(line, key string) string {
	marker := `"` + key + `":"`
	idx := strings.Index(line, marker)
	if idx < 0 {
		return ""
	}
	start := idx + len(marker)
	end := strings.Index(line[start:], `"`)
	if end < 0 {
		return ""
	}
	return line[start : start+end]
}
