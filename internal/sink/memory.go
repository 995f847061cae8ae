package sink

import (
	"context"
	"sync"

	"github.com/rerun-io/chunkstream/pkg/models"
)

// MemorySink is an in-process store: it keeps every consumed chunk in
// arrival order. Useful as an embedded recording store and as a test double.
type MemorySink struct {
	mu     sync.Mutex
	chunks []*models.Chunk
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Consume appends the chunk to the store.
func (s *MemorySink) Consume(ctx context.Context, chunk *models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

// Close implements Sink.
func (s *MemorySink) Close() error {
	return nil
}

// Chunks returns a snapshot of the consumed chunks in arrival order.
func (s *MemorySink) Chunks() []*models.Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Len returns the number of consumed chunks.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

// TotalRows returns the total row count across all consumed chunks.
func (s *MemorySink) TotalRows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		n += c.NumRows
	}
	return n
}

// Reset drops all stored chunks.
func (s *MemorySink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = nil
}
