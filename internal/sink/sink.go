package sink

import (
	"context"

	"github.com/rerun-io/chunkstream/pkg/models"
)

// Sink accepts sealed chunks from the batcher. Consume is invoked once per
// non-empty chunk, in seal order per entity path. Ownership of the chunk
// transfers to the sink; the batcher does not retry on error.
type Sink interface {
	Consume(ctx context.Context, chunk *models.Chunk) error

	// Close releases sink resources. Chunks already consumed must be
	// durable (or handed further downstream) when Close returns.
	Close() error
}
