package storage

import (
	"context"
	"time"
)

// Backend is where serialized chunks land. The file sink writes through a
// Backend so that chunk serialization and chunk placement stay separable.
type Backend interface {
	// Write writes data to the specified path atomically.
	Write(ctx context.Context, path string, data []byte) error

	// Read reads data from the specified path.
	Read(ctx context.Context, path string) ([]byte, error)

	// List lists all objects with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete deletes the object at the specified path.
	Delete(ctx context.Context, path string) error

	// Exists checks if an object exists at the specified path.
	Exists(ctx context.Context, path string) (bool, error)

	// Close closes any resources held by the backend.
	Close() error

	// Type returns the storage type identifier ("local", ...).
	Type() string
}

// ObjectInfo provides metadata about a storage object.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
}

// ObjectLister lists objects with their metadata. Optional capability for
// backends that can report sizes and ages cheaply.
type ObjectLister interface {
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
