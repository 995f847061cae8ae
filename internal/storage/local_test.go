package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func newTestBackend(t *testing.T) (*LocalBackend, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "chunkstream-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	backend, err := NewLocalBackend(tmpDir, logger)
	if err != nil {
		t.Fatalf("failed to create LocalBackend: %v", err)
	}
	t.Cleanup(func() { backend.Close() })
	return backend, tmpDir
}

func TestLocalBackendBasicOperations(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	t.Run("Write and Read", func(t *testing.T) {
		path := "entity/2026/01/01/00/chunk.parquet"
		data := []byte("hello chunks")

		if err := backend.Write(ctx, path, data); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		got, err := backend.Read(ctx, path)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(got) != string(data) {
			t.Errorf("Read returned %q, want %q", got, data)
		}
	})

	t.Run("Exists", func(t *testing.T) {
		ok, err := backend.Exists(ctx, "entity/2026/01/01/00/chunk.parquet")
		if err != nil || !ok {
			t.Errorf("Exists = %v, %v; want true, nil", ok, err)
		}
		ok, err = backend.Exists(ctx, "nope")
		if err != nil || ok {
			t.Errorf("Exists = %v, %v; want false, nil", ok, err)
		}
	})

	t.Run("List", func(t *testing.T) {
		if err := backend.Write(ctx, "entity/other.parquet", []byte("x")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		paths, err := backend.List(ctx, "entity")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(paths) != 2 {
			t.Errorf("expected 2 files, got %d: %v", len(paths), paths)
		}
	})

	t.Run("ListObjects", func(t *testing.T) {
		objs, err := backend.ListObjects(ctx, "entity")
		if err != nil {
			t.Fatalf("ListObjects failed: %v", err)
		}
		if len(objs) != 2 {
			t.Fatalf("expected 2 objects, got %d", len(objs))
		}
		for _, o := range objs {
			if o.Size <= 0 {
				t.Errorf("%s: expected positive size", o.Path)
			}
			if o.LastModified.IsZero() {
				t.Errorf("%s: expected modification time", o.Path)
			}
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := backend.Delete(ctx, "entity/other.parquet"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		ok, _ := backend.Exists(ctx, "entity/other.parquet")
		if ok {
			t.Error("file still exists after Delete")
		}
		// Deleting a missing file is not an error.
		if err := backend.Delete(ctx, "entity/other.parquet"); err != nil {
			t.Errorf("Delete of missing file: %v", err)
		}
	})

	t.Run("ListMissingPrefix", func(t *testing.T) {
		paths, err := backend.List(ctx, "does/not/exist")
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(paths) != 0 {
			t.Errorf("expected empty list, got %v", paths)
		}
	})
}

func TestLocalBackendRejectsTraversal(t *testing.T) {
	backend, _ := newTestBackend(t)
	ctx := context.Background()

	for _, path := range []string{"../escape", "a/../../escape", "../../etc/passwd"} {
		if err := backend.Write(ctx, path, []byte("x")); err == nil {
			t.Errorf("Write(%q): expected traversal rejection", path)
		}
		if _, err := backend.Read(ctx, path); err == nil {
			t.Errorf("Read(%q): expected traversal rejection", path)
		}
	}
}

func TestLocalBackendAtomicWrite(t *testing.T) {
	backend, tmpDir := newTestBackend(t)
	ctx := context.Background()

	if err := backend.Write(ctx, "dir/file.bin", []byte("v1")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// Overwrite must replace, not append, and leave no temp files behind.
	if err := backend.Write(ctx, "dir/file.bin", []byte("version2")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := backend.Read(ctx, "dir/file.bin")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "version2" {
		t.Errorf("Read returned %q, want %q", got, "version2")
	}

	entries, err := os.ReadDir(filepath.Join(tmpDir, "dir"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, e := range entries {
		if e.Name() != "file.bin" {
			t.Errorf("unexpected leftover file %s", e.Name())
		}
	}
}

func TestLocalBackendType(t *testing.T) {
	backend, _ := newTestBackend(t)
	if backend.Type() != "local" {
		t.Errorf("Type = %q, want local", backend.Type())
	}
}
