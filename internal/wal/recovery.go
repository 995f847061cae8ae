package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rerun-io/chunkstream/pkg/models"
)

// RowPusher accepts recovered rows. Satisfied by *batcher.Batcher.
type RowPusher interface {
	Push(row *models.LogRow) error
}

// Recover reads every WAL segment in dir, oldest first, and replays the
// recovered rows into dst. Returns the number of rows replayed. Segments are
// deleted only after the whole replay succeeds, so a crash mid-recovery
// replays again rather than losing data (pushes are idempotent only at the
// sink; duplicate delivery after a recovery crash is the accepted trade).
func Recover(dir string, dst RowPusher, logger zerolog.Logger) (int, error) {
	log := logger.With().Str("component", "wal-recovery").Logger()

	segments, err := listSegments(dir)
	if err != nil {
		return 0, err
	}
	if len(segments) == 0 {
		return 0, nil
	}

	log.Info().Int("segments", len(segments)).Str("dir", dir).Msg("Starting WAL recovery")

	replayed := 0
	for _, segment := range segments {
		reader := NewReader(segment, logger)
		entries, err := reader.ReadAll()
		if err != nil {
			return replayed, fmt.Errorf("failed to read segment %s: %w", segment, err)
		}
		for _, entry := range entries {
			if err := dst.Push(entry.Row); err != nil {
				return replayed, fmt.Errorf("failed to replay row for %q: %w",
					entry.Row.EntityPath, err)
			}
			replayed++
		}
	}

	for _, segment := range segments {
		if err := os.Remove(segment); err != nil {
			log.Warn().Err(err).Str("file", segment).Msg("Failed to remove replayed segment")
		}
	}

	log.Info().Int("rows", replayed).Msg("WAL recovery complete")
	return replayed, nil
}

// listSegments returns the WAL segment paths in dir sorted by name, which is
// creation order given the timestamped naming scheme.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list WAL directory: %w", err)
	}

	var segments []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".wal") {
			continue
		}
		segments = append(segments, filepath.Join(dir, e.Name()))
	}
	sort.Strings(segments)
	return segments, nil
}
