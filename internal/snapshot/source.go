package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"gtfs-reconciler/internal/gtfs"
)

// Source lists and opens the snapshot files captured on a calendar day.
type Source interface {
	List(ctx context.Context, day gtfs.ServiceDate) ([]string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// DirSource serves snapshots stored under root/YYYY/MM/DD/.
type DirSource struct {
	root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

// List returns the keys of the day's snapshot files, sorted. A day with no
// directory has no snapshots.
func (s *DirSource) List(ctx context.Context, day gtfs.ServiceDate) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, filepath.FromSlash(day.Path()))
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", dir, err)
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || e.Name()[0] == '.' {
			continue
		}
		keys = append(keys, day.Path()+"/"+e.Name())
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *DirSource) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
}
