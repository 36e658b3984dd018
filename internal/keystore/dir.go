package keystore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// DirStore keeps one file per entry in a directory.
type DirStore struct {
	dir string
}

// NewDirStore creates a store rooted at dir.
func NewDirStore(dir string) *DirStore {
	return &DirStore{dir: dir}
}

// List returns the names of regular files in the directory.
func (s *DirStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", s.dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Remove deletes the named file. Names containing a path separator are rejected.
func (s *DirStore) Remove(_ context.Context, name string) error {
	if name != filepath.Base(name) {
		return fmt.Errorf("invalid entry name %q", name)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

// Describe returns the directory path.
func (s *DirStore) Describe() string {
	return "dir:" + s.dir
}

var _ Store = (*DirStore)(nil)
