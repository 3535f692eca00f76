// Package store lays out archives, grids and derived files on local disk.
//
// Every file is addressed by its grid key, so the path for
// (variable, unit, resolution, date) is a pure function of the key and the
// store root. Files appear only through Create, which writes to a temporary
// name and renames into place: a path that exists is always complete.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/climgrid/pkg/climate"
)

// Kind partitions the store by artifact type.
type Kind string

const (
	// KindArchives holds downloaded archives.
	KindArchives Kind = "archives"

	// KindGrids holds extracted rasters and their sidecars.
	KindGrids Kind = "grids"

	// KindMetadata holds non-raster archive payload kept for reference.
	KindMetadata Kind = "metadata"

	// KindClipped holds cached clipped rasters.
	KindClipped Kind = "clipped"
)

// tempMarker is embedded in in-progress file names.
const tempMarker = ".tmp-"

// Store is a key-addressed file store.
type Store interface {
	// Root returns the store's root directory.
	Root() string

	// Dir returns the directory holding kind files for k.
	Dir(kind Kind, k climate.Key) string

	// Path returns the path of a kind file for k with the given extension
	// (including the leading dot).
	Path(kind Kind, k climate.Key, ext string) string

	// Exists reports whether path is a non-empty regular file.
	Exists(path string) (bool, error)

	// Create atomically materializes path from write.
	Create(path string, write func(w io.Writer) error) error

	// Remove deletes path. A missing path is not an error.
	Remove(path string) error

	// Lock serializes writers of one key and returns the unlock function.
	Lock(k climate.Key) (unlock func())
}

// FS is a Store on the local filesystem.
type FS struct {
	root string

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

var _ Store = (*FS)(nil)

// NewFS returns a store rooted at root, creating it if needed.
func NewFS(root string) (*FS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("store root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FS{root: abs, locks: make(map[string]*keyLock)}, nil
}

// Root returns the store's root directory.
func (s *FS) Root() string { return s.root }

// Dir returns <root>/<kind>/<variable>/<unit>/<resolution>/<yyyy>[/<mm>].
// Daily keys are partitioned by month, monthly keys by year only.
func (s *FS) Dir(kind Kind, k climate.Key) string {
	d := k.Date.UTC()
	parts := []string{s.root, string(kind), string(k.Variable), string(k.Unit), string(k.Resolution), fmt.Sprintf("%04d", d.Year())}
	if k.Resolution == climate.Daily {
		parts = append(parts, fmt.Sprintf("%02d", int(d.Month())))
	}
	return filepath.Join(parts...)
}

// Path returns Dir(kind, k)/<variable>_<unit>_<resolution>_<date><ext>.
func (s *FS) Path(kind Kind, k climate.Key, ext string) string {
	return filepath.Join(s.Dir(kind, k), BaseName(k)+ext)
}

// BaseName is the file stem shared by every file of a key.
func BaseName(k climate.Key) string {
	return fmt.Sprintf("%s_%s_%s_%s", k.Variable, k.Unit, k.Resolution, k.DateString())
}

// Exists reports whether path is a non-empty regular file.
func (s *FS) Exists(path string) (bool, error) {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return st.Mode().IsRegular() && st.Size() > 0, nil
}

// Create writes through a temporary file in path's directory and renames it
// into place once write and Close succeed. On any failure the temporary
// file is removed and path is left untouched.
func (s *FS) Create(path string, write func(w io.Writer) error) error {
	if err := s.within(path); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := write(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

// Remove deletes path and prunes directories left empty, stopping at the root.
func (s *FS) Remove(path string) error {
	if err := s.within(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	for dir := filepath.Dir(path); dir != s.root && strings.HasPrefix(dir, s.root); dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// Lock acquires the per-key writer lock.
func (s *FS) Lock(k climate.Key) func() {
	name := k.String()

	s.mu.Lock()
	l, ok := s.locks[name]
	if !ok {
		l = &keyLock{}
		s.locks[name] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}

// SweepTemp removes in-progress files older than age left by interrupted
// writers and returns how many were removed.
func (s *FS) SweepTemp(age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	removed := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.Contains(d.Name(), tempMarker) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if os.Remove(path) == nil {
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *FS) within(path string) error {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("path %s is outside store root %s", path, s.root)
	}
	return nil
}
