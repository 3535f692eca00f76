// Package unpack extracts the raster for one grid key from a downloaded
// archive into the store.
package unpack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/zap"

	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/match"
	"github.com/3leaps/climgrid/pkg/raster"
	"github.com/3leaps/climgrid/pkg/store"
)

// DefaultPatterns select a PRISM raster entry. {variable} and {date} are
// replaced per key; matching ignores case.
var DefaultPatterns = []string{
	"**/*_{variable}_*{date}*.tif",
	"**/*_{variable}_*{date}*.bil",
}

// rasterExts are the extensions a selected entry may carry, in lookup order.
var rasterExts = []string{".tif", ".bil"}

// Extraction failure causes, wrapped in *climate.ExtractionError.
var (
	ErrCorrupt   = errors.New("archive is corrupt")
	ErrNoRaster  = errors.New("no raster entry matches")
	ErrAmbiguous = errors.New("multiple raster entries match")
	ErrBadRaster = errors.New("extracted raster is unreadable")
)

// Config configures an Unpacker.
type Config struct {
	// Patterns select the raster entry. Default: DefaultPatterns.
	Patterns []string

	// KeepMetadata copies non-raster payload files into the metadata area.
	KeepMetadata bool

	// RemoveArchive deletes the archive after a successful extraction.
	RemoveArchive bool

	Logger *zap.Logger
}

// Unpacker extracts grids. It is safe for concurrent use.
type Unpacker struct {
	cfg   Config
	store store.Store
	log   *zap.Logger
}

// New creates an Unpacker writing into st.
func New(st store.Store, cfg Config) (*Unpacker, error) {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = DefaultPatterns
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	// Validate the templates once with placeholder values.
	if _, err := matcherFor(cfg.Patterns, climate.Key{Variable: "x", Resolution: climate.Daily}); err != nil {
		return nil, err
	}
	return &Unpacker{cfg: cfg, store: st, log: cfg.Logger}, nil
}

// Lookup returns the already-extracted grid for k, if any.
func (u *Unpacker) Lookup(k climate.Key) (*climate.GridFile, bool, error) {
	for _, ext := range rasterExts {
		p := u.store.Path(store.KindGrids, k, ext)
		ok, err := u.store.Exists(p)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			continue
		}
		gf, err := gridFile(k, p)
		if err != nil {
			return nil, false, err
		}
		return gf, true, nil
	}
	return nil, false, nil
}

// Remove deletes the extracted grid for k and its sidecars.
func (u *Unpacker) Remove(k climate.Key) error {
	unlock := u.store.Lock(k)
	defer unlock()

	dir := u.store.Dir(store.KindGrids, k)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	prefix := store.BaseName(k) + "."
	var errs []error
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		errs = append(errs, u.store.Remove(filepath.Join(dir, e.Name())))
	}
	return errors.Join(errs...)
}

// Unpack extracts the raster for k from archivePath and returns its GridFile.
//
// Sidecars sharing the raster's file stem are written first and the raster
// last, each atomically, so a raster path that exists is always usable.
// Failures are returned as *climate.ExtractionError.
func (u *Unpacker) Unpack(ctx context.Context, archivePath string, k climate.Key) (*climate.GridFile, error) {
	unlock := u.store.Lock(k)
	defer unlock()

	if gf, ok, err := u.Lookup(k); err != nil {
		return nil, u.extractionError(archivePath, k, "", err)
	} else if ok {
		u.log.Debug("Grid already extracted", zap.String("key", k.String()), zap.String("path", gf.Path))
		return gf, nil
	}

	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, u.extractionError(archivePath, k, "", fmt.Errorf("%w: %v", ErrCorrupt, err))
	}
	defer func() { _ = zr.Close() }()

	entries := make(map[string]*zip.File, len(zr.File))
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		entries[f.Name] = f
		names = append(names, f.Name)
	}

	m, err := matcherFor(u.cfg.Patterns, k)
	if err != nil {
		return nil, u.extractionError(archivePath, k, "", err)
	}
	var candidates []string
	for _, n := range m.Select(names) {
		if rasterExt(n) != "" {
			candidates = append(candidates, n)
		}
	}
	switch len(candidates) {
	case 0:
		return nil, u.extractionError(archivePath, k, "", ErrNoRaster)
	case 1:
	default:
		sort.Strings(candidates)
		return nil, u.extractionError(archivePath, k, "",
			fmt.Errorf("%w: %s", ErrAmbiguous, strings.Join(candidates, ", ")))
	}
	entry := candidates[0]
	ext := rasterExt(entry)
	stem := strings.TrimSuffix(entry, path.Ext(entry))

	var sidecars, extras []string
	for _, n := range names {
		switch {
		case n == entry:
		case sidecarSuffix(n, stem) != "":
			sidecars = append(sidecars, n)
		case !match.IsHidden(n):
			extras = append(extras, n)
		}
	}
	sort.Strings(sidecars)
	sort.Strings(extras)

	written := make([]string, 0, len(sidecars)+1)
	cleanup := func() {
		for _, p := range written {
			_ = u.store.Remove(p)
		}
	}

	for _, n := range sidecars {
		if err := ctx.Err(); err != nil {
			cleanup()
			return nil, err
		}
		dest := u.store.Path(store.KindGrids, k, sidecarSuffix(n, stem))
		if err := u.extract(entries[n], dest); err != nil {
			cleanup()
			return nil, u.extractionError(archivePath, k, n, err)
		}
		written = append(written, dest)
	}

	if err := ctx.Err(); err != nil {
		cleanup()
		return nil, err
	}
	dest := u.store.Path(store.KindGrids, k, ext)
	if err := u.extract(entries[entry], dest); err != nil {
		cleanup()
		return nil, u.extractionError(archivePath, k, entry, err)
	}
	written = append(written, dest)

	gf, err := gridFile(k, dest)
	if err != nil {
		cleanup()
		return nil, u.extractionError(archivePath, k, entry, err)
	}

	if u.cfg.KeepMetadata {
		dir := u.store.Dir(store.KindMetadata, k)
		for _, n := range extras {
			p := filepath.Join(dir, store.BaseName(k)+"_"+path.Base(n))
			if err := u.extract(entries[n], p); err != nil {
				u.log.Warn("Failed to keep metadata file", zap.String("entry", n), zap.Error(err))
			}
		}
	}

	if u.cfg.RemoveArchive {
		if err := u.store.Remove(archivePath); err != nil {
			u.log.Warn("Failed to remove archive", zap.String("path", archivePath), zap.Error(err))
		}
	}

	u.log.Debug("Extracted grid",
		zap.String("key", k.String()),
		zap.String("entry", entry),
		zap.Int("sidecars", len(sidecars)),
		zap.String("path", gf.Path))
	return gf, nil
}

func (u *Unpacker) extract(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer func() { _ = rc.Close() }()

	return u.store.Create(dest, func(w io.Writer) error {
		if _, err := io.Copy(w, rc); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil
	})
}

func (u *Unpacker) extractionError(archive string, k climate.Key, entry string, err error) error {
	return &climate.ExtractionError{Archive: archive, Date: k.Date, Entry: entry, Err: err}
}

// matcherFor expands the pattern templates for k.
func matcherFor(patterns []string, k climate.Key) (*match.Matcher, error) {
	r := strings.NewReplacer("{variable}", string(k.Variable), "{date}", k.DateString())
	expanded := make([]string, len(patterns))
	for i, p := range patterns {
		expanded[i] = r.Replace(p)
	}
	return match.New(match.Config{Includes: expanded, FoldCase: true})
}

func rasterExt(name string) string {
	ext := strings.ToLower(path.Ext(name))
	for _, e := range rasterExts {
		if ext == e || (e == ".tif" && ext == ".tiff") {
			return e
		}
	}
	return ""
}

// sidecarSuffixes are the files readers consult next to a raster.
var sidecarSuffixes = []string{".hdr", ".prj", ".stx", ".tfw", ".blw", ".aux.xml"}

// sidecarSuffix returns the part of name after the raster stem (".prj",
// ".tif.aux.xml"), lowercased, or "" if name is not a sidecar in the
// raster's directory.
func sidecarSuffix(name, stem string) string {
	if len(name) <= len(stem) || !strings.EqualFold(name[:len(stem)], stem) {
		return ""
	}
	rest := strings.ToLower(name[len(stem):])
	if rest[0] != '.' || strings.Contains(rest, "/") {
		return ""
	}
	for _, s := range sidecarSuffixes {
		if strings.HasSuffix(rest, s) {
			return rest
		}
	}
	return ""
}

func gridFile(k climate.Key, p string) (*climate.GridFile, error) {
	ds, err := raster.Open(p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRaster, err)
	}
	defer func() { _ = ds.Close() }()

	h := ds.Header()
	return &climate.GridFile{
		Key:        k,
		Path:       p,
		CRS:        h.CRS,
		CellWidth:  math.Abs(h.Transform.PixelWidth),
		CellHeight: math.Abs(h.Transform.PixelHeight),
		NoData:     h.NoData,
		HasNoData:  h.HasNoData,
	}, nil
}
