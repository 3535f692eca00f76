// Package clip cuts a raster down to the cells covered by an AOI.
//
// The AOI is always reprojected into the raster's CRS; rasters are never
// resampled. Only the window bounding the AOI is read from disk.
package clip

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/paulmach/orb"
	orbclip "github.com/paulmach/orb/clip"
	"github.com/paulmach/orb/planar"
	"go.uber.org/zap"

	"github.com/3leaps/climgrid/pkg/aoi"
	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/raster"
	"github.com/3leaps/climgrid/pkg/store"
)

// MaskMode selects which cells count as inside the AOI.
type MaskMode string

const (
	// MaskCentroid keeps cells whose center lies inside the AOI.
	MaskCentroid MaskMode = "centroid"

	// MaskTouching keeps cells that overlap the AOI by any positive area.
	MaskTouching MaskMode = "touching"
)

// ParseMaskMode accepts "centroid" and "touching"; empty means centroid.
func ParseMaskMode(s string) (MaskMode, error) {
	switch MaskMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", MaskCentroid:
		return MaskCentroid, nil
	case MaskTouching:
		return MaskTouching, nil
	}
	return "", fmt.Errorf("unknown mask mode %q (want centroid or touching)", s)
}

// MaskedRaster is the window of a grid bounding the AOI with its mask.
// Values holds physical cell values in the grid's unit; Valid marks cells that
// are inside the AOI and carry a measurement.
type MaskedRaster struct {
	Source *climate.GridFile

	// Header describes the window: its transform starts at the window origin.
	Header raster.Header
	Window raster.Window

	Values []float64
	Valid  []bool
}

// ValidCount returns the number of valid cells.
func (m *MaskedRaster) ValidCount() int {
	n := 0
	for _, v := range m.Valid {
		if v {
			n++
		}
	}
	return n
}

// Grid returns the masked window as a raster grid with invalid cells set to
// nodata.
func (m *MaskedRaster) Grid() *raster.Grid {
	h := m.Header
	if !h.HasNoData {
		h.NoData, h.HasNoData = climate.NoDataSentinel, true
	}
	g := &raster.Grid{Header: h, Values: make([]float64, len(m.Values))}
	for i, v := range m.Values {
		if m.Valid[i] {
			g.Values[i] = v
		} else {
			g.Values[i] = h.NoData
		}
	}
	return g
}

// Config configures a Clipper.
type Config struct {
	// Mask is the masking rule. Default: MaskCentroid.
	Mask MaskMode

	// Store receives a GeoTIFF of each masked window when non-nil.
	// The export is informational and never read back.
	Store store.Store

	Logger *zap.Logger
}

// Clipper masks grids against an AOI. It is safe for concurrent use.
type Clipper struct {
	mask  MaskMode
	store store.Store
	log   *zap.Logger
}

// New creates a Clipper.
func New(cfg Config) (*Clipper, error) {
	mode, err := ParseMaskMode(string(cfg.Mask))
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Clipper{mask: mode, store: cfg.Store, log: cfg.Logger}, nil
}

// Mask returns the masking rule in effect.
func (c *Clipper) Mask() MaskMode { return c.mask }

// Clip reads the window of gf covering a and masks it.
//
// An AOI with no area inside the raster extent yields *climate.NoOverlapError. An AOI
// over nodata cells is not an error: the result simply has no valid cells.
func (c *Clipper) Clip(ctx context.Context, gf *climate.GridFile, a *aoi.AOI) (*MaskedRaster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ds, err := raster.Open(gf.Path)
	if err != nil {
		return nil, fmt.Errorf("open grid %s: %w", gf.Path, err)
	}
	defer func() { _ = ds.Close() }()
	h := ds.Header()

	target, err := a.Reproject(h.CRS)
	if err != nil {
		return nil, fmt.Errorf("reproject aoi to %s: %w", h.CRS, err)
	}
	ab := target.Bound()
	rb := h.Bounds()

	// The bounding box of a multi-part AOI can span the raster while no part
	// meets it, so the geometry itself is clipped to the extent.
	extent := orb.Bound{Min: orb.Point{rb[0], rb[1]}, Max: orb.Point{rb[2], rb[3]}}
	w := windowFor(h, ab)
	if w.Empty() || planar.Area(orbclip.MultiPolygon(extent, target.Geometry.Clone())) == 0 {
		return nil, &climate.NoOverlapError{
			Date:         gf.Date,
			Raster:       gf.Path,
			AOIBounds:    [4]float64{ab.Min[0], ab.Min[1], ab.Max[0], ab.Max[1]},
			RasterBounds: rb,
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, err := ds.ReadWindow(w)
	if err != nil {
		return nil, fmt.Errorf("read window of %s: %w", gf.Path, err)
	}

	m := &MaskedRaster{
		Source: gf,
		Header: g.Header,
		Window: w,
		Values: g.Values,
		Valid:  make([]bool, len(g.Values)),
	}
	inside := c.insideFunc(target.Geometry)
	for row := 0; row < w.Rows; row++ {
		for col := 0; col < w.Cols; col++ {
			i := row*w.Cols + col
			if !g.Valid(i) {
				continue
			}
			m.Valid[i] = inside(g.Header.Transform, col, row)
		}
	}

	c.log.Debug("Clipped grid",
		zap.String("key", gf.Key.String()),
		zap.String("mask", string(c.mask)),
		zap.Int("cols", w.Cols),
		zap.Int("rows", w.Rows),
		zap.Int("valid", m.ValidCount()))

	if c.store != nil {
		c.export(m)
	}
	return m, nil
}

func (c *Clipper) export(m *MaskedRaster) {
	p := c.store.Path(store.KindClipped, m.Source.Key, ".tif")
	err := c.store.Create(p, func(w io.Writer) error {
		return raster.WriteGeoTIFF(w, m.Grid(), raster.WriteOptions{Deflate: true})
	})
	if err != nil {
		c.log.Warn("Failed to export clipped grid", zap.String("path", p), zap.Error(err))
	}
}

func (c *Clipper) insideFunc(mp orb.MultiPolygon) func(raster.GeoTransform, int, int) bool {
	if c.mask == MaskTouching {
		mb := mp.Bound()
		return func(t raster.GeoTransform, col, row int) bool {
			x0, y0, x1, y1 := t.CellBounds(col, row)
			cell := orb.Bound{Min: orb.Point{x0, y0}, Max: orb.Point{x1, y1}}
			if !cell.Intersects(mb) {
				return false
			}
			cx, cy := t.CellCenter(col, row)
			if planar.MultiPolygonContains(mp, orb.Point{cx, cy}) {
				return true
			}
			return planar.Area(orbclip.MultiPolygon(cell, mp.Clone())) > 0
		}
	}
	return func(t raster.GeoTransform, col, row int) bool {
		cx, cy := t.CellCenter(col, row)
		return planar.MultiPolygonContains(mp, orb.Point{cx, cy})
	}
}

// windowFor returns the cells of h whose extent meets b, clipped to the
// raster. The result is empty when b misses the raster.
func windowFor(h raster.Header, b orb.Bound) raster.Window {
	c0, r0 := h.Transform.Pixel(b.Min[0], b.Max[1])
	c1, r1 := h.Transform.Pixel(b.Max[0], b.Min[1])
	colLo, colHi := math.Min(c0, c1), math.Max(c0, c1)
	rowLo, rowHi := math.Min(r0, r1), math.Max(r0, r1)

	w := raster.Window{
		Col: int(math.Floor(colLo)),
		Row: int(math.Floor(rowLo)),
	}
	w.Cols = int(math.Ceil(colHi)) - w.Col
	w.Rows = int(math.Ceil(rowHi)) - w.Row
	// A degenerate extent still covers the cell it falls in.
	if w.Cols == 0 {
		w.Cols = 1
	}
	if w.Rows == 0 {
		w.Rows = 1
	}
	return w.Intersect(h.Full())
}
