// Package raster reads and writes single-band, north-up grids.
//
// Two on-disk formats are read: GeoTIFF (strip or tile layout; none, LZW and
// deflate compression; horizontal and floating-point predictors) and ESRI
// BIL with its .hdr sidecar. GeoTIFF is also written, as float32.
//
// Reads are windowed so that clipping a small AOI from a continental grid
// only decodes the strips or tiles that cover it.
package raster

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
)

// Errors returned by readers.
var (
	// ErrUnsupportedFormat indicates a file extension with no reader.
	ErrUnsupportedFormat = errors.New("unsupported raster format")

	// ErrMalformed indicates a structurally invalid file.
	ErrMalformed = errors.New("malformed raster")

	// ErrWindow indicates a window outside the raster.
	ErrWindow = errors.New("window outside raster")
)

// GeoTransform maps pixel corners to CRS coordinates for a north-up grid.
// PixelHeight is negative when rows run north to south, as in GDAL.
type GeoTransform struct {
	OriginX     float64
	OriginY     float64
	PixelWidth  float64
	PixelHeight float64
}

// CellCenter returns the CRS coordinate of the center of (col, row).
func (g GeoTransform) CellCenter(col, row int) (x, y float64) {
	return g.OriginX + (float64(col)+0.5)*g.PixelWidth, g.OriginY + (float64(row)+0.5)*g.PixelHeight
}

// CellBounds returns the CRS extent of (col, row).
func (g GeoTransform) CellBounds(col, row int) (minX, minY, maxX, maxY float64) {
	x0 := g.OriginX + float64(col)*g.PixelWidth
	x1 := x0 + g.PixelWidth
	y0 := g.OriginY + float64(row)*g.PixelHeight
	y1 := y0 + g.PixelHeight
	return math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)
}

// Pixel returns fractional (col, row) for a CRS coordinate.
func (g GeoTransform) Pixel(x, y float64) (col, row float64) {
	return (x - g.OriginX) / g.PixelWidth, (y - g.OriginY) / g.PixelHeight
}

// Shift returns the transform of a sub-window starting at (col, row).
func (g GeoTransform) Shift(col, row int) GeoTransform {
	g.OriginX += float64(col) * g.PixelWidth
	g.OriginY += float64(row) * g.PixelHeight
	return g
}

// Header describes a raster without its cell values.
type Header struct {
	Cols int
	Rows int

	Transform GeoTransform

	// CRS is a canonical identifier (see package crs); empty if unknown.
	CRS string

	NoData    float64
	HasNoData bool

	// Scale and Offset convert stored values to physical values
	// (physical = stored*Scale + Offset). Zero Scale means 1.
	Scale  float64
	Offset float64
}

// Bounds returns [minX, minY, maxX, maxY] of the full raster.
func (h Header) Bounds() [4]float64 {
	x0 := h.Transform.OriginX
	x1 := x0 + float64(h.Cols)*h.Transform.PixelWidth
	y0 := h.Transform.OriginY
	y1 := y0 + float64(h.Rows)*h.Transform.PixelHeight
	return [4]float64{math.Min(x0, x1), math.Min(y0, y1), math.Max(x0, x1), math.Max(y0, y1)}
}

// Full returns the window covering the whole raster.
func (h Header) Full() Window {
	return Window{Cols: h.Cols, Rows: h.Rows}
}

// IsNoData reports whether a stored value is the nodata value.
// NaN cells are always nodata.
func (h Header) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	if !h.HasNoData {
		return false
	}
	if v == h.NoData {
		return true
	}
	// float32 storage rounds the declared nodata value.
	return float64(float32(v)) == float64(float32(h.NoData))
}

func (h Header) physical(v float64) float64 {
	scale := h.Scale
	if scale == 0 {
		scale = 1
	}
	return v*scale + h.Offset
}

// Window is a rectangular block of cells.
type Window struct {
	Col  int
	Row  int
	Cols int
	Rows int
}

// Empty reports whether the window has no cells.
func (w Window) Empty() bool {
	return w.Cols <= 0 || w.Rows <= 0
}

// Intersect clips w to o.
func (w Window) Intersect(o Window) Window {
	c0 := max(w.Col, o.Col)
	r0 := max(w.Row, o.Row)
	c1 := min(w.Col+w.Cols, o.Col+o.Cols)
	r1 := min(w.Row+w.Rows, o.Row+o.Rows)
	if c1 <= c0 || r1 <= r0 {
		return Window{Col: c0, Row: r0}
	}
	return Window{Col: c0, Row: r0, Cols: c1 - c0, Rows: r1 - r0}
}

// Grid is a block of physical cell values in row-major order.
//
// Header describes the block itself: its Cols/Rows are the window size and
// its transform is shifted to the window origin. Nodata cells hold
// Header.NoData (or NaN when the source declares none).
type Grid struct {
	Header Header
	Values []float64
}

// At returns the value at (col, row) of the block.
func (g *Grid) At(col, row int) float64 {
	return g.Values[row*g.Header.Cols+col]
}

// Valid reports whether the cell at index i holds a measurement.
func (g *Grid) Valid(i int) bool {
	return !g.Header.IsNoData(g.Values[i])
}

// Dataset is an open raster.
type Dataset interface {
	// Header returns the raster's metadata.
	Header() Header

	// ReadWindow decodes the cells of w with scale/offset applied.
	ReadWindow(w Window) (*Grid, error)

	// Close releases the underlying file.
	Close() error
}

// Open opens path with the reader for its extension.
func Open(path string) (Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".tif", ".tiff":
		return OpenGeoTIFF(path)
	case ".bil":
		return OpenBIL(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// Read opens path and reads the full raster.
func Read(path string) (*Grid, error) {
	ds, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ds.Close() }()
	return ds.ReadWindow(ds.Header().Full())
}

// newGrid allocates the output block for w and fills stored values via fill,
// which receives (col, row) within the window and returns the stored value.
func newGrid(h Header, w Window) *Grid {
	sub := h
	sub.Cols, sub.Rows = w.Cols, w.Rows
	sub.Transform = h.Transform.Shift(w.Col, w.Row)
	sub.Scale, sub.Offset = 1, 0
	return &Grid{Header: sub, Values: make([]float64, w.Cols*w.Rows)}
}

// store writes a stored value into the grid, applying scale/offset to valid
// cells and normalizing nodata cells.
func (g *Grid) store(src Header, i int, stored float64) {
	if src.IsNoData(stored) {
		if src.HasNoData {
			g.Values[i] = src.NoData
		} else {
			g.Values[i] = math.NaN()
		}
		return
	}
	g.Values[i] = src.physical(stored)
}

func checkWindow(h Header, w Window) error {
	if w.Empty() || w.Col < 0 || w.Row < 0 || w.Col+w.Cols > h.Cols || w.Row+w.Rows > h.Rows {
		return fmt.Errorf("%w: %+v in %dx%d", ErrWindow, w, h.Cols, h.Rows)
	}
	return nil
}
