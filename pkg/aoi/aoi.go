// Package aoi loads area-of-interest geometries and moves them between
// coordinate reference systems.
//
// An AOI is always held as a multi-polygon. GeoJSON (RFC 7946 and the older
// "crs" member form) and ESRI shapefiles are accepted.
package aoi

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/paulmach/orb/project"

	"github.com/3leaps/climgrid/pkg/crs"
)

// Errors returned while loading or validating an AOI.
var (
	// ErrEmpty indicates the source held no polygonal geometry.
	ErrEmpty = errors.New("aoi has no polygons")

	// ErrNotPolygonal indicates a geometry that cannot bound an area.
	ErrNotPolygonal = errors.New("aoi geometry is not a polygon")

	// ErrUnknownFormat indicates an unrecognized file extension.
	ErrUnknownFormat = errors.New("unknown aoi format")

	// ErrNoCRS indicates neither the source nor the caller declared a CRS.
	ErrNoCRS = errors.New("aoi crs is unknown")
)

// AOI is a polygonal area of interest in a known coordinate system.
type AOI struct {
	// Geometry holds one or more polygons; holes are interior rings.
	Geometry orb.MultiPolygon

	// CRS is the canonical identifier (see package crs).
	CRS string

	// Source is the file the AOI was loaded from, if any.
	Source string
}

// Load reads an AOI from path, choosing the decoder by extension.
//
// declaredCRS overrides any CRS found in the file when non-empty. GeoJSON
// without a crs member defaults to CRS84 per RFC 7946; shapefiles take their
// CRS from the .prj sidecar.
func Load(path, declaredCRS string) (*AOI, error) {
	declared, err := crs.Normalize(declaredCRS)
	if err != nil {
		return nil, err
	}

	var a *AOI
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		a, err = FromGeoJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	case ".shp":
		a, err = FromShapefile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}

	a.Source = path
	if declared != crs.Unknown {
		a.CRS = declared
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return a, nil
}

// New builds an AOI from a geometry, which must be a Polygon, MultiPolygon,
// Bound or a collection of those.
func New(g orb.Geometry, crsID string) (*AOI, error) {
	id, err := crs.Normalize(crsID)
	if err != nil {
		return nil, err
	}
	mp, err := toMultiPolygon(g)
	if err != nil {
		return nil, err
	}
	a := &AOI{Geometry: mp, CRS: id}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Validate checks that the AOI is usable for clipping.
func (a *AOI) Validate() error {
	if a == nil || len(a.Geometry) == 0 {
		return ErrEmpty
	}
	if a.CRS == crs.Unknown {
		return ErrNoCRS
	}
	if !crs.Supported(a.CRS) {
		return fmt.Errorf("%w: %s", crs.ErrUnsupported, a.CRS)
	}
	for i, poly := range a.Geometry {
		if len(poly) == 0 || len(poly[0]) < 4 {
			return fmt.Errorf("polygon %d: outer ring needs at least 4 points", i)
		}
		for _, ring := range poly {
			for _, p := range ring {
				if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
					return fmt.Errorf("polygon %d: non-finite coordinate", i)
				}
			}
		}
	}
	if planar.Area(a.Geometry) == 0 {
		return fmt.Errorf("%w: zero area", ErrNotPolygonal)
	}
	return nil
}

// Bound returns the AOI's bounding box in its own CRS.
func (a *AOI) Bound() orb.Bound {
	return a.Geometry.Bound()
}

// Reproject returns a copy of the AOI expressed in target.
// The receiver is never modified.
func (a *AOI) Reproject(target string) (*AOI, error) {
	id, err := crs.Normalize(target)
	if err != nil {
		return nil, err
	}
	proj, err := crs.Transform(a.CRS, id)
	if err != nil {
		return nil, err
	}
	out := &AOI{Geometry: a.Geometry.Clone(), CRS: a.CRS, Source: a.Source}
	if proj == nil {
		if id != crs.Unknown {
			out.CRS = id
		}
		return out, nil
	}
	out.Geometry = project.MultiPolygon(out.Geometry, proj)
	out.CRS = id
	return out, nil
}

func toMultiPolygon(g orb.Geometry) (orb.MultiPolygon, error) {
	switch v := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{v}, nil
	case orb.MultiPolygon:
		return v, nil
	case orb.Bound:
		return orb.MultiPolygon{v.ToPolygon()}, nil
	case orb.Collection:
		var out orb.MultiPolygon
		for _, child := range v {
			mp, err := toMultiPolygon(child)
			if err != nil {
				return nil, err
			}
			out = append(out, mp...)
		}
		if len(out) == 0 {
			return nil, ErrEmpty
		}
		return out, nil
	case nil:
		return nil, ErrEmpty
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotPolygonal, g.GeoJSONType())
	}
}
