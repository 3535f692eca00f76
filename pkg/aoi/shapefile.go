package aoi

import (
	"fmt"
	"os"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/3leaps/climgrid/pkg/crs"
)

// FromShapefile reads every polygon record of a .shp file. The CRS comes
// from the .prj sidecar when present; otherwise it stays unknown and must be
// declared by the caller.
func FromShapefile(path string) (*AOI, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile: %w", err)
	}
	defer func() { _ = r.Close() }()

	var mp orb.MultiPolygon
	for r.Next() {
		_, shape := r.Shape()
		var points []shp.Point
		var parts []int32
		switch s := shape.(type) {
		case *shp.Polygon:
			points, parts = s.Points, s.Parts
		case *shp.PolygonZ:
			points, parts = s.Points, s.Parts
		case *shp.PolygonM:
			points, parts = s.Points, s.Parts
		case *shp.Null:
			continue
		default:
			return nil, fmt.Errorf("%w: shape type %T", ErrNotPolygonal, shape)
		}
		mp = append(mp, assemblePolygons(ringsFromParts(points, parts))...)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("read shapefile: %w", err)
	}
	if len(mp) == 0 {
		return nil, ErrEmpty
	}

	id := crs.Unknown
	prjPath := strings.TrimSuffix(path, ".shp") + ".prj"
	if strings.HasSuffix(path, ".SHP") {
		prjPath = strings.TrimSuffix(path, ".SHP") + ".PRJ"
	}
	if wkt, err := os.ReadFile(prjPath); err == nil {
		id, err = crs.FromWKT(string(wkt))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", prjPath, err)
		}
	}

	return &AOI{Geometry: mp, CRS: id}, nil
}

func ringsFromParts(points []shp.Point, parts []int32) []orb.Ring {
	rings := make([]orb.Ring, 0, len(parts))
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || end > int32(len(points)) || start >= end {
			continue
		}
		ring := make(orb.Ring, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}
		rings = append(rings, ring)
	}
	return rings
}

// assemblePolygons groups shapefile rings into polygons. Outer rings are
// clockwise and holes counter-clockwise; each hole joins the first outer ring
// that contains its first vertex.
func assemblePolygons(rings []orb.Ring) orb.MultiPolygon {
	var polys orb.MultiPolygon
	var holes []orb.Ring
	for _, ring := range rings {
		if len(ring) < 4 {
			continue
		}
		if ring.Orientation() == orb.CW {
			polys = append(polys, orb.Polygon{ring})
		} else {
			holes = append(holes, ring)
		}
	}

	for _, hole := range holes {
		placed := false
		for i := range polys {
			if planar.RingContains(polys[i][0], hole[0]) {
				polys[i] = append(polys[i], hole)
				placed = true
				break
			}
		}
		// Writers that ignore winding order produce "holes" with no parent.
		if !placed {
			polys = append(polys, orb.Polygon{hole})
		}
	}
	return polys
}
