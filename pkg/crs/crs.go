// Package crs normalizes coordinate reference system identifiers and provides
// the transforms needed to bring an AOI into a raster's grid.
//
// Geographic lon/lat datums that agree to within a few meters (WGS84, NAD83,
// OGC CRS84) are interchangeable. Projected systems are Web Mercator, UTM
// (WGS84 and NAD83), the Texas State Plane zones in meters and US survey feet,
// the Texas Centric and CONUS Albers/Lambert systems, and any Transverse
// Mercator, Lambert Conformal Conic or Albers definition read from WKT.
// Anything else is rejected rather than silently mis-projected.
package crs

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
	"github.com/wroge/wgs84"
)

// Canonical identifiers.
const (
	WGS84        = "EPSG:4326"
	NAD83        = "EPSG:4269"
	CRS84        = "OGC:CRS84"
	WebMercator  = "EPSG:3857"
	Unknown      = ""
	epsgPrefix   = "EPSG:"
	legacyMerc   = "EPSG:900913"
	esriWebMerc  = "EPSG:102100"
	esriWebMerc2 = "EPSG:102113"
)

// ErrUnsupported is returned for systems without a transform.
var ErrUnsupported = errors.New("unsupported coordinate reference system")

// Normalize maps user and file spellings of a CRS to a canonical identifier.
//
// Accepted forms include "EPSG:4326", "epsg:4326", "4326",
// "urn:ogc:def:crs:EPSG::4326", "urn:ogc:def:crs:OGC:1.3:CRS84", "CRS84" and
// "WGS84". An empty input returns Unknown with no error.
func Normalize(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Unknown, nil
	}
	upper := strings.ToUpper(s)
	if strings.HasPrefix(upper, wktPrefix) {
		return upper, nil
	}

	switch upper {
	case "CRS84", "OGC:CRS84", "URN:OGC:DEF:CRS:OGC:1.3:CRS84", "URN:OGC:DEF:CRS:OGC::CRS84":
		return CRS84, nil
	case "WGS84", "WGS 84":
		return WGS84, nil
	case "NAD83":
		return NAD83, nil
	}

	code := upper
	switch {
	case strings.HasPrefix(code, "URN:OGC:DEF:CRS:EPSG:"):
		code = strings.TrimPrefix(code, "URN:OGC:DEF:CRS:EPSG:")
		// Version segment may be empty ("EPSG::4326") or present ("EPSG:6.6:4326").
		if i := strings.LastIndexByte(code, ':'); i >= 0 {
			code = code[i+1:]
		}
	case strings.HasPrefix(code, epsgPrefix):
		code = strings.TrimPrefix(code, epsgPrefix)
	}

	n, err := strconv.Atoi(code)
	if err != nil || n <= 0 {
		return "", fmt.Errorf("%w: %q", ErrUnsupported, s)
	}
	id := epsgPrefix + strconv.Itoa(n)
	switch id {
	case legacyMerc, esriWebMerc, esriWebMerc2:
		return WebMercator, nil
	}
	return id, nil
}

// FromEPSG returns the canonical identifier for an EPSG code.
func FromEPSG(code int) string {
	id, err := Normalize(strconv.Itoa(code))
	if err != nil {
		return Unknown
	}
	return id
}

// IsGeographic reports whether id is one of the interchangeable lon/lat systems.
func IsGeographic(id string) bool {
	switch id {
	case WGS84, NAD83, CRS84:
		return true
	}
	return false
}

// Supported reports whether Transform can handle id.
func Supported(id string) bool {
	_, ok := system(id)
	return ok
}

// Equivalent reports whether coordinates in a need no transform to be read as b.
// Unknown on either side is treated as equivalent.
func Equivalent(a, b string) bool {
	if a == Unknown || b == Unknown || a == b {
		return true
	}
	return IsGeographic(a) && IsGeographic(b)
}

// Transform returns the projection taking points in from to points in to.
// A nil projection with a nil error means no transform is needed.
func Transform(from, to string) (orb.Projection, error) {
	if Equivalent(from, to) {
		return nil, nil
	}
	switch {
	case IsGeographic(from) && to == WebMercator:
		return project.WGS84.ToMercator, nil
	case from == WebMercator && IsGeographic(to):
		return project.Mercator.ToWGS84, nil
	}
	src, ok := system(from)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, from)
	}
	dst, ok := system(to)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, to)
	}
	f := wgs84.Transform(src, dst)
	return func(p orb.Point) orb.Point {
		x, y, _ := f(p[0], p[1], 0)
		return orb.Point{x, y}
	}, nil
}

// FromWKT sniffs an ESRI or OGC WKT definition (as found in .prj sidecars)
// and returns the canonical identifier. A projected system without a known
// EPSG authority is built from its parameters and gets a WKT: identifier.
func FromWKT(wkt string) (string, error) {
	w := strings.ToUpper(strings.TrimSpace(wkt))
	if w == "" {
		return Unknown, nil
	}
	// A datum shift clause names WGS84 whatever the datum is.
	w = strings.ReplaceAll(w, "TOWGS84[", "DATUMSHIFT[")

	projected := strings.HasPrefix(w, "PROJCS") || strings.HasPrefix(w, "PROJCRS")
	if code, ok := authorityCode(w); ok {
		id, err := Normalize(code)
		if err != nil || !projected {
			return id, err
		}
		// A projected definition may only carry its base datum's authority.
		if !IsGeographic(id) && Supported(id) {
			return id, nil
		}
	}

	if projected {
		if strings.Contains(w, "MERCATOR_AUXILIARY_SPHERE") || strings.Contains(w, "PSEUDO-MERCATOR") ||
			strings.Contains(w, "PSEUDO_MERCATOR") || strings.Contains(w, "WEB_MERCATOR") {
			return WebMercator, nil
		}
		return fromProjectedWKT(w)
	}

	switch {
	case strings.Contains(w, "NORTH_AMERICAN_1983") || strings.Contains(w, "NAD83") || strings.Contains(w, "NAD_1983"):
		return NAD83, nil
	case strings.Contains(w, "WGS_1984") || strings.Contains(w, "WGS 84") || strings.Contains(w, "WGS84"):
		return WGS84, nil
	}
	return "", fmt.Errorf("%w: unrecognized WKT", ErrUnsupported)
}

// authorityCode extracts the outermost AUTHORITY["EPSG","nnnn"] or ID["EPSG",nnnn].
// The outermost authority is the last one in the string for WKT1.
func authorityCode(w string) (string, bool) {
	for _, marker := range []string{`AUTHORITY["EPSG",`, `ID["EPSG",`} {
		i := strings.LastIndex(w, marker)
		if i < 0 {
			continue
		}
		rest := w[i+len(marker):]
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			continue
		}
		code := strings.Trim(strings.TrimSpace(rest[:end]), `"`)
		if _, err := strconv.Atoi(code); err == nil {
			return code, true
		}
	}
	return "", false
}
