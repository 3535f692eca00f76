package crs

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/wroge/wgs84"
)

// usSurveyFoot is the length of a US survey foot in meters.
const usSurveyFoot = 1200.0 / 3937.0

// wktPrefix marks identifiers of systems defined by a parsed WKT.
const wktPrefix = "WKT:"

var (
	epsgOnce    sync.Once
	epsgSystems map[int]wgs84.CoordinateReferenceSystem

	definedMu sync.RWMutex
	defined   = map[string]wgs84.CoordinateReferenceSystem{}
)

// scaled expresses a metric system in another linear unit.
type scaled struct {
	wgs84.CoordinateReferenceSystem
	toMeters float64
}

func (s scaled) ToWGS84(east, north, h float64) (x0, y0, z0 float64) {
	return s.CoordinateReferenceSystem.ToWGS84(east*s.toMeters, north*s.toMeters, h)
}

func (s scaled) FromWGS84(x0, y0, z0 float64) (east, north, h float64) {
	east, north, h = s.CoordinateReferenceSystem.FromWGS84(x0, y0, z0)
	return east / s.toMeters, north / s.toMeters, h
}

func inFeet(sys wgs84.CoordinateReferenceSystem) wgs84.CoordinateReferenceSystem {
	return scaled{CoordinateReferenceSystem: sys, toMeters: usSurveyFoot}
}

// dms converts degrees and minutes to decimal degrees.
func dms(deg, minutes float64) float64 {
	if deg < 0 {
		return deg - minutes/60
	}
	return deg + minutes/60
}

// texasZones are the NAD83 State Plane zones of Texas, north to south.
var texasZones = []struct {
	meters, feet      int
	lat1, lat2, lat0  float64
	lon0, east, north float64
}{
	{32137, 2275, dms(36, 11), dms(34, 39), 34, dms(-101, 30), 200000, 1000000},
	{32138, 2276, dms(33, 58), dms(32, 8), dms(31, 40), dms(-98, 30), 600000, 2000000},
	{32139, 2277, dms(31, 53), dms(30, 7), dms(29, 40), dms(-100, 20), 700000, 3000000},
	{32140, 2278, dms(30, 17), dms(28, 23), dms(27, 50), -99, 600000, 4000000},
	{32141, 2279, dms(27, 50), dms(26, 10), dms(25, 40), dms(-98, 30), 300000, 5000000},
}

func loadEPSG() {
	nad83 := wgs84.NAD83()
	m := map[int]wgs84.CoordinateReferenceSystem{
		3081: nad83.LambertConformalConic2SP(-100, dms(31, 10), dms(27, 25), dms(34, 55), 1000000, 1000000),
		3082: nad83.LambertConformalConic2SP(-100, 18, 27.5, 35, 1500000, 5000000),
		3083: nad83.AlbersEqualAreaConic(-100, 18, 27.5, 35, 1500000, 6000000),
		5070: nad83.AlbersEqualAreaConic(-96, 23, 29.5, 45.5, 0, 0),
		6350: nad83.AlbersEqualAreaConic(-96, 23, 29.5, 45.5, 0, 0),
	}
	for zone := 1; zone <= 60; zone++ {
		m[32600+zone] = wgs84.UTM(float64(zone), true)
		m[32700+zone] = wgs84.UTM(float64(zone), false)
	}
	for zone := 1; zone <= 23; zone++ {
		m[26900+zone] = nad83.TransverseMercator(float64(zone*6-183), 0, 0.9996, 500000, 0)
	}
	for _, z := range texasZones {
		sys := nad83.LambertConformalConic2SP(z.lon0, z.lat0, z.lat1, z.lat2, z.east, z.north)
		m[z.meters] = sys
		m[z.feet] = inFeet(sys)
	}
	epsgSystems = m
}

// system returns the transform backend for a canonical identifier.
func system(id string) (wgs84.CoordinateReferenceSystem, bool) {
	switch id {
	case WGS84, CRS84:
		return wgs84.LonLat(), true
	case NAD83:
		return wgs84.NAD83().LonLat(), true
	case WebMercator:
		return wgs84.WebMercator(), true
	}
	if strings.HasPrefix(id, wktPrefix) {
		definedMu.RLock()
		defer definedMu.RUnlock()
		sys, ok := defined[id]
		return sys, ok
	}
	code, err := strconv.Atoi(strings.TrimPrefix(id, epsgPrefix))
	if err != nil || !strings.HasPrefix(id, epsgPrefix) {
		return nil, false
	}
	epsgOnce.Do(loadEPSG)
	sys, ok := epsgSystems[code]
	return sys, ok
}

func define(id string, sys wgs84.CoordinateReferenceSystem) {
	definedMu.Lock()
	defined[id] = sys
	definedMu.Unlock()
}

// fromProjectedWKT builds a system from the PROJECTION, PARAMETER and UNIT
// entries of a projected WKT and registers it under a WKT: identifier.
// Transverse Mercator, Lambert Conformal Conic and Albers on NAD83 or WGS84
// are understood.
func fromProjectedWKT(w string) (string, error) {
	datum, ok := wktDatum(w)
	if !ok {
		return "", fmt.Errorf("%w: projected WKT on an unsupported datum", ErrUnsupported)
	}
	method := wktValue(w, "PROJECTION[")
	if method == "" {
		method = wktValue(w, "METHOD[")
	}
	method = strings.ReplaceAll(method, " ", "_")

	p := wktParameters(w)
	toMeters := wktLinearUnit(w)
	lon0, hasLon := p.get("CENTRAL_MERIDIAN", "LONGITUDE_OF_CENTER", "LONGITUDE_OF_ORIGIN",
		"LONGITUDE_OF_NATURAL_ORIGIN", "LONGITUDE_OF_FALSE_ORIGIN")
	lat0, hasLat := p.get("LATITUDE_OF_ORIGIN", "LATITUDE_OF_CENTER",
		"LATITUDE_OF_NATURAL_ORIGIN", "LATITUDE_OF_FALSE_ORIGIN")
	k, hasK := p.get("SCALE_FACTOR", "SCALE_FACTOR_AT_NATURAL_ORIGIN")
	if !hasK {
		k = 1
	}
	sp1, hasSP1 := p.get("STANDARD_PARALLEL_1", "LATITUDE_OF_1ST_STANDARD_PARALLEL")
	sp2, hasSP2 := p.get("STANDARD_PARALLEL_2", "LATITUDE_OF_2ND_STANDARD_PARALLEL")
	fe, _ := p.get("FALSE_EASTING", "EASTING_AT_FALSE_ORIGIN")
	fn, _ := p.get("FALSE_NORTHING", "NORTHING_AT_FALSE_ORIGIN")
	fe, fn = fe*toMeters, fn*toMeters

	if !hasLon {
		return "", fmt.Errorf("%w: projected WKT without a central meridian", ErrUnsupported)
	}

	var sys wgs84.CoordinateReferenceSystem
	switch {
	case method == "TRANSVERSE_MERCATOR" || method == "GAUSS_KRUGER":
		sys = datum.TransverseMercator(lon0, lat0, k, fe, fn)
	case strings.HasPrefix(method, "LAMBERT_CONFORMAL_CONIC") || strings.HasPrefix(method, "LAMBERT_CONIC_CONFORMAL"):
		if !hasSP1 {
			sp1, hasSP1 = lat0, hasLat
		}
		if !hasSP2 {
			// One standard parallel is only exact without a scale factor.
			if k != 1 {
				return "", fmt.Errorf("%w: lambert conformal conic with scale factor", ErrUnsupported)
			}
			sp2 = sp1
		}
		if !hasLat || !hasSP1 {
			return "", fmt.Errorf("%w: incomplete lambert conformal conic", ErrUnsupported)
		}
		sys = datum.LambertConformalConic2SP(lon0, lat0, sp1, sp2, fe, fn)
	case strings.HasPrefix(method, "ALBERS"):
		if !hasLat || !hasSP1 || !hasSP2 {
			return "", fmt.Errorf("%w: incomplete albers", ErrUnsupported)
		}
		sys = datum.AlbersEqualAreaConic(lon0, lat0, sp1, sp2, fe, fn)
	default:
		return "", fmt.Errorf("%w: projection %q", ErrUnsupported, method)
	}
	if toMeters != 1 {
		sys = scaled{CoordinateReferenceSystem: sys, toMeters: toMeters}
	}

	name := wktValue(w, "PROJCS[")
	if name == "" {
		name = wktValue(w, "PROJCRS[")
	}
	if name == "" {
		name = fmt.Sprintf("%s_%g_%g_%g_%g", method, lon0, lat0, fe, fn)
	}
	id := wktPrefix + name
	define(id, sys)
	return id, nil
}

func wktDatum(w string) (wgs84.Datum, bool) {
	switch {
	case strings.Contains(w, "NORTH_AMERICAN_1983") || strings.Contains(w, "NORTH AMERICAN DATUM 1983") ||
		strings.Contains(w, "NAD83") || strings.Contains(w, "NAD_1983"):
		return wgs84.NAD83(), true
	case strings.Contains(w, "WGS_1984") || strings.Contains(w, "WGS 84") || strings.Contains(w, "WGS84"):
		return wgs84.WGS84(), true
	}
	return wgs84.Datum{}, false
}

// wktValue returns the quoted name following the first occurrence of marker.
func wktValue(w, marker string) string {
	i := strings.Index(w, marker)
	if i < 0 {
		return ""
	}
	rest := w[i+len(marker):]
	if !strings.HasPrefix(rest, `"`) {
		return ""
	}
	end := strings.IndexByte(rest[1:], '"')
	if end < 0 {
		return ""
	}
	return strings.TrimSpace(rest[1 : end+1])
}

type wktParams map[string]float64

func (p wktParams) get(names ...string) (float64, bool) {
	for _, n := range names {
		if v, ok := p[n]; ok {
			return v, true
		}
	}
	return 0, false
}

func wktParameters(w string) wktParams {
	p := wktParams{}
	for rest := w; ; {
		i := strings.Index(rest, `PARAMETER["`)
		if i < 0 {
			return p
		}
		rest = rest[i+len(`PARAMETER["`):]
		end := strings.IndexByte(rest, '"')
		if end < 0 {
			return p
		}
		name := strings.ReplaceAll(strings.TrimSpace(rest[:end]), " ", "_")
		rest = strings.TrimPrefix(strings.TrimSpace(rest[end+1:]), ",")
		if v, ok := leadingNumber(rest); ok {
			p[name] = v
		}
	}
}

// wktLinearUnit returns the meters per unit of the outermost linear unit.
func wktLinearUnit(w string) float64 {
	i := strings.LastIndex(w, "UNIT[")
	if i < 0 {
		return 1
	}
	rest := w[i+len("UNIT["):]
	name := wktValue(w[i:], "UNIT[")
	if j := strings.IndexByte(rest[1:], '"'); j >= 0 {
		rest = strings.TrimPrefix(strings.TrimSpace(rest[j+2:]), ",")
	}
	v, ok := leadingNumber(rest)
	switch {
	case strings.Contains(name, "DEGREE") || strings.Contains(name, "RADIAN"):
		return 1
	case ok && v > 0:
		return v
	}
	return 1
}

func leadingNumber(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	end := strings.IndexAny(s, ",]")
	if end < 0 {
		end = len(s)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s[:end]), 64)
	return v, err == nil
}
