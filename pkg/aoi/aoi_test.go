package aoi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/climgrid/pkg/crs"
)

const squareFeatureCollection = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"name": "box"},
      "geometry": {
        "type": "Polygon",
        "coordinates": [[[-105, 40], [-104, 40], [-104, 41], [-105, 41], [-105, 40]]]
      }
    }
  ]
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFromGeoJSON(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantCRS   string
		wantPolys int
		wantErr   error
	}{
		{
			name:      "feature collection defaults to crs84",
			doc:       squareFeatureCollection,
			wantCRS:   crs.CRS84,
			wantPolys: 1,
		},
		{
			name: "bare multipolygon",
			doc: `{"type":"MultiPolygon","coordinates":[
				[[[0,0],[1,0],[1,1],[0,1],[0,0]]],
				[[[2,2],[3,2],[3,3],[2,3],[2,2]]]]}`,
			wantCRS:   crs.CRS84,
			wantPolys: 2,
		},
		{
			name: "legacy crs member",
			doc: `{"type":"Feature","crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::3857"}},
				"properties":{},
				"geometry":{"type":"Polygon","coordinates":[[[0,0],[10,0],[10,10],[0,10],[0,0]]]}}`,
			wantCRS:   crs.WebMercator,
			wantPolys: 1,
		},
		{
			name:    "point is rejected",
			doc:     `{"type":"Point","coordinates":[1,2]}`,
			wantErr: ErrNotPolygonal,
		},
		{
			name:    "empty collection",
			doc:     `{"type":"FeatureCollection","features":[]}`,
			wantErr: ErrEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := FromGeoJSON([]byte(tt.doc))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantCRS, a.CRS)
			assert.Len(t, a.Geometry, tt.wantPolys)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("geojson file", func(t *testing.T) {
		path := writeFile(t, dir, "box.geojson", squareFeatureCollection)
		a, err := Load(path, "")
		require.NoError(t, err)
		assert.Equal(t, path, a.Source)
		assert.Equal(t, orb.Bound{Min: orb.Point{-105, 40}, Max: orb.Point{-104, 41}}, a.Bound())
	})

	t.Run("declared crs overrides file", func(t *testing.T) {
		path := writeFile(t, dir, "box2.json", squareFeatureCollection)
		a, err := Load(path, "EPSG:4269")
		require.NoError(t, err)
		assert.Equal(t, crs.NAD83, a.CRS)
	})

	t.Run("unknown extension", func(t *testing.T) {
		path := writeFile(t, dir, "box.kml", "<kml/>")
		_, err := Load(path, "")
		require.ErrorIs(t, err, ErrUnknownFormat)
	})

	t.Run("unsupported declared crs", func(t *testing.T) {
		path := writeFile(t, dir, "box3.geojson", squareFeatureCollection)
		_, err := Load(path, "EPSG:32613")
		require.ErrorIs(t, err, crs.ErrUnsupported)
	})
}

func writeShapefile(t *testing.T, dir string, parts [][]shp.Point) string {
	t.Helper()
	path := filepath.Join(dir, "area.shp")
	w, err := shp.Create(path, shp.POLYGON)
	require.NoError(t, err)
	poly := shp.Polygon(*shp.NewPolyLine(parts))
	w.Write(&poly)
	w.Close()
	return path
}

func TestFromShapefile(t *testing.T) {
	dir := t.TempDir()

	// Outer ring clockwise, hole counter-clockwise.
	outer := []shp.Point{{X: 0, Y: 0}, {X: 0, Y: 10}, {X: 10, Y: 10}, {X: 10, Y: 0}, {X: 0, Y: 0}}
	hole := []shp.Point{{X: 4, Y: 4}, {X: 6, Y: 4}, {X: 6, Y: 6}, {X: 4, Y: 6}, {X: 4, Y: 4}}
	path := writeShapefile(t, dir, [][]shp.Point{outer, hole})

	t.Run("without prj the crs is unknown", func(t *testing.T) {
		a, err := FromShapefile(path)
		require.NoError(t, err)
		require.Len(t, a.Geometry, 1)
		assert.Len(t, a.Geometry[0], 2, "hole should attach to its outer ring")
		assert.Equal(t, crs.Unknown, a.CRS)

		_, err = Load(path, "")
		require.ErrorIs(t, err, ErrNoCRS)
	})

	t.Run("prj sidecar supplies crs", func(t *testing.T) {
		writeFile(t, dir, "area.prj", `GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`)
		a, err := Load(path, "")
		require.NoError(t, err)
		assert.Equal(t, crs.NAD83, a.CRS)
	})
}

const utm14PRJ = `PROJCS["NAD_1983_UTM_Zone_14N",GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Transverse_Mercator"],PARAMETER["False_Easting",500000.0],PARAMETER["False_Northing",0.0],PARAMETER["Central_Meridian",-99.0],PARAMETER["Scale_Factor",0.9996],PARAMETER["Latitude_Of_Origin",0.0],UNIT["Meter",1.0]]`

func TestFromShapefile_UTM(t *testing.T) {
	dir := t.TempDir()
	toUTM, err := crs.Transform(crs.NAD83, "EPSG:26914")
	require.NoError(t, err)

	var outer []shp.Point
	for _, p := range []orb.Point{{-99.2, 30}, {-99.2, 30.4}, {-98.8, 30.4}, {-98.8, 30}, {-99.2, 30}} {
		m := toUTM(p)
		outer = append(outer, shp.Point{X: m[0], Y: m[1]})
	}
	path := writeShapefile(t, dir, [][]shp.Point{outer})
	writeFile(t, dir, "area.prj", utm14PRJ)

	a, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "WKT:NAD_1983_UTM_ZONE_14N", a.CRS)
	assert.Greater(t, a.Bound().Min[0], 400000.0)

	geo, err := a.Reproject(crs.WGS84)
	require.NoError(t, err)
	assert.Equal(t, crs.WGS84, geo.CRS)
	b := geo.Bound()
	assert.InDelta(t, -99.2, b.Min[0], 1e-5)
	assert.InDelta(t, 30.0, b.Min[1], 1e-5)
	assert.InDelta(t, -98.8, b.Max[0], 1e-5)
	assert.InDelta(t, 30.4, b.Max[1], 1e-5)

	t.Run("declared epsg zone agrees with the prj", func(t *testing.T) {
		d, err := Load(path, "EPSG:26914")
		require.NoError(t, err)
		back, err := d.Reproject(crs.WGS84)
		require.NoError(t, err)
		assert.InDelta(t, b.Min[0], back.Bound().Min[0], 1e-9)
		assert.InDelta(t, b.Max[1], back.Bound().Max[1], 1e-9)
	})
}

func TestReproject(t *testing.T) {
	a, err := New(orb.Bound{Min: orb.Point{-105, 40}, Max: orb.Point{-104, 41}}, "EPSG:4326")
	require.NoError(t, err)

	t.Run("to web mercator and back", func(t *testing.T) {
		m, err := a.Reproject(crs.WebMercator)
		require.NoError(t, err)
		assert.Equal(t, crs.WebMercator, m.CRS)
		assert.Less(t, m.Bound().Min[0], -1e7)

		back, err := m.Reproject("EPSG:4269")
		require.NoError(t, err)
		assert.InDelta(t, -105.0, back.Bound().Min[0], 1e-9)
		assert.InDelta(t, 41.0, back.Bound().Max[1], 1e-9)
	})

	t.Run("source is not modified", func(t *testing.T) {
		_, err := a.Reproject(crs.WebMercator)
		require.NoError(t, err)
		assert.Equal(t, -105.0, a.Bound().Min[0])
	})

	t.Run("equivalent datum relabels only", func(t *testing.T) {
		n, err := a.Reproject(crs.NAD83)
		require.NoError(t, err)
		assert.Equal(t, crs.NAD83, n.CRS)
		assert.Equal(t, a.Bound(), n.Bound())
	})
}

func TestValidate(t *testing.T) {
	t.Run("zero area", func(t *testing.T) {
		line := orb.Polygon{orb.Ring{{0, 0}, {1, 1}, {2, 2}, {0, 0}}}
		_, err := New(line, "EPSG:4326")
		require.ErrorIs(t, err, ErrNotPolygonal)
	})

	t.Run("nil aoi", func(t *testing.T) {
		var a *AOI
		require.ErrorIs(t, a.Validate(), ErrEmpty)
	})
}
