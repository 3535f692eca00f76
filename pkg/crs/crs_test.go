package crs

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", Unknown, false},
		{"EPSG:4326", WGS84, false},
		{"epsg:4269", NAD83, false},
		{"4326", WGS84, false},
		{"urn:ogc:def:crs:EPSG::3857", WebMercator, false},
		{"urn:ogc:def:crs:OGC:1.3:CRS84", CRS84, false},
		{"CRS84", CRS84, false},
		{"EPSG:900913", WebMercator, false},
		{"EPSG:32618", "EPSG:32618", false},
		{"not-a-crs", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnsupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEquivalent(t *testing.T) {
	assert.True(t, Equivalent(WGS84, NAD83))
	assert.True(t, Equivalent(CRS84, WGS84))
	assert.True(t, Equivalent(Unknown, WebMercator))
	assert.False(t, Equivalent(WGS84, WebMercator))
	assert.False(t, Equivalent("EPSG:32618", WGS84))
}

func TestTransform(t *testing.T) {
	t.Run("geographic to geographic is identity", func(t *testing.T) {
		proj, err := Transform(NAD83, WGS84)
		require.NoError(t, err)
		assert.Nil(t, proj)
	})

	t.Run("round trip through web mercator", func(t *testing.T) {
		fwd, err := Transform(WGS84, WebMercator)
		require.NoError(t, err)
		back, err := Transform(WebMercator, NAD83)
		require.NoError(t, err)

		p := orb.Point{-105.25, 40.0}
		m := fwd(p)
		assert.InDelta(t, -11716376.4, m[0], 1.0)
		r := back(m)
		assert.InDelta(t, p[0], r[0], 1e-9)
		assert.InDelta(t, p[1], r[1], 1e-9)
	})

	t.Run("utm zone round trip", func(t *testing.T) {
		fwd, err := Transform(WGS84, "EPSG:32614")
		require.NoError(t, err)
		back, err := Transform("EPSG:32614", WGS84)
		require.NoError(t, err)

		m := fwd(orb.Point{-99, 30})
		assert.InDelta(t, 500000, m[0], 0.01)
		assert.InDelta(t, 3318785.35, m[1], 1.0)

		p := orb.Point{-98, 30.5}
		r := back(fwd(p))
		assert.InDelta(t, p[0], r[0], 1e-4)
		assert.InDelta(t, p[1], r[1], 1e-4)
	})

	t.Run("nad83 utm matches wgs84 utm", func(t *testing.T) {
		a, err := Transform(NAD83, "EPSG:26914")
		require.NoError(t, err)
		b, err := Transform(WGS84, "EPSG:32614")
		require.NoError(t, err)
		p := orb.Point{-97.5, 31}
		assert.InDelta(t, b(p)[0], a(p)[0], 0.01)
		assert.InDelta(t, b(p)[1], a(p)[1], 0.01)
	})

	t.Run("state plane origin in survey feet", func(t *testing.T) {
		fwd, err := Transform(NAD83, "EPSG:2277")
		require.NoError(t, err)
		m := fwd(orb.Point{dms(-100, 20), dms(29, 40)})
		assert.InDelta(t, 2296583.333, m[0], 0.01)
		assert.InDelta(t, 9842500.0, m[1], 0.01)

		meters, err := Transform(NAD83, "EPSG:32139")
		require.NoError(t, err)
		p := orb.Point{-97.74, 30.27}
		assert.InDelta(t, meters(p)[0]/usSurveyFoot, fwd(p)[0], 0.01)
		assert.InDelta(t, meters(p)[1]/usSurveyFoot, fwd(p)[1], 0.01)
	})

	t.Run("conus albers origin", func(t *testing.T) {
		fwd, err := Transform(NAD83, "EPSG:5070")
		require.NoError(t, err)
		m := fwd(orb.Point{-96, 23})
		assert.InDelta(t, 0, m[0], 0.01)
		assert.InDelta(t, 0, m[1], 0.01)

		back, err := Transform("EPSG:5070", NAD83)
		require.NoError(t, err)
		p := orb.Point{-100.5, 35.25}
		r := back(fwd(p))
		assert.InDelta(t, p[0], r[0], 1e-6)
		assert.InDelta(t, p[1], r[1], 1e-6)
	})

	t.Run("unknown projected code", func(t *testing.T) {
		_, err := Transform("EPSG:26713", WGS84)
		require.ErrorIs(t, err, ErrUnsupported)
	})
}

func TestFromWKT(t *testing.T) {
	tests := []struct {
		name    string
		wkt     string
		want    string
		wantErr bool
	}{
		{
			name: "esri nad83",
			wkt:  `GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`,
			want: NAD83,
		},
		{
			name: "esri wgs84",
			wkt:  `GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]]`,
			want: WGS84,
		},
		{
			name: "ogc with authority",
			wkt:  `GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563,AUTHORITY["EPSG","7030"]],AUTHORITY["EPSG","6326"]],PRIMEM["Greenwich",0],UNIT["degree",0.0174532925199433],AUTHORITY["EPSG","4326"]]`,
			want: WGS84,
		},
		{
			name: "esri web mercator",
			wkt:  `PROJCS["WGS_1984_Web_Mercator_Auxiliary_Sphere",GEOGCS["GCS_WGS_1984",DATUM["D_WGS_1984",SPHEROID["WGS_1984",6378137.0,298.257223563]]],PROJECTION["Mercator_Auxiliary_Sphere"]]`,
			want: WebMercator,
		},
		{
			name: "ogc utm with authority",
			wkt:  `PROJCS["WGS 84 / UTM zone 14N",GEOGCS["WGS 84",DATUM["WGS_1984",SPHEROID["WGS 84",6378137,298.257223563]],AUTHORITY["EPSG","4326"]],PROJECTION["Transverse_Mercator"],PARAMETER["central_meridian",-99],UNIT["metre",1],AUTHORITY["EPSG","32614"]]`,
			want: "EPSG:32614",
		},
		{
			name: "esri utm",
			wkt:  utm14WKT,
			want: "WKT:NAD_1983_UTM_ZONE_14N",
		},
		{
			name:    "transverse mercator without parameters",
			wkt:     `PROJCS["NAD_1983_UTM_Zone_13N",GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]]],PROJECTION["Transverse_Mercator"]]`,
			wantErr: true,
		},
		{
			name:    "unsupported projection",
			wkt:     `PROJCS["NAD_1983_Polyconic",GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]]],PROJECTION["Polyconic"],PARAMETER["Central_Meridian",-96.0],PARAMETER["Latitude_Of_Origin",0.0],UNIT["Meter",1.0]]`,
			wantErr: true,
		},
		{
			name:    "nad27 with datum shift",
			wkt:     `PROJCS["NAD27 / UTM zone 14N",GEOGCS["NAD27",DATUM["North_American_Datum_1927",SPHEROID["Clarke 1866",6378206.4,294.9786982138982],TOWGS84[-8,160,176,0,0,0,0]]],PROJECTION["Transverse_Mercator"],PARAMETER["central_meridian",-99],PARAMETER["scale_factor",0.9996],PARAMETER["false_easting",500000],UNIT["metre",1]]`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromWKT(tt.wkt)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

const utm14WKT = `PROJCS["NAD_1983_UTM_Zone_14N",GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Transverse_Mercator"],PARAMETER["False_Easting",500000.0],PARAMETER["False_Northing",0.0],PARAMETER["Central_Meridian",-99.0],PARAMETER["Scale_Factor",0.9996],PARAMETER["Latitude_Of_Origin",0.0],UNIT["Meter",1.0]]`

const texasCentralFeetWKT = `PROJCS["NAD_1983_StatePlane_Texas_Central_FIPS_4203_Feet",GEOGCS["GCS_North_American_1983",DATUM["D_North_American_1983",SPHEROID["GRS_1980",6378137.0,298.257222101]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Lambert_Conformal_Conic"],PARAMETER["False_Easting",2296583.333333333],PARAMETER["False_Northing",9842500.0],PARAMETER["Central_Meridian",-100.3333333333333],PARAMETER["Standard_Parallel_1",30.11666666666667],PARAMETER["Standard_Parallel_2",31.88333333333333],PARAMETER["Latitude_Of_Origin",29.66666666666667],UNIT["Foot_US",0.3048006096012192]]`

func TestFromWKT_ParsedSystems(t *testing.T) {
	t.Run("esri utm matches the epsg zone", func(t *testing.T) {
		id, err := FromWKT(utm14WKT)
		require.NoError(t, err)
		require.True(t, Supported(id))

		parsed, err := Transform(id, NAD83)
		require.NoError(t, err)
		known, err := Transform("EPSG:26914", NAD83)
		require.NoError(t, err)
		p := orb.Point{612345, 3412345}
		assert.InDelta(t, known(p)[0], parsed(p)[0], 1e-9)
		assert.InDelta(t, known(p)[1], parsed(p)[1], 1e-9)
	})

	t.Run("state plane in survey feet", func(t *testing.T) {
		id, err := FromWKT(texasCentralFeetWKT)
		require.NoError(t, err)
		assert.Equal(t, "WKT:NAD_1983_STATEPLANE_TEXAS_CENTRAL_FIPS_4203_FEET", id)

		parsed, err := Transform(NAD83, id)
		require.NoError(t, err)
		known, err := Transform(NAD83, "EPSG:2277")
		require.NoError(t, err)
		p := orb.Point{-97.74, 30.27}
		assert.InDelta(t, known(p)[0], parsed(p)[0], 0.01)
		assert.InDelta(t, known(p)[1], parsed(p)[1], 0.01)
	})

	t.Run("identifier survives normalize", func(t *testing.T) {
		id, err := FromWKT(utm14WKT)
		require.NoError(t, err)
		got, err := Normalize(id)
		require.NoError(t, err)
		assert.Equal(t, id, got)
	})
}
