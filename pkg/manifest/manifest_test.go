package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/crs"
)

const squareGeoJSON = `{"type":"Polygon","coordinates":[[[1,1],[3,1],[3,3],[1,3],[1,1]]]}`

// validManifestYAML returns a minimal valid manifest in YAML format.
func validManifestYAML() string {
	return `version: "1.0"
request:
  variable: ppt
  start: "2020-01-01"
  end: "2020-01-03"
aoi:
  path: area.geojson
output:
  path: out/series.csv
`
}

// validManifestJSON returns a minimal valid manifest in JSON format.
func validManifestJSON() string {
	return `{
  "version": "1.0",
  "request": {"variable": "precipitation", "unit": "in", "start": "2020-01", "end": "2020-03", "resolution": "monthly"},
  "aoi": {"path": "area.geojson", "crs": "EPSG:4269"},
  "output": {"path": "out/series.csv"}
}`
}

// validManifestTOML returns a manifest in TOML format with optional sections.
func validManifestTOML() string {
	return `version = "1.0"

[request]
variable = "tmean"
unit = "f"
start = "2021-07-01"
end = "2021-07-31"

[aoi]
path = "area.geojson"

[source]
url_template = "s3://prism-mirror/{resolution}/{variable}/{date}.zip"
patterns = ["**/*_{variable}_*{date}*.bil"]

[source.s3]
region = "us-west-2"
force_path_style = true

[processing]
workers = 2
mask = "touching"
median = true

[output]
path = "/data/tmean.csv"
events = "stderr"
`
}

// fullManifestYAML returns a manifest with every optional field.
func fullManifestYAML() string {
	return `$schema: https://schemas.3leaps.dev/climgrid/v1.0.0/job-manifest.schema.json
version: "1.0"
request:
  variable: ppt
  unit: mm
  resolution: daily
  start: "2020-01-01"
  end: "2020-12-31"
aoi:
  path: /srv/aoi/watershed.shp
  crs: EPSG:4326
source:
  url_template: https://mirror.example.com/{grid}/{variable}/{date}
  grid: 4km
  patterns:
    - "**/*_{variable}_*{date}*.tif"
processing:
  workers: 8
  mask: centroid
  median: true
  precision: -1
  export_clipped: true
  napi:
    enabled: true
    decay: 0.95
    steps: 14
output:
  path: /srv/out/ppt.csv
  events: file:/srv/out/events.jsonl
  keep_metadata: true
  retention: clean
`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		filename string
		wantErr  error
		validate func(t *testing.T, m *Manifest)
	}{
		{
			name:     "valid YAML manifest",
			content:  validManifestYAML(),
			filename: "manifest.yaml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, "ppt", m.Request.Variable)
				assert.Equal(t, "2020-01-01", m.Request.Start)
				assert.Equal(t, "area.geojson", m.AOI.Path)
				// Defaults
				assert.Equal(t, DefaultResolution, m.Request.Resolution)
				assert.Equal(t, DefaultWorkers, m.Processing.Workers)
				assert.Equal(t, DefaultMask, m.Processing.Mask)
				assert.Equal(t, DefaultPrecision, m.Processing.Precision)
				assert.Equal(t, DefaultRetention, m.Output.Retention)
				assert.Empty(t, m.Request.Unit)
			},
		},
		{
			name:     "valid JSON manifest",
			content:  validManifestJSON(),
			filename: "manifest.json",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "precipitation", m.Request.Variable)
				assert.Equal(t, "monthly", m.Request.Resolution)
				assert.Equal(t, "EPSG:4269", m.AOI.CRS)
			},
		},
		{
			name:     "valid TOML manifest",
			content:  validManifestTOML(),
			filename: "manifest.toml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "tmean", m.Request.Variable)
				assert.Equal(t, "f", m.Request.Unit)
				assert.Equal(t, []string{"**/*_{variable}_*{date}*.bil"}, m.Source.Patterns)
				require.NotNil(t, m.Source.S3)
				assert.Equal(t, "us-west-2", m.Source.S3.Region)
				assert.True(t, m.Source.S3.ForcePathStyle)
				assert.Equal(t, 2, m.Processing.Workers)
				assert.Equal(t, "touching", m.Processing.Mask)
				assert.True(t, m.Processing.Median)
				assert.Equal(t, "stderr", m.Output.Events)
			},
		},
		{
			name:     "full manifest with all options",
			content:  fullManifestYAML(),
			filename: "full.yml",
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "https://schemas.3leaps.dev/climgrid/v1.0.0/job-manifest.schema.json", m.Schema)
				assert.Equal(t, "4km", m.Source.Grid)
				assert.Equal(t, 8, m.Processing.Workers)
				assert.Equal(t, -1, m.Processing.Precision)
				assert.True(t, m.Processing.ExportClipped)
				assert.Equal(t, NAPIConfig{Enabled: true, Decay: 0.95, Steps: 14}, m.Processing.NAPI)
				assert.True(t, m.Output.KeepMetadata)
				assert.Equal(t, "clean", m.Output.Retention)
				assert.Equal(t, "/srv/out/ppt.csv", m.OutputPath())
			},
		},
		{
			name:     "unknown extension falls back to YAML",
			content:  validManifestYAML(),
			filename: "manifest.conf",
		},
		{
			name:     "empty file",
			content:  "  \n",
			filename: "empty.yaml",
			wantErr:  errors.New("empty"),
		},
		{
			name:     "unknown field rejected",
			content:  validManifestYAML() + "extra: true\n",
			filename: "extra.yaml",
			wantErr:  ErrValidationFailed,
		},
		{
			name:     "missing aoi",
			content:  strings.Replace(validManifestYAML(), "aoi:\n  path: area.geojson\n", "", 1),
			filename: "no-aoi.yaml",
			wantErr:  ErrValidationFailed,
		},
		{
			name:     "wrong version",
			content:  strings.Replace(validManifestYAML(), `"1.0"`, `"2.0"`, 1),
			filename: "v2.yaml",
			wantErr:  ErrValidationFailed,
		},
		{
			name:     "malformed date",
			content:  strings.Replace(validManifestYAML(), `"2020-01-03"`, `"Jan 3"`, 1),
			filename: "date.yaml",
			wantErr:  ErrValidationFailed,
		},
		{
			name:     "end before start",
			content:  strings.Replace(validManifestYAML(), `"2020-01-03"`, `"2019-12-31"`, 1),
			filename: "range.yaml",
			wantErr:  ErrValidationFailed,
		},
		{
			name:     "unit of the wrong family",
			content:  strings.Replace(validManifestYAML(), "variable: ppt\n", "variable: ppt\n  unit: c\n", 1),
			filename: "unit.yaml",
			wantErr:  ErrValidationFailed,
		},
		{
			name: "napi on temperature",
			content: strings.Replace(validManifestYAML(), "variable: ppt", "variable: tmax", 1) +
				"processing:\n  napi:\n    enabled: true\n",
			filename: "napi.yaml",
			wantErr:  ErrValidationFailed,
		},
		{
			name:     "template without a date",
			content:  validManifestYAML() + "source:\n  url_template: https://example.com/{variable}\n",
			filename: "template.yaml",
			wantErr:  ErrValidationFailed,
		},
		{
			name:     "invalid YAML syntax",
			content:  "version: [invalid yaml",
			filename: "bad.yaml",
			wantErr:  errors.New("invalid YAML"),
		},
		{
			name:     "invalid JSON syntax",
			content:  `{"version": "1.0"`,
			filename: "bad.json",
			wantErr:  errors.New("invalid JSON"),
		},
		{
			name:     "invalid TOML syntax",
			content:  "version = ",
			filename: "bad.toml",
			wantErr:  errors.New("invalid TOML"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, tt.filename)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			m, err := Load(path)
			if tt.wantErr != nil {
				require.Error(t, err)
				if errors.Is(tt.wantErr, ErrValidationFailed) {
					assert.ErrorIs(t, err, ErrValidationFailed)
				} else {
					assert.Contains(t, err.Error(), tt.wantErr.Error())
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, dir, m.Dir())
			if tt.validate != nil {
				tt.validate(t, m)
			}
		})
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validManifestYAML()), 0o644))

	m, err := LoadWithDefaults(path, Defaults{Workers: 12, Retention: "clean"})
	require.NoError(t, err)
	assert.Equal(t, 12, m.Processing.Workers)
	assert.Equal(t, "clean", m.Output.Retention)

	explicit := strings.Replace(validManifestYAML(), "output:\n", "processing:\n  workers: 3\noutput:\n", 1)
	require.NoError(t, os.WriteFile(path, []byte(explicit), 0o644))
	m, err = LoadWithDefaults(path, Defaults{Workers: 12})
	require.NoError(t, err)
	assert.Equal(t, 3, m.Processing.Workers, "manifest value wins")
	assert.Equal(t, DefaultRetention, m.Output.Retention)

	_, err = LoadWithDefaults(path, Defaults{Retention: "forever"})
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestLoadFromReader(t *testing.T) {
	m, err := LoadFromReader(strings.NewReader(validManifestJSON()), "")
	require.NoError(t, err)
	assert.Equal(t, "precipitation", m.Request.Variable)
	assert.Empty(t, m.Dir())
}

func TestValidate_TypedManifest(t *testing.T) {
	m, err := LoadFromBytes([]byte(validManifestYAML()), "m.yaml")
	require.NoError(t, err)
	require.NoError(t, Validate(m))

	m.Processing.Mask = "weighted"
	err = Validate(m)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestValidationErrors_Error(t *testing.T) {
	one := ValidationErrors{{Path: "/request/start", Message: "bad date"}}
	assert.Equal(t, "/request/start: bad date", one.Error())

	two := ValidationErrors{{Path: "/a", Message: "x"}, {Message: "y"}}
	assert.Equal(t, "manifest validation failed with 2 errors:\n  - /a: x\n  - y", two.Error())
}

func TestToRequest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "area.geojson"), []byte(squareGeoJSON), 0o644))

	t.Run("daily defaults", func(t *testing.T) {
		path := filepath.Join(dir, "daily.yaml")
		require.NoError(t, os.WriteFile(path, []byte(validManifestYAML()), 0o644))
		m, err := Load(path)
		require.NoError(t, err)

		req, err := m.ToRequest()
		require.NoError(t, err)
		assert.Equal(t, climate.Precipitation, req.Variable)
		assert.Equal(t, climate.Millimeters, req.Unit)
		assert.Equal(t, climate.Daily, req.Resolution)
		assert.Equal(t, time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), req.Range.Start)
		assert.Equal(t, time.Date(2020, 1, 3, 0, 0, 0, 0, time.UTC), req.Range.End)
		require.NotNil(t, req.AOI)
		assert.Equal(t, filepath.Join(dir, "area.geojson"), req.AOI.Source)
		assert.Len(t, req.Dates(), 3)
		assert.Equal(t, filepath.Join(dir, "out", "series.csv"), m.OutputPath())
	})

	t.Run("monthly with declared crs", func(t *testing.T) {
		path := filepath.Join(dir, "monthly.json")
		require.NoError(t, os.WriteFile(path, []byte(validManifestJSON()), 0o644))
		m, err := Load(path)
		require.NoError(t, err)

		req, err := m.ToRequest()
		require.NoError(t, err)
		assert.Equal(t, climate.Inches, req.Unit)
		assert.Equal(t, climate.Monthly, req.Resolution)
		assert.Equal(t, crs.NAD83, req.AOI.CRS)
		assert.Len(t, req.Dates(), 3)
	})

	t.Run("month end on a daily range covers the month", func(t *testing.T) {
		content := strings.Replace(validManifestYAML(), `end: "2020-01-03"`, `end: "2020-02"`, 1)
		m, err := LoadFromBytes([]byte(content), "")
		require.NoError(t, err)
		m.dir = dir

		req, err := m.ToRequest()
		require.NoError(t, err)
		assert.Equal(t, time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC), req.Range.End)
	})

	t.Run("missing aoi file", func(t *testing.T) {
		content := strings.Replace(validManifestYAML(), "area.geojson", "nowhere.geojson", 1)
		m, err := LoadFromBytes([]byte(content), "")
		require.NoError(t, err)
		m.dir = dir

		_, err = m.ToRequest()
		require.Error(t, err)
		assert.True(t, climate.IsInvalidRequest(err))
		assert.ErrorIs(t, err, os.ErrNotExist)
	})
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"2020-01-15", time.Date(2020, 1, 15, 0, 0, 0, 0, time.UTC), false},
		{"2020-02", time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC), false},
		{"2020/01/15", time.Time{}, true},
		{"", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDate(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
