// Package manifest provides loading and validation of climgrid job manifests.
//
// A job manifest is a YAML, JSON or TOML file describing one run: the
// variable, unit, resolution and date range to summarize, the AOI file, the
// archive source and where to write the series.
//
// Manifests are validated against a JSON Schema before use. The schema
// enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	request:
//	  variable: ppt
//	  unit: mm
//	  resolution: daily
//	  start: "2020-01-01"
//	  end: "2020-01-31"
//	aoi:
//	  path: ./watershed.geojson
//	processing:
//	  workers: 4
//	  napi:
//	    enabled: true
//	output:
//	  path: ./out/ppt.csv
//	  events: file:./out/events.jsonl
package manifest

// Manifest represents a validated job manifest.
//
// Required sections are Version, Request, AOI and Output. Source and
// Processing are optional with defaults applied during loading.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty" toml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version" toml:"version"`

	Request    RequestConfig    `json:"request" yaml:"request" toml:"request"`
	AOI        AOIConfig        `json:"aoi" yaml:"aoi" toml:"aoi"`
	Source     SourceConfig     `json:"source,omitempty" yaml:"source,omitempty" toml:"source,omitempty"`
	Processing ProcessingConfig `json:"processing,omitempty" yaml:"processing,omitempty" toml:"processing,omitempty"`
	Output     OutputConfig     `json:"output" yaml:"output" toml:"output"`

	// dir is the directory relative paths resolve against.
	dir string
}

// RequestConfig selects the grids to summarize.
type RequestConfig struct {
	// Variable is an element code or alias, e.g. "ppt" or "precipitation".
	Variable string `json:"variable" yaml:"variable" toml:"variable"`

	// Unit of the output statistics. Default: the variable's native unit.
	Unit string `json:"unit,omitempty" yaml:"unit,omitempty" toml:"unit,omitempty"`

	// Resolution is "daily" or "monthly". Default: daily.
	Resolution string `json:"resolution,omitempty" yaml:"resolution,omitempty" toml:"resolution,omitempty"`

	// Start and End are inclusive, as YYYY-MM-DD or YYYY-MM.
	Start string `json:"start" yaml:"start" toml:"start"`
	End   string `json:"end" yaml:"end" toml:"end"`
}

// AOIConfig locates the area of interest.
type AOIConfig struct {
	// Path is a GeoJSON file or shapefile. Relative paths resolve against
	// the manifest's directory.
	Path string `json:"path" yaml:"path" toml:"path"`

	// CRS is assumed when the file declares none.
	CRS string `json:"crs,omitempty" yaml:"crs,omitempty" toml:"crs,omitempty"`
}

// SourceConfig configures where archives come from.
type SourceConfig struct {
	// URLTemplate maps keys to archive URLs. Placeholders: {variable},
	// {date}, {resolution}, {unit}, {grid}, {yyyy}, {mm}, {dd}.
	URLTemplate string `json:"url_template,omitempty" yaml:"url_template,omitempty" toml:"url_template,omitempty"`

	// Grid fills {grid}. Default: 800m.
	Grid string `json:"grid,omitempty" yaml:"grid,omitempty" toml:"grid,omitempty"`

	// Patterns select the raster entry inside each archive.
	Patterns []string `json:"patterns,omitempty" yaml:"patterns,omitempty" toml:"patterns,omitempty"`

	// S3 configures s3:// templates.
	S3 *S3Config `json:"s3,omitempty" yaml:"s3,omitempty" toml:"s3,omitempty"`
}

// S3Config configures an S3 or S3-compatible archive mirror.
type S3Config struct {
	Region         string `json:"region,omitempty" yaml:"region,omitempty" toml:"region,omitempty"`
	Endpoint       string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" toml:"endpoint,omitempty"`
	Profile        string `json:"profile,omitempty" yaml:"profile,omitempty" toml:"profile,omitempty"`
	ForcePathStyle bool   `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty" toml:"force_path_style,omitempty"`
}

// ProcessingConfig configures the per-date stages.
type ProcessingConfig struct {
	// Workers is the number of dates processed concurrently.
	// Range: 1-64. Default: 4.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty" toml:"workers,omitempty"`

	// Mask is "centroid" or "touching". Default: centroid.
	Mask string `json:"mask,omitempty" yaml:"mask,omitempty" toml:"mask,omitempty"`

	// Median adds a median column.
	Median bool `json:"median,omitempty" yaml:"median,omitempty" toml:"median,omitempty"`

	// Precision is the number of decimals written; -1 writes the shortest
	// exact form. Default: 4.
	Precision int `json:"precision,omitempty" yaml:"precision,omitempty" toml:"precision,omitempty"`

	// ExportClipped writes each clipped raster as a GeoTIFF.
	ExportClipped bool `json:"export_clipped,omitempty" yaml:"export_clipped,omitempty" toml:"export_clipped,omitempty"`

	NAPI NAPIConfig `json:"napi,omitempty" yaml:"napi,omitempty" toml:"napi,omitempty"`
}

// NAPIConfig configures the antecedent precipitation index.
type NAPIConfig struct {
	Enabled bool `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled,omitempty"`

	// Decay is the per-step weight. Default: 0.98.
	Decay float64 `json:"decay,omitempty" yaml:"decay,omitempty" toml:"decay,omitempty"`

	// Steps is the antecedent window. Default: 30 daily, 3 monthly.
	Steps int `json:"steps,omitempty" yaml:"steps,omitempty" toml:"steps,omitempty"`
}

// OutputConfig configures the series file and run events.
type OutputConfig struct {
	// Path is the series CSV. Relative paths resolve against the manifest's
	// directory.
	Path string `json:"path" yaml:"path" toml:"path"`

	// Events is the JSONL event destination: "stdout", "stderr" or
	// "file:/path". Empty disables events.
	Events string `json:"events,omitempty" yaml:"events,omitempty" toml:"events,omitempty"`

	// KeepMetadata copies archive payload files beside the grids.
	KeepMetadata bool `json:"keep_metadata,omitempty" yaml:"keep_metadata,omitempty" toml:"keep_metadata,omitempty"`

	// Retention is "keep" or "clean". Default: keep.
	Retention string `json:"retention,omitempty" yaml:"retention,omitempty" toml:"retention,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultResolution is the default grid resolution.
	DefaultResolution = "daily"

	// DefaultWorkers is the default number of concurrent dates.
	DefaultWorkers = 4

	// DefaultMask is the default masking rule.
	DefaultMask = "centroid"

	// DefaultPrecision is the default number of decimals.
	DefaultPrecision = 4

	// DefaultRetention keeps archives and grids.
	DefaultRetention = "keep"
)

// Defaults replaces built-in defaults for optional fields, e.g. from the
// runtime config. Zero fields keep the built-in value.
type Defaults struct {
	Workers   int
	Retention string
}

// ApplyDefaults fills in default values for optional fields.
func (m *Manifest) ApplyDefaults() {
	m.applyDefaults(Defaults{})
}

func (m *Manifest) applyDefaults(d Defaults) {
	if d.Workers == 0 {
		d.Workers = DefaultWorkers
	}
	if d.Retention == "" {
		d.Retention = DefaultRetention
	}

	if m.Request.Resolution == "" {
		m.Request.Resolution = DefaultResolution
	}
	if m.Processing.Workers == 0 {
		m.Processing.Workers = d.Workers
	}
	if m.Processing.Mask == "" {
		m.Processing.Mask = DefaultMask
	}
	if m.Processing.Precision == 0 {
		m.Processing.Precision = DefaultPrecision
	}
	if m.Output.Retention == "" {
		m.Output.Retention = d.Retention
	}
	// Unit stays empty here; ToRequest picks the variable's native unit.
}

// Dir returns the directory relative paths resolve against. It is the
// manifest file's directory, or empty when loaded from bytes without a path.
func (m *Manifest) Dir() string { return m.dir }
