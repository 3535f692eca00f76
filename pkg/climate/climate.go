// Package climate defines the domain model shared by every pipeline stage:
// variables, units, temporal resolution, grid identity and per-date
// statistics records.
package climate

import (
	"fmt"
	"strings"
	"time"
)

// Variable identifies a gridded climate element.
type Variable string

// Supported variables. Values are the archive's element codes.
const (
	Precipitation   Variable = "ppt"
	MeanTemperature Variable = "tmean"
	MinTemperature  Variable = "tmin"
	MaxTemperature  Variable = "tmax"
	MeanDewpoint    Variable = "tdmean"
)

var variableAliases = map[string]Variable{
	"ppt":              Precipitation,
	"precipitation":    Precipitation,
	"tmean":            MeanTemperature,
	"mean_temperature": MeanTemperature,
	"tmin":             MinTemperature,
	"min_temperature":  MinTemperature,
	"tmax":             MaxTemperature,
	"max_temperature":  MaxTemperature,
	"tdmean":           MeanDewpoint,
	"mean_dewpoint":    MeanDewpoint,
}

// ParseVariable accepts element codes and their long names.
func ParseVariable(s string) (Variable, error) {
	v, ok := variableAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown variable %q", s)
	}
	return v, nil
}

// Valid reports whether v is a canonical element code.
func (v Variable) Valid() bool {
	switch v {
	case Precipitation, MeanTemperature, MinTemperature, MaxTemperature, MeanDewpoint:
		return true
	}
	return false
}

// NativeUnit is the unit the archive publishes the variable in.
func (v Variable) NativeUnit() Unit {
	if v == Precipitation {
		return Millimeters
	}
	return Celsius
}

// String returns the element code.
func (v Variable) String() string { return string(v) }

// Resolution is the temporal step of a series.
type Resolution string

// Supported resolutions.
const (
	Daily   Resolution = "daily"
	Monthly Resolution = "monthly"
)

// ParseResolution accepts "daily"/"monthly" and the shorthands "d"/"m".
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daily", "day", "d":
		return Daily, nil
	case "monthly", "month", "m":
		return Monthly, nil
	}
	return "", fmt.Errorf("unknown resolution %q", s)
}

// String returns the resolution name.
func (r Resolution) String() string { return string(r) }

// Layout is the compact date layout used in archive names and URLs.
func (r Resolution) Layout() string {
	if r == Monthly {
		return "200601"
	}
	return "20060102"
}

// DisplayLayout is the date layout used in tabular output.
func (r Resolution) DisplayLayout() string {
	if r == Monthly {
		return "2006-01"
	}
	return "2006-01-02"
}

// Truncate normalizes t to the first instant of its step, in UTC.
func (r Resolution) Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	if r == Monthly {
		d = 1
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Step advances t by n steps (n may be negative).
func (r Resolution) Step(t time.Time, n int) time.Time {
	if r == Monthly {
		return r.Truncate(t).AddDate(0, n, 0)
	}
	return r.Truncate(t).AddDate(0, 0, n)
}

// Format renders t in the compact layout.
func (r Resolution) Format(t time.Time) string {
	return t.UTC().Format(r.Layout())
}

// DateRange is an inclusive range of calendar dates.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// Dates expands the range into one timestamp per step, ascending.
func (dr DateRange) Dates(r Resolution) []time.Time {
	start, end := r.Truncate(dr.Start), r.Truncate(dr.End)
	if end.Before(start) {
		return nil
	}
	var out []time.Time
	for d := start; !d.After(end); d = r.Step(d, 1) {
		out = append(out, d)
	}
	return out
}

// Contains reports whether t falls within the range at resolution r.
func (dr DateRange) Contains(r Resolution, t time.Time) bool {
	t = r.Truncate(t)
	return !t.Before(r.Truncate(dr.Start)) && !t.After(r.Truncate(dr.End))
}

// Key identifies one grid: (variable, unit, resolution, date).
// Unit is the unit the grid's cell values are expressed in.
type Key struct {
	Variable   Variable
	Unit       Unit
	Resolution Resolution
	Date       time.Time
}

// DateString renders the key's date in the compact layout.
func (k Key) DateString() string {
	return k.Resolution.Format(k.Date)
}

// String renders the key as variable/unit/resolution/date.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Variable, k.Unit, k.Resolution, k.DateString())
}

// GridFile is a materialized raster for one key.
type GridFile struct {
	Key

	// Path is the extracted raster on local disk.
	Path string

	// CRS is the raster's canonical coordinate reference system.
	CRS string

	// CellWidth and CellHeight are the cell dimensions in CRS units.
	CellWidth  float64
	CellHeight float64

	// NoData is the raster's nodata value; HasNoData is false when the raster
	// declares none.
	NoData    float64
	HasNoData bool
}

// NoDataSentinel is written for mean/min/max when a date has no valid cells.
const NoDataSentinel = -9999.0

// StatRecord holds the zonal statistics for one date.
type StatRecord struct {
	Date     time.Time
	Variable Variable
	Unit     Unit

	Mean   float64
	Min    float64
	Max    float64
	Sum    float64
	Median float64

	ValidCellCount int

	// NoData flags a record whose AOI covered no valid cells. Mean, Min, Max
	// and Median then hold NoDataSentinel and Sum is zero.
	NoData bool
}

// ZeroValidCells reports the zero-valid-cells warning state.
func (r StatRecord) ZeroValidCells() bool {
	return r.NoData
}
