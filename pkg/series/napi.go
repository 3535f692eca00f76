package series

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/zonal"
)

// NAPI defaults.
const (
	DefaultDecay        = 0.98
	DefaultDailySteps   = 30
	DefaultMonthlySteps = 3
	napiNormalTolerance = 1e-6
	napiFileSuffix      = ".napi.csv"
)

// Condition classifies an antecedent precipitation index.
type Condition string

// Antecedent moisture conditions.
const (
	ConditionDry    Condition = "dry"
	ConditionNormal Condition = "normal"
	ConditionWet    Condition = "wet"
)

// ErrNotPrecipitation is returned when NAPI is requested for a non-precipitation series.
var ErrNotPrecipitation = errors.New("napi requires a precipitation series")

// NAPIOptions are the index parameters.
type NAPIOptions struct {
	// Decay is the per-step weight k. Default: DefaultDecay.
	Decay float64

	// Steps is the antecedent window N. Default: 30 daily, 3 monthly.
	Steps int
}

// WithDefaults fills zero fields for resolution r.
func (o NAPIOptions) WithDefaults(r climate.Resolution) NAPIOptions {
	if o.Decay == 0 {
		o.Decay = DefaultDecay
	}
	if o.Steps == 0 {
		o.Steps = DefaultDailySteps
		if r == climate.Monthly {
			o.Steps = DefaultMonthlySteps
		}
	}
	return o
}

// NAPIPoint is the index for one date. Defined is false when the antecedent
// window is incomplete or the series mean is zero.
type NAPIPoint struct {
	Date          time.Time
	Precipitation float64
	NAPI          float64
	Defined       bool
	Condition     Condition
}

// ComputeNAPI returns the Normalized Antecedent Precipitation Index for each
// record with data:
//
//	NAPI_i = sum_{j=1..N} P_{i-j} k^j / (mean(P) * sum_{j=1..N} k^j)
//
// P is the per-date mean and mean(P) is taken over every record with data.
// Steps are calendar steps of r, so a missing date leaves the dates whose
// window it falls in undefined.
func ComputeNAPI(records []climate.StatRecord, r climate.Resolution, opts NAPIOptions) ([]NAPIPoint, error) {
	opts = opts.WithDefaults(r)
	if opts.Steps < 1 {
		return nil, fmt.Errorf("napi steps must be positive, got %d", opts.Steps)
	}

	precip := make(map[time.Time]float64, len(records))
	var acc zonal.Neumaier
	for _, rec := range records {
		if rec.Variable != climate.Precipitation {
			return nil, ErrNotPrecipitation
		}
		if rec.NoData {
			continue
		}
		p := rec.Mean
		if rec.Unit == climate.Inches {
			p *= climate.MillimetersPerInch
		}
		precip[r.Truncate(rec.Date)] = p
		acc.Add(p)
	}
	if len(precip) == 0 {
		return nil, nil
	}
	mean := acc.Sum() / float64(len(precip))

	weights := make([]float64, opts.Steps+1)
	var denom float64
	for j := 1; j <= opts.Steps; j++ {
		weights[j] = math.Pow(opts.Decay, float64(j))
		denom += weights[j]
	}
	denom *= mean

	var out []NAPIPoint
	for _, rec := range records {
		d := r.Truncate(rec.Date)
		p, ok := precip[d]
		if !ok {
			continue
		}
		pt := NAPIPoint{Date: d, Precipitation: p}
		if denom != 0 {
			num, complete := 0.0, true
			for j := 1; j <= opts.Steps; j++ {
				prev, ok := precip[r.Step(d, -j)]
				if !ok {
					complete = false
					break
				}
				num += prev * weights[j]
			}
			if complete {
				pt.NAPI = num / denom
				pt.Defined = true
				pt.Condition = classify(pt.NAPI)
			}
		}
		out = append(out, pt)
	}
	return out, nil
}

func classify(napi float64) Condition {
	switch {
	case math.Abs(napi-1) < napiNormalTolerance:
		return ConditionNormal
	case napi > 1:
		return ConditionWet
	}
	return ConditionDry
}

// NAPIPath derives the index file path from the series path.
func NAPIPath(seriesPath string) string {
	return strings.TrimSuffix(seriesPath, ".csv") + napiFileSuffix
}

// WriteNAPI writes points atomically with columns
// date,precipitation,napi,condition. Precipitation is in millimeters;
// undefined indices leave napi and condition empty. Points dated before from
// are omitted when from is non-zero.
func WriteNAPI(path string, points []NAPIPoint, r climate.Resolution, precision int, from time.Time) error {
	if precision == 0 {
		precision = DefaultPrecision
	}
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	_ = cw.Write([]string{"date", "precipitation", "napi", "condition"})
	for _, pt := range points {
		if !from.IsZero() && pt.Date.Before(r.Truncate(from)) {
			continue
		}
		row := []string{pt.Date.Format(r.DisplayLayout()), formatFloat(pt.Precipitation, precision), "", ""}
		if pt.Defined {
			row[2] = formatFloat(pt.NAPI, precision)
			row[3] = string(pt.Condition)
		}
		_ = cw.Write(row)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return &climate.WriteError{Op: "encode", Path: path, Err: err}
	}
	if err := WriteFileAtomic(path, buf.Bytes()); err != nil {
		return &climate.WriteError{Op: "finalize", Path: path, Err: err}
	}
	return nil
}
