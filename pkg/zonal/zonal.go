// Package zonal computes statistics over the valid cells of a masked raster.
package zonal

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/clip"
)

// ErrNoSource is returned for a masked raster without its GridFile.
var ErrNoSource = errors.New("masked raster has no source grid")

// Options select optional statistics.
type Options struct {
	// Median also computes the median of the valid cells. It keeps a copy
	// of the converted values, so it costs memory proportional to the window.
	Median bool
}

// Summarizer turns masked rasters into StatRecords. The zero value is usable.
type Summarizer struct {
	opts Options
}

// New creates a Summarizer.
func New(opts Options) *Summarizer {
	return &Summarizer{opts: opts}
}

// Summarize computes the statistics of m in unit.
//
// Each valid cell is converted from the grid's unit before it is
// aggregated. With no valid cells the record is flagged NoData, Sum is zero
// and the other statistics hold climate.NoDataSentinel.
func (s *Summarizer) Summarize(m *clip.MaskedRaster, unit climate.Unit) (climate.StatRecord, error) {
	if m == nil || m.Source == nil {
		return climate.StatRecord{}, ErrNoSource
	}
	src := m.Source
	conv, err := climate.Converter(src.Unit, unit)
	if err != nil {
		return climate.StatRecord{}, fmt.Errorf("summarize %s: %w", src.Key, err)
	}

	rec := climate.StatRecord{
		Date:     src.Date,
		Variable: src.Variable,
		Unit:     unit,
	}

	var (
		acc    Neumaier
		n      int
		lo     = math.Inf(1)
		hi     = math.Inf(-1)
		values []float64
	)
	if s.opts.Median {
		values = make([]float64, 0, len(m.Values))
	}
	for i, raw := range m.Values {
		if !m.Valid[i] {
			continue
		}
		v := conv(raw)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		acc.Add(v)
		n++
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
		if values != nil {
			values = append(values, v)
		}
	}

	rec.ValidCellCount = n
	if n == 0 {
		rec.NoData = true
		rec.Mean = climate.NoDataSentinel
		rec.Min = climate.NoDataSentinel
		rec.Max = climate.NoDataSentinel
		rec.Median = climate.NoDataSentinel
		return rec, nil
	}

	rec.Sum = acc.Sum()
	rec.Mean = rec.Sum / float64(n)
	rec.Min = lo
	rec.Max = hi
	if s.opts.Median {
		rec.Median = median(values)
	}
	return rec, nil
}

// Neumaier is a compensated running sum.
type Neumaier struct {
	sum, c float64
}

// Add adds v to the sum.
func (a *Neumaier) Add(v float64) {
	t := a.sum + v
	if math.Abs(a.sum) >= math.Abs(v) {
		a.c += (a.sum - t) + v
	} else {
		a.c += (v - t) + a.sum
	}
	a.sum = t
}

// Sum returns the compensated total.
func (a *Neumaier) Sum() float64 {
	return a.sum + a.c
}

func median(values []float64) float64 {
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}
