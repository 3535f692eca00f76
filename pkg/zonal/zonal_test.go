package zonal

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/clip"
)

func masked(unit climate.Unit, values []float64, valid []bool) *clip.MaskedRaster {
	return &clip.MaskedRaster{
		Source: &climate.GridFile{Key: climate.Key{
			Variable:   climate.Precipitation,
			Unit:       unit,
			Resolution: climate.Daily,
			Date:       time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
		}},
		Values: values,
		Valid:  valid,
	}
}

func TestSummarize(t *testing.T) {
	m := masked(climate.Millimeters,
		[]float64{2, 4, -9999, 10, 7},
		[]bool{true, true, false, true, false})

	rec, err := New(Options{Median: true}).Summarize(m, climate.Millimeters)
	require.NoError(t, err)

	assert.Equal(t, m.Source.Date, rec.Date)
	assert.Equal(t, climate.Precipitation, rec.Variable)
	assert.Equal(t, climate.Millimeters, rec.Unit)
	assert.Equal(t, 3, rec.ValidCellCount)
	assert.InDelta(t, 16.0, rec.Sum, 1e-12)
	assert.InDelta(t, 16.0/3, rec.Mean, 1e-12)
	assert.Equal(t, 2.0, rec.Min)
	assert.Equal(t, 10.0, rec.Max)
	assert.Equal(t, 4.0, rec.Median)
	assert.False(t, rec.NoData)
}

func TestSummarize_UnitRoundTrip(t *testing.T) {
	values := []float64{0.3, 12.7, 25.4, 3.1, 0}
	valid := []bool{true, true, true, true, true}
	s := New(Options{})

	mm, err := s.Summarize(masked(climate.Millimeters, values, valid), climate.Millimeters)
	require.NoError(t, err)
	in, err := s.Summarize(masked(climate.Millimeters, values, valid), climate.Inches)
	require.NoError(t, err)

	assert.Equal(t, climate.Inches, in.Unit)
	assert.InDelta(t, mm.Mean/climate.MillimetersPerInch, in.Mean, 1e-12)
	assert.InDelta(t, mm.Sum/climate.MillimetersPerInch, in.Sum, 1e-12)
	assert.InDelta(t, mm.Max/climate.MillimetersPerInch, in.Max, 1e-12)
	assert.Equal(t, mm.ValidCellCount, in.ValidCellCount)

	back, err := s.Summarize(masked(climate.Inches, []float64{in.Mean}, []bool{true}), climate.Millimeters)
	require.NoError(t, err)
	assert.InDelta(t, mm.Mean, back.Mean, 1e-9)
}

func TestSummarize_Temperature(t *testing.T) {
	m := masked(climate.Celsius, []float64{0, 100}, []bool{true, true})
	m.Source.Variable = climate.MeanTemperature

	rec, err := New(Options{}).Summarize(m, climate.Fahrenheit)
	require.NoError(t, err)
	assert.InDelta(t, 32.0, rec.Min, 1e-12)
	assert.InDelta(t, 212.0, rec.Max, 1e-12)
	assert.InDelta(t, 122.0, rec.Mean, 1e-12)
}

func TestSummarize_ZeroValidCells(t *testing.T) {
	m := masked(climate.Millimeters, []float64{-9999, -9999}, []bool{false, false})

	rec, err := New(Options{Median: true}).Summarize(m, climate.Inches)
	require.NoError(t, err)

	assert.True(t, rec.NoData)
	assert.True(t, rec.ZeroValidCells())
	assert.Zero(t, rec.ValidCellCount)
	assert.Zero(t, rec.Sum)
	for _, v := range []float64{rec.Mean, rec.Min, rec.Max, rec.Median} {
		assert.Equal(t, climate.NoDataSentinel, v)
		assert.False(t, math.IsNaN(v))
	}
}

func TestSummarize_Errors(t *testing.T) {
	_, err := New(Options{}).Summarize(nil, climate.Millimeters)
	assert.ErrorIs(t, err, ErrNoSource)

	_, err = New(Options{}).Summarize(masked(climate.Millimeters, nil, nil), climate.Celsius)
	assert.Error(t, err)
}

func TestNeumaier(t *testing.T) {
	var a Neumaier
	for _, v := range []float64{1, 1e100, 1, -1e100} {
		a.Add(v)
	}
	assert.Equal(t, 2.0, a.Sum())
}

func TestMedianEven(t *testing.T) {
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
}
