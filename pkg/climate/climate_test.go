package climate

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/climgrid/pkg/aoi"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestParse(t *testing.T) {
	v, err := ParseVariable("Precipitation")
	require.NoError(t, err)
	assert.Equal(t, Precipitation, v)

	u, err := ParseUnit("inches")
	require.NoError(t, err)
	assert.Equal(t, Inches, u)

	r, err := ParseResolution("M")
	require.NoError(t, err)
	assert.Equal(t, Monthly, r)

	_, err = ParseVariable("snow")
	require.Error(t, err)
	_, err = ParseUnit("kelvin")
	require.Error(t, err)
	_, err = ParseResolution("hourly")
	require.Error(t, err)
}

func TestDateRangeDates(t *testing.T) {
	tests := []struct {
		name  string
		dr    DateRange
		res   Resolution
		first string
		last  string
		count int
	}{
		{"daily three days", DateRange{day(2020, 1, 1), day(2020, 1, 3)}, Daily, "20200101", "20200103", 3},
		{"daily leap year february", DateRange{day(2020, 2, 27), day(2020, 3, 1)}, Daily, "20200227", "20200301", 4},
		{"monthly truncates days", DateRange{day(2019, 11, 15), day(2020, 2, 3)}, Monthly, "201911", "202002", 4},
		{"single day", DateRange{day(2021, 6, 1), day(2021, 6, 1)}, Daily, "20210601", "20210601", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dates := tt.dr.Dates(tt.res)
			require.Len(t, dates, tt.count)
			assert.Equal(t, tt.first, tt.res.Format(dates[0]))
			assert.Equal(t, tt.last, tt.res.Format(dates[len(dates)-1]))
		})
	}

	assert.Empty(t, DateRange{day(2020, 1, 2), day(2020, 1, 1)}.Dates(Daily))
}

func TestStep(t *testing.T) {
	assert.Equal(t, day(2019, 12, 2), Daily.Step(day(2020, 1, 1), -30))
	assert.Equal(t, day(2019, 10, 1), Monthly.Step(day(2020, 1, 20), -3))
}

func TestConverter(t *testing.T) {
	tests := []struct {
		from, to Unit
		in, want float64
	}{
		{Millimeters, Inches, 25.4, 1},
		{Inches, Millimeters, 2, 50.8},
		{Celsius, Fahrenheit, 100, 212},
		{Fahrenheit, Celsius, 32, 0},
		{Millimeters, Millimeters, 3.5, 3.5},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			conv, err := Converter(tt.from, tt.to)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, conv(tt.in), 1e-12)
		})
	}

	_, err := Converter(Millimeters, Celsius)
	require.Error(t, err)
}

func validRequest(t *testing.T) Request {
	t.Helper()
	area, err := aoi.New(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}}, "EPSG:4326")
	require.NoError(t, err)
	return Request{
		Variable:   Precipitation,
		Unit:       Millimeters,
		Resolution: Daily,
		Range:      DateRange{Start: day(2020, 1, 1), End: day(2020, 1, 3)},
		AOI:        area,
	}
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		field  string
	}{
		{"valid", func(*Request) {}, ""},
		{"unknown variable", func(r *Request) { r.Variable = "snow" }, "variable"},
		{"unit family mismatch", func(r *Request) { r.Unit = Fahrenheit }, "unit"},
		{"unknown resolution", func(r *Request) { r.Resolution = "hourly" }, "resolution"},
		{"missing start", func(r *Request) { r.Range.Start = time.Time{} }, "date_range"},
		{"start after end", func(r *Request) { r.Range.Start = day(2020, 2, 1) }, "date_range"},
		{"missing aoi", func(r *Request) { r.AOI = nil }, "aoi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest(t)
			tt.mutate(&req)
			err := req.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsInvalidRequest(err))
			var ire *InvalidRequestError
			require.True(t, errors.As(err, &ire))
			assert.Equal(t, tt.field, ire.Field)
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want FailureKind
	}{
		{nil, ""},
		{&InvalidRequestError{Field: "aoi"}, KindInvalidRequest},
		{&FetchError{Status: 404, Err: errors.New("not found")}, KindFetch},
		{fmt.Errorf("wrapped: %w", &ExtractionError{Archive: "a.zip", Err: errors.New("bad")}), KindExtraction},
		{&NoOverlapError{}, KindNoOverlap},
		{&WriteError{Op: "rename", Err: errors.New("disk full")}, KindWrite},
		{context.Canceled, KindCancelled},
		{errors.New("boom"), KindProcessing},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err))
	}
}

func TestFetchErrorMessage(t *testing.T) {
	err := &FetchError{Date: day(2020, 1, 2), Variable: Precipitation, Status: 503, Attempts: 3, Err: errors.New("unavailable")}
	assert.Contains(t, err.Error(), "2020-01-02")
	assert.Contains(t, err.Error(), "status 503")
}
