package series

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/climgrid/pkg/climate"
)

func precip(values map[int]float64) []climate.StatRecord {
	var out []climate.StatRecord
	for d := 1; d <= 31; d++ {
		v, ok := values[d]
		if !ok {
			continue
		}
		out = append(out, climate.StatRecord{Date: day(d), Variable: climate.Precipitation, Unit: climate.Millimeters, Mean: v})
	}
	return out
}

func TestComputeNAPI(t *testing.T) {
	// N=1, k=0.5, mean(P)=2: NAPI_i = 0.5*P_{i-1} / (2*0.5) = P_{i-1}/2.
	points, err := ComputeNAPI(precip(map[int]float64{1: 3, 2: 1, 3: 2}), climate.Daily, NAPIOptions{Decay: 0.5, Steps: 1})
	require.NoError(t, err)
	require.Len(t, points, 3)

	assert.False(t, points[0].Defined)
	assert.Empty(t, points[0].Condition)

	assert.True(t, points[1].Defined)
	assert.InDelta(t, 1.5, points[1].NAPI, 1e-12)
	assert.Equal(t, ConditionWet, points[1].Condition)

	assert.InDelta(t, 0.5, points[2].NAPI, 1e-12)
	assert.Equal(t, ConditionDry, points[2].Condition)
}

func TestComputeNAPI_ConstantIsNormal(t *testing.T) {
	vals := map[int]float64{}
	for d := 1; d <= 6; d++ {
		vals[d] = 4.2
	}
	points, err := ComputeNAPI(precip(vals), climate.Daily, NAPIOptions{Steps: 3})
	require.NoError(t, err)
	require.Len(t, points, 6)
	for i, pt := range points {
		if i < 3 {
			assert.False(t, pt.Defined, "day %d", i+1)
			continue
		}
		assert.Equal(t, ConditionNormal, pt.Condition, "day %d", i+1)
	}
}

func TestComputeNAPI_GapsAndEdgeCases(t *testing.T) {
	// Day 3 is missing, so days 3 and 4 cannot be computed with N=1.
	points, err := ComputeNAPI(precip(map[int]float64{1: 1, 2: 1, 4: 1, 5: 1}), climate.Daily, NAPIOptions{Steps: 1})
	require.NoError(t, err)
	require.Len(t, points, 4)
	assert.Equal(t, []bool{false, true, false, true}, []bool{points[0].Defined, points[1].Defined, points[2].Defined, points[3].Defined})

	points, err = ComputeNAPI(precip(map[int]float64{1: 0, 2: 0}), climate.Daily, NAPIOptions{Steps: 1})
	require.NoError(t, err)
	assert.False(t, points[1].Defined, "zero mean")

	_, err = ComputeNAPI([]climate.StatRecord{{Date: day(1), Variable: climate.MeanTemperature}}, climate.Daily, NAPIOptions{})
	assert.ErrorIs(t, err, ErrNotPrecipitation)

	_, err = ComputeNAPI(precip(map[int]float64{1: 1}), climate.Daily, NAPIOptions{Steps: -1})
	assert.Error(t, err)
}

func TestComputeNAPI_InchesNormalized(t *testing.T) {
	recs := precip(map[int]float64{1: 1, 2: 1})
	for i := range recs {
		recs[i].Unit = climate.Inches
	}
	points, err := ComputeNAPI(recs, climate.Daily, NAPIOptions{Steps: 1})
	require.NoError(t, err)
	assert.InDelta(t, 25.4, points[0].Precipitation, 1e-12)
	assert.Equal(t, ConditionNormal, points[1].Condition)
}

func TestNAPIOptionsDefaults(t *testing.T) {
	assert.Equal(t, NAPIOptions{Decay: 0.98, Steps: 30}, NAPIOptions{}.WithDefaults(climate.Daily))
	assert.Equal(t, NAPIOptions{Decay: 0.98, Steps: 3}, NAPIOptions{}.WithDefaults(climate.Monthly))
	assert.Equal(t, NAPIOptions{Decay: 0.9, Steps: 7}, NAPIOptions{Decay: 0.9, Steps: 7}.WithDefaults(climate.Monthly))
}

func TestWriteNAPI(t *testing.T) {
	series := filepath.Join(t.TempDir(), "ppt.csv")
	path := NAPIPath(series)
	assert.Equal(t, filepath.Join(filepath.Dir(series), "ppt.napi.csv"), path)

	points, err := ComputeNAPI(precip(map[int]float64{1: 3, 2: 1, 3: 2}), climate.Daily, NAPIOptions{Decay: 0.5, Steps: 1})
	require.NoError(t, err)
	require.NoError(t, WriteNAPI(path, points, climate.Daily, 2, day(2)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"date,precipitation,napi,condition",
		"2020-01-02,1.00,1.50,wet",
		"2020-01-03,2.00,0.50,dry",
	}, splitLines(string(data)))

	require.NoError(t, WriteNAPI(path, points, climate.Daily, 2, day(1)))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2020-01-01,3.00,,", splitLines(string(data))[1])
}
