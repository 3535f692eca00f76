package series

import (
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/climgrid/pkg/climate"
)

func day(d int) time.Time {
	return time.Date(2020, 1, d, 0, 0, 0, 0, time.UTC)
}

func record(d int, mean float64) climate.StatRecord {
	return climate.StatRecord{
		Date:           day(d),
		Variable:       climate.Precipitation,
		Unit:           climate.Millimeters,
		Mean:           mean,
		Min:            mean - 1,
		Max:            mean + 1,
		Sum:            mean * 4,
		Median:         mean,
		ValidCellCount: 4,
	}
}

func TestFinalize_SortsConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "series.csv")
	w := NewWriter(path, Options{Resolution: climate.Daily})

	order := rand.New(rand.NewSource(7)).Perm(10)
	var wg sync.WaitGroup
	for _, i := range order {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			assert.NoError(t, w.Append(record(d, float64(d))))
		}(i + 1)
	}
	wg.Wait()

	rows, err := w.Finalize()
	require.NoError(t, err)
	require.Len(t, rows, 10)
	for i, r := range rows {
		assert.Equal(t, day(i+1), r.Date)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(string(data))
	require.Len(t, lines, 11)
	assert.Equal(t, "date,variable,unit,mean,min,max,sum,valid_cell_count", lines[0])
	assert.Equal(t, "2020-01-01,ppt,mm,1.0000,0.0000,2.0000,4.0000,4", lines[1])
	assert.Equal(t, "2020-01-10,ppt,mm,10.0000,9.0000,11.0000,40.0000,4", lines[10])
}

func TestFinalize_ByteIdenticalAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, dates []int) []byte {
		w := NewWriter(filepath.Join(dir, name), Options{})
		for _, d := range dates {
			require.NoError(t, w.Append(record(d, float64(d)/3)))
		}
		_, err := w.Finalize()
		require.NoError(t, err)
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		return data
	}
	assert.Equal(t, write("a.csv", []int{1, 2, 3}), write("b.csv", []int{3, 1, 2}))
}

func TestAppend_Duplicate(t *testing.T) {
	w := NewWriter(filepath.Join(t.TempDir(), "s.csv"), Options{})
	require.NoError(t, w.Append(record(1, 1)))
	rec := record(1, 2)
	rec.Date = rec.Date.Add(6 * time.Hour)
	assert.ErrorIs(t, w.Append(rec), ErrDuplicateDate)
	assert.Equal(t, 1, w.Len())
}

func TestFinalize_Options(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		rec  climate.StatRecord
		want []string
	}{
		{
			name: "median and precision",
			opts: Options{Median: true, Precision: 2},
			rec:  record(2, 1.23456),
			want: []string{
				"date,variable,unit,mean,min,max,sum,valid_cell_count,median",
				"2020-01-02,ppt,mm,1.23,0.23,2.23,4.94,4,1.23",
			},
		},
		{
			name: "shortest representation",
			opts: Options{Precision: -1},
			rec:  record(2, 0.1),
			want: []string{
				"date,variable,unit,mean,min,max,sum,valid_cell_count",
				"2020-01-02,ppt,mm,0.1,-0.9,1.1,0.4,4",
			},
		},
		{
			name: "monthly dates",
			opts: Options{Resolution: climate.Monthly, Precision: 1},
			rec:  record(17, 2),
			want: []string{
				"date,variable,unit,mean,min,max,sum,valid_cell_count",
				"2020-01,ppt,mm,2.0,1.0,3.0,8.0,4",
			},
		},
		{
			name: "zero valid cells",
			opts: Options{Precision: 1},
			rec: climate.StatRecord{
				Date: day(3), Variable: climate.Precipitation, Unit: climate.Inches,
				Mean: climate.NoDataSentinel, Min: climate.NoDataSentinel, Max: climate.NoDataSentinel,
				NoData: true,
			},
			want: []string{
				"date,variable,unit,mean,min,max,sum,valid_cell_count",
				"2020-01-03,ppt,in,-9999.0,-9999.0,-9999.0,0.0,0",
			},
		},
		{
			name: "rows before From are dropped",
			opts: Options{From: day(5)},
			rec:  record(4, 1),
			want: []string{"date,variable,unit,mean,min,max,sum,valid_cell_count"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "s.csv")
			w := NewWriter(path, tt.opts)
			require.NoError(t, w.Append(tt.rec))
			_, err := w.Finalize()
			require.NoError(t, err)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, splitLines(string(data)))
		})
	}
}

func TestFinalize_WriteError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	w := NewWriter(filepath.Join(blocker, "series.csv"), Options{})
	require.NoError(t, w.Append(record(1, 1)))
	_, err := w.Finalize()
	require.Error(t, err)
	assert.True(t, climate.IsWrite(err))
}

func TestFinalize_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "series.csv")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	w := NewWriter(path, Options{})
	require.NoError(t, w.Append(record(1, 1)))
	_, err := w.Finalize()
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "series.csv", entries[0].Name())
}

func TestFormatFloat_NegativeZero(t *testing.T) {
	assert.Equal(t, "0.00", formatFloat(-0.0001, 2))
	assert.Equal(t, "-0.01", formatFloat(-0.0072, 2))
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
