// Package series accumulates per-date statistics and writes them as a
// date-ordered CSV time series.
package series

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/climgrid/pkg/climate"
)

// DefaultPrecision is the number of decimals written for statistics.
const DefaultPrecision = 4

// ErrDuplicateDate is returned when a date is appended twice.
var ErrDuplicateDate = errors.New("record for date already appended")

// Columns are the CSV header fields without the optional median.
var Columns = []string{"date", "variable", "unit", "mean", "min", "max", "sum", "valid_cell_count"}

// Options configures a Writer.
type Options struct {
	// Resolution selects the date layout (2006-01-02 or 2006-01).
	Resolution climate.Resolution

	// Median adds a median column.
	Median bool

	// Precision is the number of decimals. Zero means DefaultPrecision;
	// negative writes the shortest exact representation.
	Precision int

	// From drops records dated before it from the CSV. They stay available
	// through Records for post-passes that need history.
	From time.Time
}

// Writer collects StatRecords and finalizes them into a CSV file.
// Append is safe for concurrent use.
type Writer struct {
	path string
	opts Options

	mu      sync.Mutex
	records map[time.Time]climate.StatRecord
}

// NewWriter creates a Writer targeting path.
func NewWriter(path string, opts Options) *Writer {
	if opts.Resolution == "" {
		opts.Resolution = climate.Daily
	}
	if opts.Precision == 0 {
		opts.Precision = DefaultPrecision
	}
	return &Writer{path: path, opts: opts, records: make(map[time.Time]climate.StatRecord)}
}

// Path returns the output path.
func (w *Writer) Path() string { return w.path }

// Append adds a record. Records may arrive in any order.
func (w *Writer) Append(rec climate.StatRecord) error {
	d := w.opts.Resolution.Truncate(rec.Date)
	rec.Date = d

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.records[d]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDate, d.Format(w.opts.Resolution.DisplayLayout()))
	}
	w.records[d] = rec
	return nil
}

// Len returns the number of appended records.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// Records returns all appended records sorted by date.
func (w *Writer) Records() []climate.StatRecord {
	w.mu.Lock()
	out := make([]climate.StatRecord, 0, len(w.records))
	for _, r := range w.records {
		out = append(out, r)
	}
	w.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Finalize writes the sorted series and returns the records written.
// The file appears atomically; on failure it returns *climate.WriteError and
// any previous file at the path is left untouched.
func (w *Writer) Finalize() ([]climate.StatRecord, error) {
	var rows []climate.StatRecord
	for _, r := range w.Records() {
		if !w.opts.From.IsZero() && r.Date.Before(w.opts.Resolution.Truncate(w.opts.From)) {
			continue
		}
		rows = append(rows, r)
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	header := append([]string(nil), Columns...)
	if w.opts.Median {
		header = append(header, "median")
	}
	_ = cw.Write(header)
	for _, r := range rows {
		row := []string{
			r.Date.Format(w.opts.Resolution.DisplayLayout()),
			string(r.Variable),
			string(r.Unit),
			w.format(r.Mean),
			w.format(r.Min),
			w.format(r.Max),
			w.format(r.Sum),
			strconv.Itoa(r.ValidCellCount),
		}
		if w.opts.Median {
			row = append(row, w.format(r.Median))
		}
		_ = cw.Write(row)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return nil, &climate.WriteError{Op: "encode", Path: w.path, Err: err}
	}

	if err := WriteFileAtomic(w.path, buf.Bytes()); err != nil {
		return nil, &climate.WriteError{Op: "finalize", Path: w.path, Err: err}
	}
	return rows, nil
}

func (w *Writer) format(v float64) string {
	return formatFloat(v, w.opts.Precision)
}

func formatFloat(v float64, precision int) string {
	if precision < 0 {
		precision = -1
	}
	s := strconv.FormatFloat(v, 'f', precision, 64)
	// Values that round to zero lose their sign.
	if strings.HasPrefix(s, "-") && strings.Trim(s[1:], "0.") == "" {
		s = s[1:]
	}
	return s
}

// WriteFileAtomic writes data to a temporary file beside path and renames it
// into place.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename output file: %w", err)
	}
	return nil
}
