package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Writer outputs JSONL run events.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	// WriteDate emits a state transition record.
	WriteDate(ctx context.Context, rec *DateRecord) error

	// WriteError emits a failure record.
	WriteError(ctx context.Context, rec *ErrorRecord) error

	// WriteSummary emits the summary record.
	WriteSummary(ctx context.Context, rec *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// JSONLWriter is safe for concurrent use. Writes are serialized using
// a mutex to ensure atomic line writes (no interleaved output).
type JSONLWriter struct {
	w      io.Writer
	jobID  string
	source string
	clock  clockwork.Clock
	mu     sync.Mutex

	// closed indicates the writer has been closed.
	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - jobID: Run ID used to correlate records
//   - source: Archive source identifier (e.g., "http", "s3")
func NewJSONLWriter(w io.Writer, jobID, source string) *JSONLWriter {
	return &JSONLWriter{
		w:      w,
		jobID:  jobID,
		source: source,
		clock:  clockwork.NewRealClock(),
	}
}

// WithClock sets the clock used for record timestamps.
func (jw *JSONLWriter) WithClock(c clockwork.Clock) *JSONLWriter {
	jw.clock = c
	return jw
}

// WriteDate emits a state transition record.
func (jw *JSONLWriter) WriteDate(ctx context.Context, rec *DateRecord) error {
	return jw.writeRecord(ctx, TypeDate, rec)
}

// WriteError emits a failure record.
func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

// WriteSummary emits the summary record.
func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, rec)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
// The caller is responsible for closing the underlying writer.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

// writeRecord marshals data and writes a complete record line.
func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Marshal the payload outside the lock.
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:   recordType,
		TS:     jw.clock.Now().UTC(),
		JobID:  jw.jobID,
		Source: jw.source,
		Data:   dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return n < len(p) with a nil error; a short write would
	// silently truncate the line.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// writeAll writes all bytes to w, handling short writes.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			// No progress made - avoid infinite loop
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Discard is a Writer that drops every record.
var Discard Writer = discard{}

type discard struct{}

func (discard) WriteDate(context.Context, *DateRecord) error       { return nil }
func (discard) WriteError(context.Context, *ErrorRecord) error     { return nil }
func (discard) WriteSummary(context.Context, *SummaryRecord) error { return nil }
func (discard) Close() error                                       { return nil }

// OpenDestination opens an events destination: "" or "-" or "stdout" for
// standard output, "stderr", or "file:<path>" (appending, parents created).
// The returned closer is a no-op for the standard streams.
func OpenDestination(dest string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch d := strings.TrimSpace(dest); {
	case d == "" || d == "-" || d == "stdout":
		return os.Stdout, noop, nil
	case d == "stderr":
		return os.Stderr, noop, nil
	case strings.HasPrefix(d, "file:"):
		p := strings.TrimPrefix(d, "file:")
		if p == "" {
			return nil, nil, fmt.Errorf("events destination %q has no path", dest)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create events directory: %w", err)
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open events file: %w", err)
		}
		return f, f.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported events destination %q (want stdout, stderr or file:<path>)", dest)
}

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
