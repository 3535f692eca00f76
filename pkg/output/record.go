// Package output provides JSONL run events.
//
// Output is structured as typed record envelopes for per-date state
// transitions, per-date failures and the final run summary. Each line is a
// self-contained JSON object that can be parsed independently.
package output

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for JSONL output.
// These follow the pattern: climgrid.<type>.v<version>
const (
	// TypeDate identifies per-date state transition records.
	TypeDate = "climgrid.date.v1"

	// TypeError identifies per-date failure records.
	TypeError = "climgrid.error.v1"

	// TypeSummary identifies final summary records.
	TypeSummary = "climgrid.summary.v1"
)

// Record is the envelope for all JSONL output.
type Record struct {
	// Type identifies the record type (e.g., "climgrid.date.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// JobID is the run ID.
	JobID string `json:"job_id"`

	// Source identifies where archives come from (e.g., "http", "s3").
	Source string `json:"source"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// DateRecord is the data payload for a state transition of one date.
type DateRecord struct {
	// Date is the grid date (2006-01-02 or 2006-01).
	Date string `json:"date"`

	Variable string `json:"variable"`

	// State is the state entered.
	State string `json:"state"`

	// Path is the file produced by the transition, if any.
	Path string `json:"path,omitempty"`

	// Cached is true when the state was satisfied by an existing file.
	Cached bool `json:"cached,omitempty"`

	// ValidCells is set once the date is summarized.
	ValidCells *int `json:"valid_cells,omitempty"`

	// ElapsedMs is the time spent in the stage that ended in State.
	ElapsedMs int64 `json:"elapsed_ms,omitempty"`
}

// ErrorRecord is the data payload for a failed date.
//
// Failures are emitted as records rather than failing the run, so one bad
// date never hides the others.
type ErrorRecord struct {
	// Date is the grid date that failed.
	Date string `json:"date"`

	// Kind is the failure class (fetch, extraction, no_overlap, ...).
	Kind string `json:"kind"`

	// Message is a human-readable error description.
	Message string `json:"message"`

	// State is the last state reached before failing.
	State string `json:"state,omitempty"`

	// URL is the archive location, for fetch failures.
	URL string `json:"url,omitempty"`

	// Status is the HTTP status, for fetch failures that got a response.
	Status int `json:"status,omitempty"`
}

// SummaryRecord is the data payload for the final summary.
type SummaryRecord struct {
	// Requested is the number of dates in the request.
	Requested int `json:"requested"`

	// Done is the number of dates that produced a record.
	Done int `json:"done"`

	// Failed is the number of dates that failed.
	Failed int `json:"failed"`

	// ZeroValid is the number of done dates whose AOI held no valid cells.
	ZeroValid int `json:"zero_valid"`

	// Fetched is the number of archives downloaded (not served from cache).
	Fetched int `json:"fetched"`

	// Output is the series file, empty when none was written.
	Output string `json:"output,omitempty"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration_ns"`

	// DurationHuman is a human-readable duration string.
	DurationHuman string `json:"duration"`

	// Status is the run outcome (success, partial, failed).
	Status string `json:"status"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "output: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
