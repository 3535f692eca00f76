package pipeline

import (
	"sort"
	"time"

	"github.com/3leaps/climgrid/pkg/catalog"
	"github.com/3leaps/climgrid/pkg/climate"
)

// Failure records why one date did not reach done.
type Failure struct {
	Date time.Time
	Kind climate.FailureKind

	// State is the last state the date reached before failing.
	State State

	Err error
}

// Message renders the failure reason.
func (f Failure) Message() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return f.Err.Error()
}

// RunReport describes the outcome of one run. Records and Failures are
// ordered by date.
type RunReport struct {
	RunID string

	// Requested is the number of dates in the request range.
	Requested int

	// Records are the statistics written to Output.
	Records []climate.StatRecord

	// Failures covers requested dates that did not reach done.
	Failures []Failure

	// Warnings flags done dates whose AOI held no valid cells.
	Warnings []climate.ZeroValidCellsWarning

	// Output is the series file; empty when none was written.
	Output string

	// NAPIOutput is the index file when the index was enabled.
	NAPIOutput string

	// Fetched counts archives downloaded during the run.
	Fetched int

	Started  time.Time
	Finished time.Time
}

// Done is the number of dates in the output.
func (r *RunReport) Done() int { return len(r.Records) }

// Duration is the wall time of the run.
func (r *RunReport) Duration() time.Duration { return r.Finished.Sub(r.Started) }

// Status summarizes the run. A run with no output is failed.
func (r *RunReport) Status() catalog.RunStatus {
	switch {
	case r.Done() == 0 || r.Output == "":
		return catalog.RunStatusFailed
	case len(r.Failures) > 0:
		return catalog.RunStatusPartial
	}
	return catalog.RunStatusSuccess
}

// FailuresByKind counts failures per kind.
func (r *RunReport) FailuresByKind() map[climate.FailureKind]int {
	out := make(map[climate.FailureKind]int)
	for _, f := range r.Failures {
		out[f.Kind]++
	}
	return out
}

func (r *RunReport) sort() {
	sort.Slice(r.Failures, func(i, j int) bool { return r.Failures[i].Date.Before(r.Failures[j].Date) })
	sort.Slice(r.Warnings, func(i, j int) bool { return r.Warnings[i].Date.Before(r.Warnings[j].Date) })
}
