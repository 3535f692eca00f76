package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// RunStatus is the outcome of a run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress or was interrupted.
	RunStatusRunning RunStatus = "running"
	// RunStatusSuccess indicates every date reached done.
	RunStatusSuccess RunStatus = "success"
	// RunStatusPartial indicates some dates failed.
	RunStatusPartial RunStatus = "partial"
	// RunStatusFailed indicates no date reached done or the output failed.
	RunStatusFailed RunStatus = "failed"
)

// Run is one pipeline invocation.
type Run struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	Done       int        `json:"done"`
	Failed     int        `json:"failed"`
}

// DateState is the last recorded state of one date in a run.
type DateState struct {
	Date      time.Time `json:"date"`
	State     string    `json:"state"`
	Kind      string    `json:"kind,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeginRun records a new run in running status.
func (c *Catalog) BeginRun(ctx context.Context, runID string) error {
	if runID == "" {
		return fmt.Errorf("run_id is required")
	}
	b := sq.Insert("runs").
		Columns("run_id", "started_at", "status").
		Values(runID, c.now(), string(RunStatusRunning))
	_, err := c.exec(ctx, b, "begin run")
	return err
}

// SetDateState records the state of date in run. kind and reason are empty
// unless the date failed.
func (c *Catalog) SetDateState(ctx context.Context, runID string, date time.Time, state, kind, reason string) error {
	b := sq.Insert("run_dates").
		Columns("run_id", "date", "state", "kind", "reason", "updated_at").
		Values(runID, date.UTC().Format(dateLayout), state, nullString(kind), nullString(reason), c.now()).
		Suffix(`ON CONFLICT(run_id, date) DO UPDATE SET
			state = excluded.state,
			kind = excluded.kind,
			reason = excluded.reason,
			updated_at = excluded.updated_at`)
	_, err := c.exec(ctx, b, "set date state")
	return err
}

// FinishRun closes a run with its outcome.
func (c *Catalog) FinishRun(ctx context.Context, runID string, status RunStatus, done, failed int) error {
	b := sq.Update("runs").
		Set("finished_at", c.now()).
		Set("status", string(status)).
		Set("done", done).
		Set("failed", failed).
		Where(sq.Eq{"run_id": runID})
	res, err := c.exec(ctx, b, "finish run")
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return nil
}

// GetRun returns a run or ErrNotFound.
func (c *Catalog) GetRun(ctx context.Context, runID string) (*Run, error) {
	runs, err := c.selectRuns(ctx, sq.Select(runColumns...).From("runs").Where(sq.Eq{"run_id": runID}), "get run")
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return &runs[0], nil
}

// ListRuns returns the most recent runs first.
func (c *Catalog) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	b := sq.Select(runColumns...).From("runs").OrderBy("started_at DESC", "run_id")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	return c.selectRuns(ctx, b, "list runs")
}

// DateStates returns the per-date states of a run ordered by date.
func (c *Catalog) DateStates(ctx context.Context, runID string) ([]DateState, error) {
	b := sq.Select("date", "state", "kind", "reason", "updated_at").
		From("run_dates").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("date")
	rows, err := c.query(ctx, b, "list date states")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []DateState
	for rows.Next() {
		var (
			ds            DateState
			date, updated string
			kind, reason  sql.NullString
		)
		if err := rows.Scan(&date, &ds.State, &kind, &reason, &updated); err != nil {
			return nil, fmt.Errorf("scan date state: %w", err)
		}
		if ds.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("parse date %q: %w", date, err)
		}
		if ds.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
			return nil, fmt.Errorf("parse updated_at %q: %w", updated, err)
		}
		ds.Kind, ds.Reason = kind.String, reason.String
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list date states: %w", err)
	}
	return out, nil
}

var runColumns = []string{"run_id", "started_at", "finished_at", "status", "done", "failed"}

func (c *Catalog) selectRuns(ctx context.Context, b sq.SelectBuilder, op string) ([]Run, error) {
	rows, err := c.query(ctx, b, op)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r        Run
			started  string
			finished sql.NullString
			status   string
		)
		if err := rows.Scan(&r.RunID, &started, &finished, &status, &r.Done, &r.Failed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = RunStatus(status)
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("parse started_at %q: %w", started, err)
		}
		if finished.Valid {
			t, err := time.Parse(timeLayout, finished.String)
			if err != nil {
				return nil, fmt.Errorf("parse finished_at %q: %w", finished.String, err)
			}
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
