// Package pipeline drives a climate request through the per-date stages
// and writes the resulting series.
//
// Every date moves through an explicit state machine:
//
//	pending -> fetched -> extracted -> clipped -> summarized -> done
//
// with failed reachable from any non-terminal state. Dates run on a bounded
// worker pool. A failing date is recorded in the RunReport and never stops
// the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/3leaps/climgrid/pkg/aoi"
	"github.com/3leaps/climgrid/pkg/catalog"
	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/clip"
	"github.com/3leaps/climgrid/pkg/output"
	"github.com/3leaps/climgrid/pkg/series"
	"github.com/3leaps/climgrid/pkg/store"
)

// Fetcher downloads the archive for a key.
type Fetcher interface {
	Fetch(ctx context.Context, k climate.Key) (string, error)
	ArchivePath(k climate.Key) string
	URL(k climate.Key) (string, error)
}

// Unpacker materializes grids from archives.
type Unpacker interface {
	Lookup(k climate.Key) (*climate.GridFile, bool, error)
	Unpack(ctx context.Context, archivePath string, k climate.Key) (*climate.GridFile, error)
	Remove(k climate.Key) error
}

// Clipper masks a grid to an AOI.
type Clipper interface {
	Clip(ctx context.Context, gf *climate.GridFile, a *aoi.AOI) (*clip.MaskedRaster, error)
}

// Summarizer reduces a masked grid to one record.
type Summarizer interface {
	Summarize(m *clip.MaskedRaster, unit climate.Unit) (climate.StatRecord, error)
}

// Catalog records grids and run progress. Its errors are logged and never
// change the outcome of a run.
type Catalog interface {
	PutGrid(ctx context.Context, g catalog.Grid) error
	DeleteGrid(ctx context.Context, k climate.Key) error
	BeginRun(ctx context.Context, runID string) error
	SetDateState(ctx context.Context, runID string, date time.Time, state, kind, reason string) error
	FinishRun(ctx context.Context, runID string, status catalog.RunStatus, done, failed int) error
	MarkWritten(ctx context.Context, keys []climate.Key, output string) error
}

// Metrics receives run instrumentation.
type Metrics interface {
	ObserveDate(outcome string)
	ObserveStage(stage string, d time.Duration)
	WorkerBusy(delta int)
}

// Stage labels passed to Metrics.ObserveStage.
const (
	StageFetch     = "fetch"
	StageUnpack    = "unpack"
	StageClip      = "clip"
	StageSummarize = "summarize"
	StageWrite     = "write"
)

// OutcomeDone is the ObserveDate outcome for a date that reached done.
// Failed dates report their failure kind.
const OutcomeDone = "done"

type nopMetrics struct{}

func (nopMetrics) ObserveDate(string)                 {}
func (nopMetrics) ObserveStage(string, time.Duration) {}
func (nopMetrics) WorkerBusy(int)                     {}

// Retention controls what happens to downloaded data after a run.
type Retention string

const (
	// RetentionKeep keeps archives and grids.
	RetentionKeep Retention = "keep"

	// RetentionClean removes grids once their records are written. Archive
	// removal is configured on the Unpacker.
	RetentionClean Retention = "clean"
)

// ParseRetention parses a retention policy; empty means keep.
func ParseRetention(s string) (Retention, error) {
	switch Retention(strings.ToLower(strings.TrimSpace(s))) {
	case "", RetentionKeep:
		return RetentionKeep, nil
	case RetentionClean:
		return RetentionClean, nil
	}
	return "", fmt.Errorf("unknown retention %q (want keep or clean)", s)
}

// ErrNoOutput is returned by New when no output path is configured.
var ErrNoOutput = errors.New("output path is required")

// Config configures an Orchestrator.
type Config struct {
	// Workers bounds the number of dates processed concurrently.
	// Default: 4
	Workers int

	// Output is the series CSV path.
	Output string

	// Median adds a median column. Precision is the decimal rounding passed
	// to the series writer.
	Median    bool
	Precision int

	// NAPI enables the antecedent precipitation index. The processed range
	// is extended back by the index window.
	NAPI *series.NAPIOptions

	// Retention defaults to keep.
	Retention Retention

	// GridUnit is the unit grids are stored in. Default: the variable's
	// native unit.
	GridUnit climate.Unit

	// RunID correlates events and catalog rows. Default: a random UUID.
	RunID string

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Metrics Metrics

	// Events receives state transitions. Default: output.Discard.
	Events output.Writer

	// Catalog is optional.
	Catalog Catalog
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Workers:   4,
		Retention: RetentionKeep,
	}
}

// Orchestrator runs requests. It holds no per-run state and may be reused
// when RunID is left empty.
type Orchestrator struct {
	store      store.Store
	fetcher    Fetcher
	unpacker   Unpacker
	clipper    Clipper
	summarizer Summarizer

	cfg     Config
	clock   clockwork.Clock
	log     *zap.Logger
	metrics Metrics
	events  output.Writer
}

// New creates an Orchestrator over the given stages.
func New(st store.Store, f Fetcher, u Unpacker, c Clipper, s Summarizer, cfg Config) (*Orchestrator, error) {
	if cfg.Output == "" {
		return nil, ErrNoOutput
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.Retention == "" {
		cfg.Retention = DefaultConfig().Retention
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = nopMetrics{}
	}
	if cfg.Events == nil {
		cfg.Events = output.Discard
	}
	return &Orchestrator{
		store:      st,
		fetcher:    f,
		unpacker:   u,
		clipper:    c,
		summarizer: s,
		cfg:        cfg,
		clock:      cfg.Clock,
		log:        cfg.Logger,
		metrics:    cfg.Metrics,
		events:     cfg.Events,
	}, nil
}

// Run processes every date of req and writes the series.
//
// An invalid request returns an *climate.InvalidRequestError and no report.
// Otherwise a report is always returned. The error is non-nil when no
// requested date reached done (climate.ErrNoDatesSucceeded, no file is
// written), when an output could not be finalized (*climate.WriteError) or
// when ctx was cancelled (ctx.Err(), after writing the dates that finished).
func (o *Orchestrator) Run(ctx context.Context, req climate.Request) (*RunReport, error) {
	r, err := o.newRun(req)
	if err != nil {
		return nil, err
	}
	return r.execute(ctx)
}

// run is the state of one Run call.
type run struct {
	*Orchestrator

	req      climate.Request
	runID    string
	gridUnit climate.Unit
	napi     *series.NAPIOptions
	dates    []time.Time
	writer   *series.Writer
	log      *zap.Logger

	fetched atomic.Int64

	mu       sync.Mutex
	report   *RunReport
	doneKeys []climate.Key
}

func (o *Orchestrator) newRun(req climate.Request) (*run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	gridUnit := o.cfg.GridUnit
	if gridUnit == "" {
		gridUnit = req.Variable.NativeUnit()
	}
	if !gridUnit.Compatible(req.Variable) {
		return nil, &climate.InvalidRequestError{
			Field:   "grid_unit",
			Message: string(gridUnit) + " cannot express " + string(req.Variable),
		}
	}

	requested := req.Dates()
	dates := requested
	var napi *series.NAPIOptions
	if o.cfg.NAPI != nil {
		if req.Variable != climate.Precipitation {
			return nil, &climate.InvalidRequestError{Field: "napi", Err: series.ErrNotPrecipitation}
		}
		opts := o.cfg.NAPI.WithDefaults(req.Resolution)
		if opts.Steps < 1 || opts.Decay <= 0 || opts.Decay > 1 {
			return nil, &climate.InvalidRequestError{
				Field:   "napi",
				Message: fmt.Sprintf("steps %d and decay %g out of range", opts.Steps, opts.Decay),
			}
		}
		napi = &opts
		ext := climate.DateRange{Start: req.Resolution.Step(requested[0], -opts.Steps), End: req.Range.End}
		dates = ext.Dates(req.Resolution)
	}

	runID := o.cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	return &run{
		Orchestrator: o,
		req:          req,
		runID:        runID,
		gridUnit:     gridUnit,
		napi:         napi,
		dates:        dates,
		writer: series.NewWriter(o.cfg.Output, series.Options{
			Resolution: req.Resolution,
			Median:     o.cfg.Median,
			Precision:  o.cfg.Precision,
			From:       req.Range.Start,
		}),
		log: o.log.With(zap.String("run_id", runID)),
		report: &RunReport{
			RunID:     runID,
			Requested: len(requested),
		},
	}, nil
}

func (r *run) execute(ctx context.Context) (*RunReport, error) {
	// Bookkeeping outlives cancellation so an interrupted run is still recorded.
	bg := context.WithoutCancel(ctx)

	r.report.Started = r.clock.Now()
	r.log.Info("Starting run",
		zap.String("variable", string(r.req.Variable)),
		zap.String("unit", string(r.req.Unit)),
		zap.String("resolution", string(r.req.Resolution)),
		zap.Int("dates", len(r.dates)),
		zap.Int("requested", r.report.Requested),
		zap.Int("workers", r.cfg.Workers),
	)
	r.catalogCall("begin run", func(c Catalog) error { return c.BeginRun(bg, r.runID) })

	r.dispatch(ctx, r.dates)
	r.report.Fetched = int(r.fetched.Load())

	done := 0
	for _, k := range r.doneKeys {
		if r.requested(k.Date) {
			done++
		}
	}
	if done == 0 {
		err := fmt.Errorf("%w: %d requested, %d failed", climate.ErrNoDatesSucceeded, r.report.Requested, len(r.report.Failures))
		if ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
		r.finish(bg)
		return r.report, err
	}

	if err := r.writeOutputs(bg); err != nil {
		r.finish(bg)
		return r.report, err
	}

	r.retain(bg)
	r.finish(bg)
	return r.report, ctx.Err()
}

// dispatch runs dates on at most Workers goroutines. Dates not started
// before ctx is cancelled fail as cancelled.
func (r *run) dispatch(ctx context.Context, dates []time.Time) {
	sem := make(chan struct{}, r.cfg.Workers)
	var wg sync.WaitGroup

	for i, date := range dates {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if err := ctx.Err(); err != nil {
			for _, d := range dates[i:] {
				r.fail(ctx, newStateMachine(), r.req.Key(d, r.gridUnit), err)
			}
			break
		}

		wg.Add(1)
		go func(d time.Time) {
			defer wg.Done()
			defer func() { <-sem }()

			r.metrics.WorkerBusy(1)
			defer r.metrics.WorkerBusy(-1)
			r.processDate(ctx, d)
		}(date)
	}

	wg.Wait()
}

// processDate moves one date through every stage.
func (r *run) processDate(ctx context.Context, date time.Time) {
	sm := newStateMachine()
	k := r.req.Key(date, r.gridUnit)
	started := r.clock.Now()

	gf, err := r.materialize(ctx, sm, k)
	if err != nil {
		r.fail(ctx, sm, k, err)
		return
	}

	t := r.clock.Now()
	masked, err := r.clipper.Clip(ctx, gf, r.req.AOI)
	r.metrics.ObserveStage(StageClip, r.clock.Since(t))
	if err != nil {
		r.fail(ctx, sm, k, err)
		return
	}
	r.transition(ctx, sm, k, StateClipped, output.DateRecord{})

	t = r.clock.Now()
	rec, err := r.summarizer.Summarize(masked, r.req.Unit)
	r.metrics.ObserveStage(StageSummarize, r.clock.Since(t))
	if err != nil {
		r.fail(ctx, sm, k, err)
		return
	}
	valid := rec.ValidCellCount
	r.transition(ctx, sm, k, StateSummarized, output.DateRecord{ValidCells: &valid})

	if err := r.writer.Append(rec); err != nil {
		r.fail(ctx, sm, k, err)
		return
	}

	r.mu.Lock()
	r.doneKeys = append(r.doneKeys, k)
	if rec.ZeroValidCells() && r.requested(k.Date) {
		r.report.Warnings = append(r.report.Warnings, climate.ZeroValidCellsWarning{Date: k.Date, Raster: gf.Path})
	}
	r.mu.Unlock()

	if rec.ZeroValidCells() {
		r.log.Warn("AOI covers no valid cells",
			zap.String("date", k.DateString()),
			zap.String("raster", gf.Path),
		)
	}
	r.transition(ctx, sm, k, StateDone, output.DateRecord{
		ValidCells: &valid,
		ElapsedMs:  r.clock.Since(started).Milliseconds(),
	})
	r.metrics.ObserveDate(OutcomeDone)
}

// materialize brings k to extracted. An existing grid skips the network.
func (r *run) materialize(ctx context.Context, sm *stateMachine, k climate.Key) (*climate.GridFile, error) {
	gf, ok, err := r.unpacker.Lookup(k)
	if err != nil {
		return nil, err
	}
	if ok {
		r.transition(ctx, sm, k, StateFetched, output.DateRecord{Cached: true})
		r.transition(ctx, sm, k, StateExtracted, output.DateRecord{Path: gf.Path, Cached: true})
		r.recordGrid(ctx, gf)
		return gf, nil
	}

	cached, err := r.store.Exists(r.fetcher.ArchivePath(k))
	if err != nil {
		return nil, err
	}

	t := r.clock.Now()
	archive, err := r.fetcher.Fetch(ctx, k)
	r.metrics.ObserveStage(StageFetch, r.clock.Since(t))
	if err != nil {
		return nil, err
	}
	if !cached {
		r.fetched.Add(1)
	}
	r.transition(ctx, sm, k, StateFetched, output.DateRecord{Path: archive, Cached: cached})

	t = r.clock.Now()
	gf, err = r.unpacker.Unpack(ctx, archive, k)
	r.metrics.ObserveStage(StageUnpack, r.clock.Since(t))
	if err != nil {
		return nil, err
	}
	r.transition(ctx, sm, k, StateExtracted, output.DateRecord{Path: gf.Path})
	r.recordGrid(ctx, gf)
	return gf, nil
}

// transition advances sm and publishes the new state.
func (r *run) transition(ctx context.Context, sm *stateMachine, k climate.Key, to State, ev output.DateRecord) {
	if err := sm.advance(to); err != nil {
		r.log.DPanic("State machine violation", zap.String("date", k.DateString()), zap.Error(err))
		return
	}
	r.log.Debug("Date advanced", zap.String("date", k.DateString()), zap.String("state", string(to)))

	bg := context.WithoutCancel(ctx)
	ev.Date = k.Date.Format(r.req.Resolution.DisplayLayout())
	ev.Variable = string(k.Variable)
	ev.State = string(to)
	if err := r.events.WriteDate(bg, &ev); err != nil {
		r.log.Warn("Failed to write date event", zap.Error(err))
	}
	r.catalogCall("set date state", func(c Catalog) error {
		return c.SetDateState(bg, r.runID, k.Date, string(to), "", "")
	})
}

// fail moves sm to failed and records the reason. Failures of dates outside
// the requested range (index antecedents) are logged but not reported.
func (r *run) fail(ctx context.Context, sm *stateMachine, k climate.Key, err error) {
	kind := climate.KindOf(err)
	last := sm.last
	if advErr := sm.advance(StateFailed); advErr != nil {
		r.log.DPanic("State machine violation", zap.String("date", k.DateString()), zap.Error(advErr))
	}

	if r.requested(k.Date) {
		r.mu.Lock()
		r.report.Failures = append(r.report.Failures, Failure{Date: k.Date, Kind: kind, State: last, Err: err})
		r.mu.Unlock()
	}
	r.metrics.ObserveDate(string(kind))

	level := r.log.Warn
	if kind == climate.KindCancelled {
		level = r.log.Debug
	}
	level("Date failed",
		zap.String("date", k.DateString()),
		zap.String("kind", string(kind)),
		zap.String("state", string(last)),
		zap.Bool("antecedent", !r.requested(k.Date)),
		zap.Error(err),
	)

	bg := context.WithoutCancel(ctx)
	ev := &output.ErrorRecord{
		Date:    k.Date.Format(r.req.Resolution.DisplayLayout()),
		Kind:    string(kind),
		Message: err.Error(),
		State:   string(last),
	}
	var fe *climate.FetchError
	if errors.As(err, &fe) {
		ev.URL = fe.URL
		ev.Status = fe.Status
	}
	if werr := r.events.WriteError(bg, ev); werr != nil {
		r.log.Warn("Failed to write error event", zap.Error(werr))
	}
	r.catalogCall("set date state", func(c Catalog) error {
		return c.SetDateState(bg, r.runID, k.Date, string(StateFailed), string(kind), err.Error())
	})
}

// writeOutputs finalizes the series and the index file.
func (r *run) writeOutputs(ctx context.Context) error {
	t := r.clock.Now()
	defer func() { r.metrics.ObserveStage(StageWrite, r.clock.Since(t)) }()

	records, err := r.writer.Finalize()
	if err != nil {
		r.log.Error("Failed to write series", zap.String("path", r.writer.Path()), zap.Error(err))
		return err
	}
	r.report.Records = records
	r.report.Output = r.writer.Path()

	keys := make([]climate.Key, 0, len(records))
	for _, rec := range records {
		keys = append(keys, r.req.Key(rec.Date, r.gridUnit))
	}
	r.catalogCall("mark written", func(c Catalog) error {
		return c.MarkWritten(ctx, keys, r.report.Output)
	})

	if r.napi == nil {
		return nil
	}
	points, err := series.ComputeNAPI(r.writer.Records(), r.req.Resolution, *r.napi)
	if err != nil {
		return err
	}
	path := series.NAPIPath(r.writer.Path())
	if err := series.WriteNAPI(path, points, r.req.Resolution, r.cfg.Precision, time.Time{}); err != nil {
		r.log.Error("Failed to write NAPI", zap.String("path", path), zap.Error(err))
		return err
	}
	r.report.NAPIOutput = path
	return nil
}

// retain applies the clean retention policy to every processed date,
// antecedent dates included.
func (r *run) retain(ctx context.Context) {
	if r.cfg.Retention != RetentionClean {
		return
	}
	for _, k := range r.doneKeys {
		if err := r.unpacker.Remove(k); err != nil {
			r.log.Warn("Failed to remove grid", zap.String("date", k.DateString()), zap.Error(err))
			continue
		}
		r.catalogCall("delete grid", func(c Catalog) error { return c.DeleteGrid(ctx, k) })
	}
}

// finish closes the run in the report, the catalog and the event stream.
func (r *run) finish(ctx context.Context) {
	r.report.Finished = r.clock.Now()
	r.report.sort()
	status := r.report.Status()

	r.catalogCall("finish run", func(c Catalog) error {
		return c.FinishRun(ctx, r.runID, status, r.report.Done(), len(r.report.Failures))
	})

	summary := &output.SummaryRecord{
		Requested:     r.report.Requested,
		Done:          r.report.Done(),
		Failed:        len(r.report.Failures),
		ZeroValid:     len(r.report.Warnings),
		Fetched:       r.report.Fetched,
		Output:        r.report.Output,
		Duration:      r.report.Duration(),
		DurationHuman: r.report.Duration().Round(time.Millisecond).String(),
		Status:        string(status),
	}
	if err := r.events.WriteSummary(ctx, summary); err != nil {
		r.log.Warn("Failed to write summary event", zap.Error(err))
	}

	r.log.Info("Run complete",
		zap.String("status", string(status)),
		zap.Int("done", summary.Done),
		zap.Int("failed", summary.Failed),
		zap.Int("zero_valid", summary.ZeroValid),
		zap.Int("fetched", summary.Fetched),
		zap.Duration("duration", summary.Duration),
	)
}

// recordGrid upserts gf into the catalog.
func (r *run) recordGrid(ctx context.Context, gf *climate.GridFile) {
	if r.cfg.Catalog == nil {
		return
	}
	var size int64
	if fi, err := os.Stat(gf.Path); err == nil {
		size = fi.Size()
	}
	bg := context.WithoutCancel(ctx)
	r.catalogCall("put grid", func(c Catalog) error { return c.PutGrid(bg, catalog.GridFromFile(gf, size)) })
}

func (r *run) catalogCall(op string, fn func(Catalog) error) {
	if r.cfg.Catalog == nil {
		return
	}
	if err := fn(r.cfg.Catalog); err != nil {
		r.log.Warn("Catalog update failed", zap.String("op", op), zap.Error(err))
	}
}

func (r *run) requested(date time.Time) bool {
	return r.req.Range.Contains(r.req.Resolution, date)
}
