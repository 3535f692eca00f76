package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/climgrid/internal/config"
	"github.com/3leaps/climgrid/internal/observability"
	"github.com/3leaps/climgrid/internal/server"
	"github.com/3leaps/climgrid/internal/server/handlers"
	"github.com/3leaps/climgrid/pkg/catalog"
	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/clip"
	"github.com/3leaps/climgrid/pkg/fetch"
	"github.com/3leaps/climgrid/pkg/manifest"
	"github.com/3leaps/climgrid/pkg/output"
	"github.com/3leaps/climgrid/pkg/pipeline"
	"github.com/3leaps/climgrid/pkg/provider/s3"
	"github.com/3leaps/climgrid/pkg/resolver"
	"github.com/3leaps/climgrid/pkg/series"
	"github.com/3leaps/climgrid/pkg/store"
	"github.com/3leaps/climgrid/pkg/unpack"
	"github.com/3leaps/climgrid/pkg/zonal"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a job from manifest",
	Long: `Run a summary job as defined in a YAML, JSON or TOML manifest file.

The manifest names the variable, unit, resolution and date range, the area
of interest and where to write the series. Each date is fetched, extracted,
clipped and summarized independently; failed dates are reported and left out
of the series.

Example:
  climgrid run --job ppt.yaml
  climgrid run --job ppt.yaml --output out/ppt.csv --workers 8
  climgrid run --job ppt.yaml --events file:run.jsonl --metrics-addr 127.0.0.1:9090
  climgrid run --job ppt.yaml --plan`,
	RunE: runRun,
}

var (
	runJobPath     string
	runOutput      string
	runEvents      string
	runWorkers     int
	runDryRun      bool
	runPlan        bool
	runMetricsAddr string
)

// planURLs bounds the URLs printed by --plan.
const planURLs = 3

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runJobPath, "job", "j", "", "Path to job manifest (required)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Override the series CSV path")
	runCmd.Flags().StringVar(&runEvents, "events", "", "Override the event destination (stdout|stderr|file:<path>)")
	runCmd.Flags().IntVarP(&runWorkers, "workers", "w", 0, "Override the number of concurrent dates (1-64)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Validate manifest and show plan without executing")
	runCmd.Flags().BoolVar(&runPlan, "plan", false, "Alias for --dry-run")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve /metrics and /healthz on this address during the run")

	_ = runCmd.MarkFlagRequired("job")
}

func runRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := runtimeConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	m, err := manifest.LoadWithDefaults(runJobPath, manifest.Defaults{Workers: cfg.Workers, Retention: cfg.Retention})
	if err != nil {
		observability.CLILogger.Error("Failed to load manifest",
			zap.String("path", runJobPath),
			zap.Error(err))
		if errors.Is(err, manifest.ErrNotFound) {
			return exitError(foundry.ExitFileNotFound, "Manifest not found", err)
		}
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if err := applyRunOverrides(m); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid flags", err)
	}

	req, err := m.ToRequest()
	if err != nil {
		observability.CLILogger.Error("Invalid request", zap.Error(err))
		return requestExitError(err)
	}

	observability.CLILogger.Debug("Loaded manifest",
		zap.String("path", runJobPath),
		zap.String("variable", req.Variable.String()),
		zap.String("unit", string(req.Unit)),
		zap.String("resolution", req.Resolution.String()),
		zap.Int("dates", len(req.Dates())))

	if runPlan || runDryRun {
		return showRunPlan(cmd.OutOrStdout(), m, req, cfg)
	}
	return executeRun(ctx, m, req, cfg, runMetricsAddr)
}

// applyRunOverrides applies command-line overrides. Paths given on the
// command line are relative to the working directory, not the manifest.
func applyRunOverrides(m *manifest.Manifest) error {
	if runOutput != "" {
		abs, err := filepath.Abs(runOutput)
		if err != nil {
			return fmt.Errorf("--output: %w", err)
		}
		m.Output.Path = abs
	}
	if runEvents != "" {
		m.Output.Events = runEvents
	}
	if runWorkers != 0 {
		if runWorkers < 1 || runWorkers > 64 {
			return fmt.Errorf("--workers: %d is outside 1-64", runWorkers)
		}
		m.Processing.Workers = runWorkers
	}
	return nil
}

// requestExitError maps request problems to exit codes. AOI file errors keep
// their file exit codes.
func requestExitError(err error) error {
	var pathErr *fs.PathError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return exitError(foundry.ExitFileNotFound, "AOI file not found", err)
	case errors.As(err, &pathErr):
		return exitError(foundry.ExitFileReadError, "Cannot read AOI file", err)
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid request", err)
	}
}

// runExitError maps an orchestrator error to an exit code.
func runExitError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return exitError(foundry.ExitSignalInt, "Run cancelled", err)
	case climate.IsInvalidRequest(err):
		return requestExitError(err)
	case climate.IsWrite(err):
		return exitError(foundry.ExitFileWriteError, "Failed to write output", err)
	case errors.Is(err, climate.ErrNoDatesSucceeded):
		return exitError(foundry.ExitExternalServiceUnavailable, "No dates succeeded", err)
	default:
		return exitError(foundry.ExitExternalServiceUnavailable, "Run failed", err)
	}
}

// compileTemplate builds the archive URL template for m.
func compileTemplate(m *manifest.Manifest) (*resolver.Template, error) {
	tmpl, err := resolver.Compile(m.Source.URLTemplate)
	if err != nil {
		return nil, err
	}
	tmpl.Grid = m.Source.Grid
	return tmpl, nil
}

// gridUnit is the unit archives are served in. Templates that name {unit}
// serve the requested unit; otherwise grids carry the native unit.
func gridUnit(tmpl *resolver.Template, req climate.Request) climate.Unit {
	if tmpl.Uses("unit") {
		return req.Unit
	}
	return req.Variable.NativeUnit()
}

// sourceName is the template's scheme, used to tag run events.
func sourceName(tmpl *resolver.Template) string {
	if scheme, _, ok := strings.Cut(tmpl.String(), ":"); ok && scheme != "" {
		return strings.ToLower(scheme)
	}
	return "https"
}

func napiOptions(m *manifest.Manifest) *series.NAPIOptions {
	if !m.Processing.NAPI.Enabled {
		return nil
	}
	return &series.NAPIOptions{Decay: m.Processing.NAPI.Decay, Steps: m.Processing.NAPI.Steps}
}

func buildFetcher(st store.Store, tmpl *resolver.Template, m *manifest.Manifest, cfg *config.Config, log *zap.Logger, metrics fetch.Metrics) (*fetch.Fetcher, error) {
	fc := fetch.DefaultConfig()
	fc.Resolver = tmpl
	fc.Timeout = cfg.Fetch.Timeout
	fc.Attempts = cfg.Fetch.Attempts
	fc.InitialBackoff = cfg.Fetch.InitialBackoff
	fc.MaxBackoff = cfg.Fetch.MaxBackoff
	fc.RateLimit = cfg.Fetch.RateLimit
	fc.UserAgent = cfg.Fetch.UserAgent + "/" + versionInfo.Version
	if s := m.Source.S3; s != nil {
		fc.S3 = s3.Config{
			Region:   s.Region,
			Endpoint: s.Endpoint,
			Profile:  s.Profile,
			// S3-compatible services behind a custom endpoint need path-style URLs.
			ForcePathStyle: s.ForcePathStyle || s.Endpoint != "",
		}
	}
	fc.Logger = log
	fc.Metrics = metrics
	return fetch.New(st, fc)
}

// showRunPlan displays what would be run without touching the network.
func showRunPlan(w io.Writer, m *manifest.Manifest, req climate.Request, cfg *config.Config) error {
	tmpl, err := compileTemplate(m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid URL template", err)
	}
	unit := gridUnit(tmpl, req)
	dates := req.Dates()

	p := func(format string, args ...any) { _, _ = fmt.Fprintf(w, format, args...) }
	p("=== Run Plan (dry-run) ===\n\n")
	p("Variable:    %s\n", req.Variable)
	p("Unit:        %s (grids in %s)\n", req.Unit, unit)
	p("Resolution:  %s\n", req.Resolution)
	p("Range:       %s .. %s (%d dates)\n",
		req.Resolution.Format(req.Range.Start), req.Resolution.Format(req.Range.End), len(dates))
	p("AOI:         %s (%s)\n", req.AOI.Source, req.AOI.CRS)
	p("\n")

	p("Source:      %s\n", tmpl)
	n := min(planURLs, len(dates))
	for _, d := range dates[:n] {
		u, err := tmpl.Resolve(req.Key(d, unit))
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid URL template", err)
		}
		p("  %s  %s\n", req.Resolution.Format(d), u)
	}
	if len(dates) > n {
		p("  ... %d more\n", len(dates)-n)
	}
	p("\n")

	p("Workers:     %d\n", m.Processing.Workers)
	p("Mask:        %s\n", m.Processing.Mask)
	p("Retries:     %d attempts, backoff %s..%s, timeout %s\n",
		cfg.Fetch.Attempts, cfg.Fetch.InitialBackoff, cfg.Fetch.MaxBackoff, cfg.Fetch.Timeout)
	if cfg.Fetch.RateLimit > 0 {
		p("Rate Limit:  %.1f req/s\n", cfg.Fetch.RateLimit)
	}
	if opts := napiOptions(m); opts != nil {
		o := opts.WithDefaults(req.Resolution)
		p("NAPI:        k=%g N=%d (fetches %d earlier dates)\n", o.Decay, o.Steps, o.Steps)
	}
	p("Retention:   %s\n", m.Output.Retention)
	p("Data Root:   %s\n", cfg.DataRoot)
	p("Catalog:     %s\n", catalogTarget(cfg))
	p("Output:      %s\n", m.OutputPath())
	if m.Output.Events != "" {
		p("Events:      %s\n", m.Output.Events)
	}
	p("\nManifest validated successfully. Remove --plan to execute.\n")
	return nil
}

// executeRun wires the stages and runs the request.
func executeRun(ctx context.Context, m *manifest.Manifest, req climate.Request, cfg *config.Config, metricsAddr string) error {
	runID := uuid.New().String()
	log := observability.CLILogger.With(zap.String("run_id", runID))

	tmpl, err := compileTemplate(m)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid URL template", err)
	}
	retention, err := pipeline.ParseRetention(m.Output.Retention)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid retention", err)
	}
	mask, err := clip.ParseMaskMode(m.Processing.Mask)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid mask", err)
	}

	st, err := store.NewFS(cfg.DataRoot)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open data root", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(reg)

	fetcher, err := buildFetcher(st, tmpl, m, cfg, log, metrics)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid source", err)
	}
	defer func() { _ = fetcher.Close() }()

	unpacker, err := unpack.New(st, unpack.Config{
		Patterns:      m.Source.Patterns,
		KeepMetadata:  m.Output.KeepMetadata,
		RemoveArchive: retention == pipeline.RetentionClean,
		Logger:        log,
	})
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid patterns", err)
	}

	clipCfg := clip.Config{Mask: mask, Logger: log}
	if m.Processing.ExportClipped {
		clipCfg.Store = st
	}
	clipper, err := clip.New(clipCfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid mask", err)
	}

	pcfg := pipeline.Config{
		Workers:   m.Processing.Workers,
		Output:    m.OutputPath(),
		Median:    m.Processing.Median,
		Precision: m.Processing.Precision,
		NAPI:      napiOptions(m),
		Retention: retention,
		GridUnit:  gridUnit(tmpl, req),
		RunID:     runID,
		Logger:    log,
		Metrics:   metrics,
	}

	// The catalog is bookkeeping; a run proceeds without it.
	cat, err := catalog.Open(ctx, catalog.Config{
		Path:      cfg.Catalog.Path,
		URL:       cfg.Catalog.URL,
		AuthToken: cfg.Catalog.AuthToken,
	})
	if err != nil {
		log.Warn("Catalog unavailable, continuing without it",
			zap.String("catalog", catalogTarget(cfg)),
			zap.Error(err))
	} else {
		defer func() { _ = cat.Close() }()
		pcfg.Catalog = cat
	}

	if m.Output.Events != "" {
		w, closeFn, err := output.OpenDestination(m.Output.Events)
		if err != nil {
			return exitError(foundry.ExitFileWriteError, "Failed to open events destination", err)
		}
		events := output.NewJSONLWriter(w, runID, sourceName(tmpl))
		defer func() {
			_ = events.Close()
			_ = closeFn()
		}()
		pcfg.Events = events
	}

	orch, err := pipeline.New(st, fetcher, unpacker, clipper, zonal.New(zonal.Options{Median: m.Processing.Median}), pcfg)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid run configuration", err)
	}

	if metricsAddr == "" && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
	}
	if metricsAddr != "" {
		srv := server.New(server.Config{
			Addr:     metricsAddr,
			Version:  buildInfo(),
			Gatherer: reg,
			Logger:   log,
		})
		if cat != nil {
			srv.Health().RegisterChecker("catalog", handlers.CheckerFunc(cat.Ping))
		}
		if err := srv.Start(); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Failed to start metrics server", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Metrics.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(sctx); err != nil {
				log.Warn("Metrics server shutdown failed", zap.Error(err))
			}
		}()
	}

	log.Info("Starting run",
		zap.String("variable", req.Variable.String()),
		zap.String("resolution", req.Resolution.String()),
		zap.Int("dates", len(req.Dates())),
		zap.Int("workers", pcfg.Workers),
		zap.String("output", pcfg.Output))

	report, err := orch.Run(ctx, req)
	if report != nil {
		logRunReport(log, report)
	}
	if err != nil {
		log.Error("Run failed", zap.Error(err))
		return runExitError(err)
	}
	return nil
}

// logRunReport logs the outcome, one line per failure and warning.
func logRunReport(log *zap.Logger, r *pipeline.RunReport) {
	for _, f := range r.Failures {
		log.Warn("Date failed",
			zap.String("date", f.Date.Format(time.DateOnly)),
			zap.String("kind", string(f.Kind)),
			zap.String("state", string(f.State)),
			zap.String("reason", f.Message()))
	}
	for _, w := range r.Warnings {
		log.Warn("No valid cells", zap.String("warning", w.String()))
	}

	fields := []zap.Field{
		zap.String("status", string(r.Status())),
		zap.Int("requested", r.Requested),
		zap.Int("done", r.Done()),
		zap.Int("failed", len(r.Failures)),
		zap.Int("fetched", r.Fetched),
		zap.Duration("duration", r.Duration()),
	}
	if r.Output != "" {
		fields = append(fields, zap.String("output", r.Output))
	}
	if r.NAPIOutput != "" {
		fields = append(fields, zap.String("napi_output", r.NAPIOutput))
	}
	log.Info("Run completed", fields...)
}
