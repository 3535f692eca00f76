package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/climgrid/internal/config"
	"github.com/3leaps/climgrid/internal/observability"
	"github.com/3leaps/climgrid/pkg/catalog"
	"github.com/3leaps/climgrid/pkg/climate"
	"github.com/3leaps/climgrid/pkg/manifest"
	"github.com/3leaps/climgrid/pkg/store"
	"github.com/3leaps/climgrid/pkg/unpack"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect and clean the grid catalog",
	Long: `The catalog records every grid extracted into the data root, every run and
the last state each date reached.

Examples:
  climgrid catalog list --variable ppt --from 2020-01 --to 2020-12
  climgrid catalog runs
  climgrid catalog runs --run 5f0c...
  climgrid catalog gc --dry-run`,
}

var catalogListCmd = &cobra.Command{
	Use:   "list",
	Short: "List extracted grids",
	RunE:  runCatalogList,
}

var catalogRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent runs, or the date states of one run",
	RunE:  runCatalogRuns,
}

var catalogGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove grids whose records are written",
	Long: `Remove grids whose statistics have been written to a series file, along
with their catalog rows. Grids never summarized into a series are kept.

Temporary files left by interrupted downloads and extractions are swept as
well once they are older than --temp-age.

Examples:
  # Preview what would be deleted (dry run)
  climgrid catalog gc --dry-run

  # Collect precipitation grids from 2020 only
  climgrid catalog gc --variable ppt --from 2020-01-01 --to 2020-12-31`,
	RunE: runCatalogGC,
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.AddCommand(catalogListCmd, catalogRunsCmd, catalogGCCmd)

	for _, c := range []*cobra.Command{catalogListCmd, catalogGCCmd} {
		c.Flags().String("variable", "", "Only grids of this variable")
		c.Flags().String("unit", "", "Only grids in this unit")
		c.Flags().String("resolution", "", "Only daily or monthly grids")
		c.Flags().String("from", "", "Only grids dated on or after (YYYY-MM-DD or YYYY-MM)")
		c.Flags().String("to", "", "Only grids dated on or before (YYYY-MM-DD or YYYY-MM)")
		c.Flags().Bool("json", false, "Output as JSON")
	}
	catalogListCmd.Flags().Int("limit", 0, "Maximum number of grids (0 for all)")

	catalogRunsCmd.Flags().Int("limit", 20, "Maximum number of runs")
	catalogRunsCmd.Flags().String("run", "", "Show the date states of this run")
	catalogRunsCmd.Flags().Bool("json", false, "Output as JSON")

	catalogGCCmd.Flags().Bool("dry-run", false, "Preview what would be deleted without deleting")
	catalogGCCmd.Flags().String("temp-age", "24h", "Sweep temporary files older than this (e.g., 2d, 12h); 0 disables")
}

// openCatalog opens the configured catalog.
func openCatalog(ctx context.Context, cfg *config.Config) (*catalog.Catalog, error) {
	cat, err := catalog.Open(ctx, catalog.Config{
		Path:      cfg.Catalog.Path,
		URL:       cfg.Catalog.URL,
		AuthToken: cfg.Catalog.AuthToken,
	})
	if err != nil {
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open catalog", err)
	}
	return cat, nil
}

// gridFilter builds a catalog filter from the filter flags.
func gridFilter(cmd *cobra.Command) (catalog.Filter, error) {
	var f catalog.Filter
	if s, _ := cmd.Flags().GetString("variable"); s != "" {
		v, err := climate.ParseVariable(s)
		if err != nil {
			return f, fmt.Errorf("--variable: %w", err)
		}
		f.Variable = v
	}
	if s, _ := cmd.Flags().GetString("unit"); s != "" {
		u, err := climate.ParseUnit(s)
		if err != nil {
			return f, fmt.Errorf("--unit: %w", err)
		}
		f.Unit = u
	}
	if s, _ := cmd.Flags().GetString("resolution"); s != "" {
		r, err := climate.ParseResolution(s)
		if err != nil {
			return f, fmt.Errorf("--resolution: %w", err)
		}
		f.Resolution = r
	}
	if s, _ := cmd.Flags().GetString("from"); s != "" {
		t, err := manifest.ParseDate(s)
		if err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
		f.From = t
	}
	if s, _ := cmd.Flags().GetString("to"); s != "" {
		t, err := manifest.ParseDate(s)
		if err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
		f.To = t
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return f, errors.New("--to is before --from")
	}
	if cmd.Flags().Lookup("limit") != nil {
		f.Limit, _ = cmd.Flags().GetInt("limit")
	}
	return f, nil
}

func runCatalogList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	jsonOutput, _ := cmd.Flags().GetBool("json")

	filter, err := gridFilter(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid filter", err)
	}
	cfg, err := runtimeConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	cat, err := openCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	grids, err := cat.ListGrids(ctx, filter)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list grids", err)
	}
	if jsonOutput {
		return printGridsJSON(grids)
	}
	if len(grids) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No grids found")
		return nil
	}
	return printGridsTable(grids)
}

type jsonGrid struct {
	Variable   string   `json:"variable"`
	Unit       string   `json:"unit"`
	Resolution string   `json:"resolution"`
	Date       string   `json:"date"`
	Path       string   `json:"path"`
	CRS        string   `json:"crs"`
	CellSize   float64  `json:"cell_size"`
	NoData     *float64 `json:"nodata,omitempty"`
	Bytes      int64    `json:"bytes"`
	CreatedAt  string   `json:"created_at"`
}

func toJSONGrid(g catalog.Grid) jsonGrid {
	return jsonGrid{
		Variable:   g.Key.Variable.String(),
		Unit:       string(g.Key.Unit),
		Resolution: g.Key.Resolution.String(),
		Date:       g.Key.DateString(),
		Path:       g.Path,
		CRS:        g.CRS,
		CellSize:   g.CellSize,
		NoData:     g.NoData,
		Bytes:      g.Bytes,
		CreatedAt:  g.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func printGridsJSON(grids []catalog.Grid) error {
	out := make([]jsonGrid, 0, len(grids))
	for _, g := range grids {
		out = append(out, toJSONGrid(g))
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func printGridsTable(grids []catalog.Grid) error {
	var total int64
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VARIABLE\tUNIT\tRESOLUTION\tDATE\tSIZE\tPATH")
	for _, g := range grids {
		total += g.Bytes
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			g.Key.Variable,
			g.Key.Unit,
			g.Key.Resolution,
			g.Key.DateString(),
			formatBytes(g.Bytes),
			g.Path,
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(os.Stderr, "\n%d grid(s), %s\n", len(grids), formatBytes(total))
	return nil
}

func runCatalogRuns(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	limit, _ := cmd.Flags().GetInt("limit")
	runID, _ := cmd.Flags().GetString("run")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	cfg, err := runtimeConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	cat, err := openCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	if runID != "" {
		return printRunDates(ctx, cat, runID, jsonOutput)
	}

	runs, err := cat.ListRuns(ctx, limit)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to list runs", err)
	}
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(runs)
	}
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(os.Stderr, "No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN ID\tSTATUS\tDONE\tFAILED\tSTARTED\tDURATION")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.RunID,
			r.Status,
			r.Done,
			r.Failed,
			r.StartedAt.UTC().Format(time.RFC3339),
			duration,
		)
	}
	_ = w.Flush()
	return nil
}

func printRunDates(ctx context.Context, cat *catalog.Catalog, runID string, jsonOutput bool) error {
	run, err := cat.GetRun(ctx, runID)
	if err != nil {
		if catalog.IsNotFound(err) {
			return exitError(foundry.ExitInvalidArgument, "Unknown run", err)
		}
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read run", err)
	}
	states, err := cat.DateStates(ctx, runID)
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to read date states", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Run   *catalog.Run        `json:"run"`
			Dates []catalog.DateState `json:"dates"`
		}{run, states})
	}

	_, _ = fmt.Fprintf(os.Stderr, "Run %s: %s (%d done, %d failed)\n\n", run.RunID, run.Status, run.Done, run.Failed)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATE\tSTATE\tKIND\tREASON")
	for _, s := range states {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Date.Format(time.DateOnly), s.State, s.Kind, s.Reason)
	}
	_ = w.Flush()
	return nil
}

// gcResult is the outcome of one collection pass.
type gcResult struct {
	Grids       []catalog.Grid
	BytesFreed  int64
	TempRemoved int
}

func runCatalogGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	jsonOutput, _ := cmd.Flags().GetBool("json")
	tempAgeStr, _ := cmd.Flags().GetString("temp-age")

	filter, err := gridFilter(cmd)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid filter", err)
	}
	tempAge, err := parseDuration(tempAgeStr)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --temp-age", err)
	}
	cfg, err := runtimeConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	st, err := store.NewFS(cfg.DataRoot)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open data root", err)
	}
	cat, err := openCatalog(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = cat.Close() }()

	result, err := collectGrids(ctx, cat, st, filter, tempAge, dryRun)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Garbage collection failed", err)
	}

	if jsonOutput {
		grids := make([]jsonGrid, 0, len(result.Grids))
		for _, g := range result.Grids {
			grids = append(grids, toJSONGrid(g))
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			DryRun      bool       `json:"dry_run"`
			Grids       []jsonGrid `json:"grids"`
			BytesFreed  int64      `json:"bytes_freed"`
			TempRemoved int        `json:"temp_removed"`
		}{dryRun, grids, result.BytesFreed, result.TempRemoved})
	}

	action := "Removed"
	if dryRun {
		action = "Would remove"
		_, _ = fmt.Fprintln(os.Stderr, "DRY RUN - no changes made")
	}
	_, _ = fmt.Fprintf(os.Stderr, "%s %d grid(s), %s\n", action, len(result.Grids), formatBytes(result.BytesFreed))
	if result.TempRemoved > 0 {
		_, _ = fmt.Fprintf(os.Stderr, "Swept %d temporary file(s)\n", result.TempRemoved)
	}
	if len(result.Grids) > 0 {
		_ = printGridsTable(result.Grids)
	}
	return nil
}

// collectGrids removes collectable grids from disk, then from the catalog.
// A grid whose files cannot be removed keeps its row so a later pass can
// retry.
func collectGrids(ctx context.Context, cat *catalog.Catalog, st *store.FS, filter catalog.Filter, tempAge time.Duration, dryRun bool) (*gcResult, error) {
	grids, err := cat.Collectable(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find collectable grids: %w", err)
	}

	result := &gcResult{}
	if dryRun {
		result.Grids = grids
		for _, g := range grids {
			result.BytesFreed += g.Bytes
		}
		return result, nil
	}

	u, err := unpack.New(st, unpack.Config{Logger: observability.CLILogger})
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, g := range grids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := u.Remove(g.Key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", g.Key, err))
			continue
		}
		if err := cat.DeleteGrid(ctx, g.Key); err != nil {
			errs = append(errs, fmt.Errorf("uncatalog %s: %w", g.Key, err))
			continue
		}
		result.Grids = append(result.Grids, g)
		result.BytesFreed += g.Bytes
	}

	if tempAge > 0 {
		n, err := st.SweepTemp(tempAge)
		if err != nil {
			observability.CLILogger.Warn("Temporary file sweep incomplete", zap.Error(err))
		}
		result.TempRemoved = n
	}
	return result, errors.Join(errs...)
}

// parseDuration extends time.ParseDuration with a day suffix (e.g. 7d).
func parseDuration(s string) (time.Duration, error) {
	if len(s) > 0 && s[len(s)-1] == 'd' {
		var days int
		if _, err := fmt.Sscanf(s, "%dd", &days); err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
