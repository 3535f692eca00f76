// Package cmd implements the climgrid command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/climgrid/internal/config"
	"github.com/3leaps/climgrid/internal/observability"
)

const (
	// binaryName names the logger and banners.
	binaryName = "climgrid"

	// exitFailure is the code for errors without a specific one.
	exitFailure = 1
)

// versionInfo is set by main through SetVersionInfo.
var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

var (
	rootConfigFile string
	rootVerbose    bool
	rootDataRoot   string
)

var rootCmd = &cobra.Command{
	Use:   binaryName,
	Short: "Summarize gridded climate data over an area of interest",
	Long: `climgrid downloads daily or monthly climate grids, clips them to an
area of interest and writes one row of zonal statistics per date.

Runs are described by a job manifest (YAML, JSON or TOML). Runtime settings
come from climgrid.yaml, CLIMGRID_* environment variables and flags.

Examples:
  climgrid run --job ppt.yaml
  climgrid run --job ppt.yaml --plan
  climgrid catalog list --variable ppt
  climgrid doctor --source s3`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadRuntime,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigFile, "config", "", "Config file (default: ./climgrid.yaml or the user config dir)")
	rootCmd.PersistentFlags().BoolVarP(&rootVerbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&rootDataRoot, "data-root", "", "Override the data root (archives, grids, catalog)")
}

// SetVersionInfo records build metadata for the version command and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitCode(err)
}

// loadRuntime initializes logging and the runtime config before any command.
func loadRuntime(cmd *cobra.Command, _ []string) error {
	observability.InitCLILogger(binaryName, rootVerbose)

	config.SetConfigFile(rootConfigFile)
	var overrides map[string]any
	if rootDataRoot != "" {
		overrides = map[string]any{"data_root": rootDataRoot}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	if !rootVerbose {
		if err := observability.SetCLILevel(cfg.Logging.Level); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
		}
	}

	observability.CLILogger.Debug("Loaded runtime config",
		zap.String("data_root", cfg.DataRoot),
		zap.String("catalog", catalogTarget(cfg)),
		zap.Int("workers", cfg.Workers))
	return nil
}

// runtimeConfig returns the loaded config, loading defaults when a command
// runs without the root pre-run (tests).
func runtimeConfig(ctx context.Context) (*config.Config, error) {
	if cfg := config.GetConfig(); cfg != nil {
		return cfg, nil
	}
	return config.Load(ctx)
}

func catalogTarget(cfg *config.Config) string {
	if cfg.Catalog.URL != "" {
		return cfg.Catalog.URL
	}
	return cfg.Catalog.Path
}

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (exit code %d)", e.Message, e.Code)
	}
	return fmt.Sprintf("%s: %v (exit code %d)", e.Message, e.Err, e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit code: 0 for nil, the carried code for
// an *ExitError and 1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitFailure
}
