package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/3leaps/climgrid/internal/server/handlers"
)

var (
	versionJSON     bool
	versionExtended bool
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printVersion(cmd.OutOrStdout(), versionJSON, versionExtended)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
	versionCmd.Flags().BoolVar(&versionExtended, "extended", false, "Include Crucible and Gofulmen versions")
}

// buildInfo is the version payload shared by the CLI and /version.
func buildInfo() handlers.VersionInfo {
	return handlers.VersionInfo{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
	}
}

func printVersion(w io.Writer, asJSON, extended bool) error {
	info := buildInfo()
	cv := crucible.GetVersion()

	if asJSON {
		out := map[string]string{
			"version":    info.Version,
			"commit":     info.Commit,
			"build_date": info.BuildDate,
			"go_version": info.GoVersion,
		}
		if extended {
			out["crucible"] = cv.Crucible
			out["gofulmen"] = cv.Gofulmen
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	_, _ = fmt.Fprintf(w, "%s %s\n", binaryName, info.Version)
	if !extended {
		return nil
	}
	_, _ = fmt.Fprintf(w, "Commit:     %s\n", info.Commit)
	_, _ = fmt.Fprintf(w, "Built:      %s\n", info.BuildDate)
	_, _ = fmt.Fprintf(w, "Go:         %s\n", info.GoVersion)
	_, _ = fmt.Fprintf(w, "Crucible:   %s\n", cv.Crucible)
	_, _ = fmt.Fprintf(w, "Gofulmen:   %s\n", cv.Gofulmen)
	return nil
}
