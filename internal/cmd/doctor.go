package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/climgrid/internal/config"
	"github.com/3leaps/climgrid/internal/observability"
	"github.com/3leaps/climgrid/pkg/catalog"
	"github.com/3leaps/climgrid/pkg/provider"
	"github.com/3leaps/climgrid/pkg/provider/s3"
	"github.com/3leaps/climgrid/pkg/store"
)

const (
	imdsTimeout = 2 * time.Second

	// mirrorPage bounds the listing done by the mirror check.
	mirrorPage = 10
)

var (
	doctorSource   string
	doctorMirror   string
	doctorEndpoint string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the system and suggest fixes for common issues.

Examples:
  climgrid doctor              # Full environment check
  climgrid doctor --source s3  # Also check AWS credentials for s3:// sources
  climgrid doctor --source s3 --mirror s3://prism-mirror/daily/ppt/`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorSource, "source", "", "Run source-specific checks (s3)")
	doctorCmd.Flags().StringVar(&doctorMirror, "mirror", "", "With --source s3, list this s3://bucket/prefix to check access")
	doctorCmd.Flags().StringVar(&doctorEndpoint, "endpoint", "", "Custom endpoint for S3-compatible mirrors")
}

// checker numbers and logs diagnostic checks.
type checker struct {
	log    *zap.Logger
	num    int
	total  int
	failed int
}

func (c *checker) pass(name, detail string, fields ...zap.Field) {
	c.num++
	c.log.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", c.num, c.total, name, detail), fields...)
}

func (c *checker) warn(name, detail string, fields ...zap.Field) {
	c.num++
	c.log.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", c.num, c.total, name, detail), fields...)
}

func (c *checker) fail(name, detail string, fields ...zap.Field) {
	c.num++
	c.failed++
	c.log.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", c.num, c.total, name, detail), fields...)
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	log := observability.CLILogger

	if doctorSource != "" && doctorSource != "s3" {
		return exitError(foundry.ExitInvalidArgument, "Unknown --source", fmt.Errorf("%q (supported: s3)", doctorSource))
	}
	if doctorMirror != "" && doctorSource != "s3" {
		return exitError(foundry.ExitInvalidArgument, "--mirror requires --source s3", nil)
	}

	log.Info("=== " + binaryName + " doctor ===")
	log.Info("")
	log.Info("Running diagnostic checks...")
	log.Info("")

	c := &checker{log: log, total: 6}
	if doctorSource == "s3" {
		c.total = 8
		if doctorMirror != "" {
			c.total++
		}
	}

	// Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.25" {
		c.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		c.warn("Go version", goVersion+" (recommended: go1.25+)", zap.String("go_version", goVersion))
	}

	// Crucible and gofulmen
	version := crucible.GetVersion()
	if version.Crucible != "" && version.Gofulmen != "" {
		c.pass("Crucible access", fmt.Sprintf("crucible v%s, gofulmen v%s", version.Crucible, version.Gofulmen),
			zap.String("crucible_version", version.Crucible),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		c.fail("Crucible access", "Cannot access Crucible")
	}

	// Config
	cfg, err := runtimeConfig(ctx)
	if err != nil {
		c.fail("configuration", "Invalid configuration", zap.Error(err))
	} else {
		configDir, dirErr := os.UserConfigDir()
		if dirErr != nil {
			configDir = "(none)"
		}
		c.pass("configuration", "loaded",
			zap.String("config_dir", filepath.Join(configDir, config.AppName)),
			zap.String("log_level", cfg.Logging.Level))
	}

	// Data root
	if cfg == nil {
		c.fail("data root", "skipped (no configuration)")
	} else if err := checkDataRoot(cfg.DataRoot); err != nil {
		c.fail("data root", "Not writable", zap.String("data_root", cfg.DataRoot), zap.Error(err))
	} else {
		c.pass("data root", cfg.DataRoot, zap.String("data_root", cfg.DataRoot))
	}

	// Catalog
	if cfg == nil {
		c.fail("catalog", "skipped (no configuration)")
	} else if err := checkCatalog(ctx, cfg); err != nil {
		c.warn("catalog", "Unavailable (runs continue without bookkeeping)",
			zap.String("catalog", catalogTarget(cfg)), zap.Error(err))
	} else {
		c.pass("catalog", catalogTarget(cfg))
	}

	// Environment
	c.pass("environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	if doctorSource == "s3" {
		runS3Checks(ctx, c)
	}
	if doctorMirror != "" {
		if n, err := checkMirror(ctx, doctorMirror, doctorEndpoint); err != nil {
			c.fail("archive mirror", "Cannot list "+doctorMirror, zap.Error(err))
		} else {
			c.pass("archive mirror", fmt.Sprintf("%s (%d object(s) in first page)", doctorMirror, n))
		}
	}

	log.Info("")
	defer log.Info("=== End Diagnostics ===")
	if c.failed > 0 {
		log.Warn("⚠️  Some checks failed. Review the output above for details.")
		log.Info("")
		return exitError(foundry.ExitExternalServiceUnavailable, "Diagnostics failed",
			fmt.Errorf("%d of %d checks failed", c.failed, c.total))
	}
	log.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", binaryName))
	log.Info("")
	return nil
}

// checkDataRoot verifies the data root can hold new files.
func checkDataRoot(root string) error {
	st, err := store.NewFS(root)
	if err != nil {
		return err
	}
	probe := filepath.Join(st.Root(), ".doctor-probe")
	if err := st.Create(probe, func(w io.Writer) error {
		_, err := io.WriteString(w, "ok\n")
		return err
	}); err != nil {
		return err
	}
	return st.Remove(probe)
}

func checkCatalog(ctx context.Context, cfg *config.Config) error {
	cat, err := catalog.Open(ctx, catalog.Config{
		Path:      cfg.Catalog.Path,
		URL:       cfg.Catalog.URL,
		AuthToken: cfg.Catalog.AuthToken,
	})
	if err != nil {
		return err
	}
	return errors.Join(cat.Ping(ctx), cat.Close())
}

// runS3Checks runs checks for s3:// archive sources.
func runS3Checks(ctx context.Context, c *checker) {
	c.log.Info("")
	c.log.Info("S3 Source Checks:")

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		c.fail("AWS credentials", "Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		c.fail("AWS region", "skipped (no AWS config)")
		return
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		c.fail("AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
	} else {
		source := creds.Source
		if source == "" {
			source = "unknown"
		}
		c.pass("AWS credentials", "Found credentials",
			zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
			zap.String("credential_source", source))
	}

	region := awsCfg.Region
	if region != "" {
		c.pass("AWS region", region, zap.String("region", region))
		return
	}
	if region, err = instanceRegion(ctx); err == nil {
		c.pass("AWS region", region+" (instance metadata)", zap.String("region", region))
		return
	}
	c.warn("AWS region", "Not set (set AWS_REGION or source.s3.region in the job manifest)", zap.Error(err))
}

// checkMirror lists the first page under an s3:// prefix.
func checkMirror(ctx context.Context, rawURL, endpoint string) (int, error) {
	bucket, prefix, err := s3.ParseURL(rawURL)
	if err != nil {
		return 0, err
	}
	p, err := s3.New(ctx, s3.Config{
		Bucket:         bucket,
		Endpoint:       endpoint,
		ForcePathStyle: endpoint != "",
		MaxKeys:        mirrorPage,
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = p.Close() }()

	page, err := p.List(ctx, provider.ListOptions{Prefix: prefix, MaxKeys: mirrorPage})
	if err != nil {
		return 0, err
	}
	return len(page.Objects), nil
}

// instanceRegion asks the EC2 instance metadata service for the region.
func instanceRegion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, imdsTimeout)
	defer cancel()

	out, err := imds.New(imds.Options{}).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", fmt.Errorf("instance metadata: %w", err)
	}
	return out.Region, nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set")
	observability.CLILogger.Info("  source.s3.endpoint in the job manifest")
	observability.CLILogger.Info("")
}
