// Package config loads the climgrid runtime configuration.
//
// Values are layered, lowest first: built-in defaults, a config file
// (climgrid.yaml in the working directory or the user config directory, or
// the file named by --config / CLIMGRID_CONFIG), CLIMGRID_* environment
// variables, then runtime overrides passed to Load.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/3leaps/climgrid/pkg/pipeline"
)

const (
	// AppName names the config file and the user config directory.
	AppName = "climgrid"

	// EnvPrefix prefixes every environment variable.
	EnvPrefix = "CLIMGRID"

	// EnvConfigFile names an explicit config file.
	EnvConfigFile = EnvPrefix + "_CONFIG"
)

// Config is the runtime configuration shared by all commands.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`

	// DataRoot holds archives, grids, metadata and the catalog.
	DataRoot string `mapstructure:"data_root"`

	// Workers is the default worker count when a manifest sets none.
	Workers int `mapstructure:"workers"`

	Fetch   FetchConfig   `mapstructure:"fetch"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Retention is the default when a manifest sets none: keep or clean.
	Retention string `mapstructure:"retention"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// FetchConfig configures archive downloads.
type FetchConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	Attempts       int           `mapstructure:"attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// CatalogConfig locates the catalog database. An empty Path and URL mean
// <data_root>/catalog.db.
type CatalogConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

// MetricsConfig configures the HTTP server exposing /metrics during a run.
type MetricsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// envSpec binds one environment variable to a config key.
type envSpec struct {
	Name string
	Path string
}

var (
	configMu   sync.RWMutex
	appConfig  *Config
	configFile string
)

// SetConfigFile selects an explicit config file for subsequent loads.
// An empty path restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// Load builds the configuration and makes it the current one.
//
// Each override is a nested map merged on top of everything else, e.g.
// {"fetch": {"attempts": 5}}.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.Catalog.Path == "" && cfg.Catalog.URL == "" {
		cfg.Catalog.Path = filepath.Join(cfg.DataRoot, "catalog.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the configuration from the last successful Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if c.DataRoot == "" {
		errs = append(errs, errors.New("data_root: must not be empty"))
	}
	if c.Workers < 1 || c.Workers > 64 {
		errs = append(errs, fmt.Errorf("workers: %d is outside 1-64", c.Workers))
	}
	if c.Fetch.Attempts < 1 {
		errs = append(errs, fmt.Errorf("fetch.attempts: %d must be at least 1", c.Fetch.Attempts))
	}
	if c.Fetch.Timeout <= 0 {
		errs = append(errs, errors.New("fetch.timeout: must be positive"))
	}
	if c.Fetch.MaxBackoff < c.Fetch.InitialBackoff {
		errs = append(errs, errors.New("fetch.max_backoff: must not be below fetch.initial_backoff"))
	}
	if c.Fetch.RateLimit < 0 {
		errs = append(errs, errors.New("fetch.rate_limit: must not be negative"))
	}
	if _, err := pipeline.ParseRetention(c.Retention); err != nil {
		errs = append(errs, fmt.Errorf("retention: %w", err))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr: required when metrics are enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("data_root", defaultDataRoot())
	v.SetDefault("workers", 4)

	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.attempts", 3)
	v.SetDefault("fetch.initial_backoff", "1s")
	v.SetDefault("fetch.max_backoff", "15s")
	v.SetDefault("fetch.rate_limit", 0.0)
	v.SetDefault("fetch.user_agent", AppName)

	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.url", "")
	v.SetDefault("catalog.auth_token", "")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9090")
	v.SetDefault("metrics.shutdown_timeout", "5s")

	v.SetDefault("retention", string(pipeline.RetentionKeep))
}

// defaultDataRoot is the user cache directory, or ./.climgrid when there is
// none.
func defaultDataRoot() string {
	dir, err := os.UserCacheDir()
	if err != nil || dir == "" {
		return "." + AppName
	}
	return filepath.Join(dir, AppName)
}

func readConfigFile(v *viper.Viper) error {
	configMu.RLock()
	explicit := configFile
	configMu.RUnlock()
	if explicit == "" {
		explicit = os.Getenv(EnvConfigFile)
	}

	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", explicit, err)
		}
		return nil
	}

	v.SetConfigName(AppName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	for _, p := range getUserConfigPaths() {
		v.AddConfigPath(p)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getUserConfigPaths lists the per-user directories searched for
// climgrid.yaml.
func getUserConfigPaths() []string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return nil
	}
	return []string{filepath.Join(dir, AppName)}
}

// getEnvSpecs maps CLIMGRID_* variables to config keys. Nested keys use
// underscores: fetch.rate_limit is CLIMGRID_FETCH_RATE_LIMIT.
func getEnvSpecs() []envSpec {
	keys := []string{
		"data_root",
		"workers",
		"fetch.timeout",
		"fetch.attempts",
		"fetch.initial_backoff",
		"fetch.max_backoff",
		"fetch.rate_limit",
		"fetch.user_agent",
		"catalog.path",
		"catalog.url",
		"catalog.auth_token",
		"metrics.enabled",
		"metrics.addr",
		"metrics.shutdown_timeout",
		"retention",
	}
	specs := []envSpec{{Name: EnvPrefix + "_LOG_LEVEL", Path: "logging.level"}}
	for _, k := range keys {
		name := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(k, ".", "_"))
		specs = append(specs, envSpec{Name: name, Path: k})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
