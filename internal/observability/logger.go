// Package observability holds the CLI logger and the run metrics.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It is a no-op until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

var cliLevel = zap.NewAtomicLevelAt(zap.InfoLevel)

// InitCLILogger builds a console logger on stderr named after the binary.
// Verbose lowers the level to debug.
func InitCLILogger(name string, verbose bool) {
	if verbose {
		cliLevel.SetLevel(zap.DebugLevel)
	} else {
		cliLevel.SetLevel(zap.InfoLevel)
	}
	CLILogger = NewLogger(zapcore.Lock(os.Stderr), cliLevel).Named(name)
}

// SetCLILevel changes the level of CLILogger, e.g. from runtime config.
// An empty level is ignored.
func SetCLILevel(level string) error {
	if strings.TrimSpace(level) == "" {
		return nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cliLevel.SetLevel(lvl)
	return nil
}

// NewLogger builds a console logger writing to ws at the given level.
func NewLogger(ws zapcore.WriteSyncer, level zapcore.LevelEnabler) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	enc.CallerKey = ""
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), ws, level)
	return zap.New(core)
}
