// Package logger provides structured logging for lspgate.
//
// It wraps go.uber.org/zap behind a process-wide *zap.SugaredLogger so both
// the aggregator process and every worker process share one logging idiom:
// JSON output for machine consumption (the default for workers, whose
// stdout is reserved for the MCP stdio transport so all logging goes to
// stderr) or a minimal, human-readable console encoder for an aggregator
// attached to a terminal.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Logger is the process-wide logger. Safe to use before Initialize is
	// called; it starts as a no-op sink.
	Logger *zap.SugaredLogger
	// JSONOutput records which mode Initialize was last called with.
	JSONOutput bool
)

func init() {
	// Prevents nil pointer panics if logging happens before Initialize.
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. jsonOutput selects structured JSON
// (zap's production config, Info level, written to stderr) over the minimal
// console encoder.
func Initialize(jsonOutput bool) error {
	JSONOutput = jsonOutput

	loadThemeFromEnv()

	var zapLogger *zap.Logger
	var err error

	if jsonOutput {
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		config.OutputPaths = []string{"stderr"}
		config.ErrorOutputPaths = []string{"stderr"}
		zapLogger, err = config.Build()
	} else {
		zapLogger = zap.New(
			zapcore.NewCore(
				newMinimalEncoder(),
				zapcore.AddSync(os.Stdout),
				zap.InfoLevel,
			),
		)
	}

	if err != nil {
		return err
	}

	Logger = zapLogger.Sugar()
	return nil
}

// loadThemeFromEnv reads the console theme from LSP_MCP_LOG_THEME. The
// default theme is set in minimal_encoder.go (currentTheme = "everforest").
func loadThemeFromEnv() {
	if theme := os.Getenv("LSP_MCP_LOG_THEME"); theme != "" {
		SetTheme(theme)
	}
}

// Cleanup flushes buffered log entries. Errors from Sync are frequently
// ignorable on stdout/stderr (EINVAL on macOS/Linux) so callers may discard
// the result.
func Cleanup() error {
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}

func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

func Error(args ...interface{}) {
	if Logger != nil {
		Logger.Error(args...)
	}
}

func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

func Warn(args ...interface{}) {
	if Logger != nil {
		Logger.Warn(args...)
	}
}

func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
