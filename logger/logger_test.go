package logger

import (
	"os"
	"testing"

	"go.uber.org/zap"
)

func TestInitialize(t *testing.T) {
	tests := []struct {
		name       string
		jsonOutput bool
	}{
		{name: "JSON output mode", jsonOutput: true},
		{name: "Console output mode", jsonOutput: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Logger = nil
			JSONOutput = false

			if err := Initialize(tt.jsonOutput); err != nil {
				t.Fatalf("Initialize() error = %v", err)
			}

			if Logger == nil {
				t.Error("Initialize() did not set global Logger")
			}
			if JSONOutput != tt.jsonOutput {
				t.Errorf("Initialize() JSONOutput = %v, want %v", JSONOutput, tt.jsonOutput)
			}

			if Logger != nil {
				Logger.Sync()
				Logger = nil
			}
		})
	}
}

func TestLoadThemeFromEnv(t *testing.T) {
	defer os.Unsetenv("LSP_MCP_LOG_THEME")
	currentTheme = "everforest"

	os.Setenv("LSP_MCP_LOG_THEME", "gruvbox")
	loadThemeFromEnv()
	if currentTheme != "gruvbox" {
		t.Errorf("expected theme gruvbox, got %s", currentTheme)
	}

	os.Setenv("LSP_MCP_LOG_THEME", "not-a-theme")
	loadThemeFromEnv()
	if currentTheme != "gruvbox" {
		t.Errorf("unknown theme should not override current theme, got %s", currentTheme)
	}
}

func TestCleanup(t *testing.T) {
	tests := []struct {
		name        string
		setupLogger bool
	}{
		{name: "Cleanup with initialized logger", setupLogger: true},
		{name: "Cleanup with nil logger", setupLogger: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setupLogger {
				zapLogger, err := zap.NewDevelopment()
				if err != nil {
					t.Fatalf("failed to create test logger: %v", err)
				}
				Logger = zapLogger.Sugar()
			} else {
				Logger = nil
			}

			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Cleanup() panicked unexpectedly: %v", r)
				}
			}()

			Cleanup()

			if tt.setupLogger && Logger == nil {
				t.Error("Cleanup() should not nil out the logger")
			}
			Logger = nil
		})
	}
}

func newTestLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	zapLogger, err := config.Build()
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	return zapLogger.Sugar()
}

func TestLoggingFunctions(t *testing.T) {
	Logger = newTestLogger(t)
	defer func() {
		if Logger != nil {
			Logger.Sync()
			Logger = nil
		}
	}()

	t.Run("Info functions", func(t *testing.T) {
		Info("test")
		Infof("test %s", "format")
		Infow("test", "key", "value")
	})

	t.Run("Error functions", func(t *testing.T) {
		Error("test")
		Errorf("test %s", "format")
		Errorw("test", "key", "value")
	})

	t.Run("Warn functions", func(t *testing.T) {
		Warn("test")
		Warnf("test %s", "format")
		Warnw("test", "key", "value")
	})

	t.Run("Debug functions", func(t *testing.T) {
		Debug("test")
		Debugf("test %s", "format")
		Debugw("test", "key", "value")
	})

	t.Run("With nil logger", func(t *testing.T) {
		Logger = nil
		Info("test")
		Infof("test %s", "format")
		Infow("test", "key", "value")
		Error("test")
		Warn("test")
		Debug("test")
	})
}

func BenchmarkInitialize(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Logger = nil
		Initialize(false)
		if Logger != nil {
			Logger.Sync()
		}
	}
}

func BenchmarkInfow(b *testing.B) {
	Logger = zap.NewNop().Sugar()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Infow("test message", "iteration", i, "key", "value")
	}
}
