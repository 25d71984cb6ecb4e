package logger

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// stripANSI removes ANSI color codes from a string for testing.
func stripANSI(str string) string {
	ansiRegex := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return ansiRegex.ReplaceAllString(str, "")
}

func TestMinimalEncoderExtractsTrackedFields(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "backend-manager",
		Message:    "backend ready",
	}

	fields := []zapcore.Field{
		zap.String(FieldBackendID, "python-1"),
		zap.String(FieldLanguage, "python"),
		zap.Int64(FieldDurationMS, 42),
	}

	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}

	output := stripANSI(buf.String())

	for _, want := range []string{"python-1", "python", "42ms", "backend-manager", "backend ready"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected output to contain %q, got %q", want, output)
		}
	}
}

func TestMinimalEncoderUntrackedFieldsAreOmitted(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "dispatch",
		Message:    "dispatching tool",
	}

	fields := []zapcore.Field{
		zap.String("unrelated_field", "should-not-appear"),
	}

	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		t.Fatalf("EncodeEntry() error = %v", err)
	}

	output := stripANSI(buf.String())
	if strings.Contains(output, "should-not-appear") {
		t.Errorf("expected untracked field to be omitted, got %q", output)
	}
}

func TestMinimalEncoderWarnAndErrorLevelsAreLabeled(t *testing.T) {
	encoder := newMinimalEncoder()

	for _, level := range []zapcore.Level{zapcore.WarnLevel, zapcore.ErrorLevel} {
		entry := zapcore.Entry{
			Level:   level,
			Time:    time.Now(),
			Message: "something happened",
		}

		buf, err := encoder.EncodeEntry(entry, nil)
		if err != nil {
			t.Fatalf("EncodeEntry() error = %v", err)
		}

		output := stripANSI(buf.String())
		if !strings.Contains(output, level.CapitalString()) {
			t.Errorf("expected level label %s in output, got %q", level.CapitalString(), output)
		}
	}
}

func TestAbbreviateName(t *testing.T) {
	cases := map[string]string{
		"server":          "server",
		"backend-manager": "backend-manager",
		"pool.workspace":  "p.workspace",
	}
	for in, want := range cases {
		if got := abbreviateName(in); got != want {
			t.Errorf("abbreviateName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSetTheme(t *testing.T) {
	defer func() { currentTheme = "everforest" }()

	SetTheme("gruvbox")
	if currentTheme != "gruvbox" {
		t.Errorf("expected gruvbox, got %s", currentTheme)
	}

	SetTheme("not-a-real-theme")
	if currentTheme != "gruvbox" {
		t.Errorf("unknown theme should be ignored, got %s", currentTheme)
	}
}
