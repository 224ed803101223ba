package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(testContext *testing.T) {
	testCases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		" INFO ":  zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"verbose": zapcore.InfoLevel,
	}
	for input, expected := range testCases {
		if got := ParseLevel(input); got != expected {
			testContext.Fatalf("ParseLevel(%q) = %s, want %s", input, got, expected)
		}
	}
}

func TestNewLoggerHonorsLevel(testContext *testing.T) {
	for _, format := range []string{"json", "console"} {
		logger, err := NewLogger("warn", format)
		if err != nil {
			testContext.Fatalf("failed to build %s logger: %v", format, err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) {
			testContext.Fatalf("expected info to be disabled for %s logger", format)
		}
		if !logger.Core().Enabled(zapcore.WarnLevel) {
			testContext.Fatalf("expected warn to be enabled for %s logger", format)
		}
	}
}
