package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	testCases := []struct {
		level    string
		expected zapcore.Level
	}{
		{level: "debug", expected: zapcore.DebugLevel},
		{level: "", expected: zapcore.InfoLevel},
		{level: "WARNING", expected: zapcore.WarnLevel},
		{level: "error", expected: zapcore.ErrorLevel},
		{level: "verbose", expected: zapcore.InfoLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.level, func(t *testing.T) {
			logger, err := NewLogger(testCase.level, "json")
			if err != nil {
				t.Fatalf("unexpected logger error: %v", err)
			}
			if !logger.Core().Enabled(testCase.expected) {
				t.Fatalf("expected level %s to be enabled", testCase.expected)
			}
			if testCase.expected > zapcore.DebugLevel && logger.Core().Enabled(testCase.expected-1) {
				t.Fatalf("expected level below %s to be disabled", testCase.expected)
			}
		})
	}
}

func TestNewLoggerConsoleFormat(t *testing.T) {
	logger, err := NewLogger("info", "console")
	if err != nil {
		t.Fatalf("unexpected logger error: %v", err)
	}
	if logger == nil {
		t.Fatalf("expected logger")
	}
}
