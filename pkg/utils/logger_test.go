package utils

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	t.Run("debug level returns development logger", func(t *testing.T) {
		logger, err := NewLogger("debug")
		if err != nil {
			t.Fatalf("NewLogger(debug) error: %v", err)
		}
		if logger == nil {
			t.Fatal("NewLogger(debug) returned nil logger")
		}
		if !logger.Core().Enabled(zapcore.DebugLevel) {
			t.Error("debug logger should enable debug level")
		}
		_ = logger.Sync()
	})

	t.Run("warn level filters info", func(t *testing.T) {
		logger, err := NewLogger("WARN")
		if err != nil {
			t.Fatalf("NewLogger(WARN) error: %v", err)
		}
		if logger.Core().Enabled(zapcore.InfoLevel) {
			t.Error("warn logger should not enable info level")
		}
		_ = logger.Sync()
	})

	t.Run("empty level defaults to info", func(t *testing.T) {
		logger, err := NewLogger("")
		if err != nil {
			t.Fatalf("NewLogger(\"\") error: %v", err)
		}
		if !logger.Core().Enabled(zapcore.InfoLevel) {
			t.Error("info should be enabled")
		}
		_ = logger.Sync()
	})

	t.Run("unknown level is an error", func(t *testing.T) {
		if _, err := NewLogger("chatty"); err == nil {
			t.Fatal("expected error for unknown level")
		}
	})
}
