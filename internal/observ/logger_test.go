package observ

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_WritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "carepulse.log")

	logger, err := NewLogger("production", "info", path)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	logger.Info("alert escalated")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "alert escalated") {
		t.Errorf("log file missing entry, got %q", data)
	}
}

func TestNewLogger_InvalidLevelFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger("development", "loud", "")
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if logger.Core().Enabled(-1) {
		t.Error("debug should be disabled at the fallback level")
	}
}
