package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.log")
	logger, err := New("info", path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hello", zap.String("key", "value"))
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("log file is empty")
	}
}

func TestNewRejectsInvalidLevel(t *testing.T) {
	if _, err := New("not-a-level", ""); err == nil {
		t.Fatal("New: want error for invalid level")
	}
}

func TestNewPricesLoggerDisabledIsNoop(t *testing.T) {
	logger, err := NewPricesLogger(false, "")
	if err != nil {
		t.Fatalf("NewPricesLogger: %v", err)
	}
	logger.Info("should not panic")
}

func TestNewPricesLoggerRequiresFileWhenEnabled(t *testing.T) {
	if _, err := NewPricesLogger(true, ""); err == nil {
		t.Fatal("NewPricesLogger: want error when enabled without a file")
	}
}
