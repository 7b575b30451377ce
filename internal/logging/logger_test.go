// Package logging includes tests for the zap logger helpers.
package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Development: true})
	if err != nil {
		t.Fatalf("New(dev) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{})
	if err != nil {
		t.Fatalf("New(prod) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

func TestNewWritesRotatingFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "harvester.log")
	logger, err := New(Options{File: path, MaxSizeMB: 1})
	if err != nil {
		t.Fatalf("New(file) error = %v", err)
	}
	logger.Info("file sink ready")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "file sink ready") {
		t.Fatalf("log file missing entry: %q", data)
	}
}

func TestNewRejectsNegativeRotation(t *testing.T) {
	t.Parallel()

	_, err := New(Options{File: filepath.Join(t.TempDir(), "x.log"), MaxBackups: -1})
	if err == nil {
		t.Fatal("expected error for negative rotation limit")
	}
}
