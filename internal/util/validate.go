package util

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// IsConfigured reports whether all provided values are non-empty.
func IsConfigured(values ...string) bool {
	for _, v := range values {
		if v == "" {
			return false
		}
	}
	return true
}

// CheckPathWritable creates dir if needed and verifies a file can be
// written to and removed from it.
func CheckPathWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("path writability check failed", "path", dir, "error", err, "step", "mkdir")
		return WrapError("create directory", err)
	}

	testFile := filepath.Join(dir, fmt.Sprintf(".andros-write-test-%d", time.Now().UnixNano()))
	f, err := os.Create(testFile)
	if err != nil {
		slog.Error("path writability check failed", "path", dir, "error", err, "step", "create")
		return WrapError("create test file", err)
	}

	// One WAV header worth of data.
	if _, err := f.Write(make([]byte, 44)); err != nil {
		_ = f.Close()
		_ = os.Remove(testFile)
		slog.Error("path writability check failed", "path", dir, "error", err, "step", "write")
		return WrapError("write test file", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(testFile)
		return WrapError("close test file", err)
	}
	if err := os.Remove(testFile); err != nil {
		slog.Error("path writability check failed", "path", dir, "error", err, "step", "remove")
		return WrapError("remove test file", err)
	}
	return nil
}
