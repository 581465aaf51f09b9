// Package fsutil holds small filesystem helpers shared by the on-disk
// stores. Every component that owns a file persists it through
// WriteFileAtomic so readers never observe a partial write.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// VerifyFunc checks that serialized bytes round-trip before the temp file
// is renamed over the target. A nil VerifyFunc skips verification.
type VerifyFunc func(data []byte) error

// WriteFileAtomic writes data to path using a temp-file-then-rename
// discipline: serialize to <path>.tmp, re-read and verify, then rename over
// the target. On any failure the temp file is removed and the error is
// returned; the target is never left partially written.
func WriteFileAtomic(path string, data []byte, verify VerifyFunc) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	readBack, err := os.ReadFile(tmp)
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to re-read temp file: %w", err)
	}
	if len(readBack) != len(data) {
		_ = os.Remove(tmp)
		return fmt.Errorf("temp file truncated: wrote %d bytes, read %d", len(data), len(readBack))
	}
	if verify != nil {
		if err := verify(readBack); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("temp file verification failed: %w", err)
		}
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
