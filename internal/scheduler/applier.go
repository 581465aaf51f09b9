package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"devloop/internal/logging"
	"devloop/internal/protocol"
)

// apply executes a validated change-set against the working directory.
// Patch operations use the (possibly fuzz-corrected) search anchors the
// gate rewrote in place; after validation every anchor is an exact
// substring of its target file.
func (s *Scheduler) apply(cs *protocol.ChangeSet) error {
	log := logging.Get(logging.CategoryScheduler)
	for _, op := range cs.Operations {
		full := filepath.Join(s.cfg.WorkDir, op.Path)
		switch op.Kind {
		case protocol.OpCreate, protocol.OpUpdate:
			if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
				return fmt.Errorf("failed to create directory for %s: %w", op.Path, err)
			}
			if err := os.WriteFile(full, []byte(op.Content), 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", op.Path, err)
			}
			log.Debugw("applied", "op", op.Kind, "path", op.Path, "bytes", len(op.Content))

		case protocol.OpPatch:
			data, err := os.ReadFile(full)
			if err != nil {
				return fmt.Errorf("failed to read %s for patching: %w", op.Path, err)
			}
			content := string(data)
			for i, p := range op.Patches {
				if !strings.Contains(content, p.Search) {
					return fmt.Errorf("patch %d anchor missing from %s after validation", i, op.Path)
				}
				content = strings.Replace(content, p.Search, p.Replace, 1)
			}
			if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
				return fmt.Errorf("failed to write patched %s: %w", op.Path, err)
			}
			log.Debugw("applied", "op", "patch", "path", op.Path, "patches", len(op.Patches))

		case protocol.OpDelete:
			if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to delete %s: %w", op.Path, err)
			}
			log.Debugw("applied", "op", "delete", "path", op.Path)

		default:
			return fmt.Errorf("unknown operation kind %q for %s", op.Kind, op.Path)
		}
	}
	return nil
}
