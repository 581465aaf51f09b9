package taskstore

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"devloop/internal/events"
	"devloop/internal/logging"
)

// Watch emits a tasks:file_changed event whenever the tasks file is
// written or renamed by another process. The watcher observes the parent
// directory because atomic renames replace the file inode. Returns when
// ctx is canceled.
func (s *Store) Watch(ctx context.Context, bus *events.Bus) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	log := logging.Get(logging.CategoryTaskStore)
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			bus.Emit(events.TypeTasksFileChanged, map[string]any{
				"path": s.path,
				"op":   ev.Op.String(),
			}, events.EmitOptions{})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnw("watcher error", "error", err)
		}
	}
}
