package session

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads store whenever its file is replaced or rewritten by another
// process and calls onChange after each effective reload. It blocks until
// ctx is done.
func Watch(ctx context.Context, store *FileStore, logger *slog.Logger, onChange func()) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: atomic renames replace the inode.
	dir := filepath.Dir(store.Path())
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(store.Path())

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			changed, err := store.Reload()
			if err != nil {
				logger.Warn("session file reload failed", "path", target, "error", err)
				continue
			}
			if changed {
				logger.Info("session file reloaded", "path", target)
				if onChange != nil {
					onChange()
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("session file watcher error", "error", err)
		}
	}
}
