package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// configWatcher calls reload after the watched file settles. The parent
// directory is watched because editors commonly replace files by rename.
type configWatcher struct {
	path     string
	debounce time.Duration
	reload   func(context.Context)
	logger   *slog.Logger
}

func newConfigWatcher(path string, logger *slog.Logger, reload func(context.Context)) *configWatcher {
	return &configWatcher{path: filepath.Clean(path), debounce: 300 * time.Millisecond, reload: reload, logger: logger}
}

// Run blocks until ctx ends.
func (w *configWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			w.reload(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}
