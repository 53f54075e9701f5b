package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces bursts of filesystem events from editors that
// write via rename-and-replace.
const debounceWindow = 200 * time.Millisecond

// WatchDefinitions watches the definitions file and invokes onChange with the
// freshly loaded definitions whenever it changes. Parse errors keep the
// previous definitions in effect. The watcher runs until ctx is cancelled.
func WatchDefinitions(ctx context.Context, path string, logger *slog.Logger, onChange func(*Definitions)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the parent directory: rename-and-replace swaps the inode, so a
	// watch on the file itself goes stale after the first save.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var timerC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounceWindow)
					timerC = timer.C
				} else {
					timer.Reset(debounceWindow)
				}
			case <-timerC:
				timer = nil
				timerC = nil
				defs, err := LoadDefinitions(path)
				if err != nil {
					logger.Warn("definitions reload failed, keeping previous", "path", path, "error", err)
					continue
				}
				logger.Info("definitions reloaded", "path", path, "image", defs.Image)
				onChange(defs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("definitions watcher error", "error", err)
			}
		}
	}()

	return nil
}
