package batch

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/adverant/nexus/digitizer-worker/internal/logging"
)

// WaitForInactivity blocks until no filesystem event has been seen under
// folder for quiet. New subdirectories are watched as they appear.
func WaitForInactivity(ctx context.Context, folder string, quiet time.Duration) error {
	if quiet <= 0 {
		return nil
	}
	logger := logging.NewLogger("InactivityMonitor")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watchTree(watcher, folder); err != nil {
		return fmt.Errorf("failed to watch %s: %w", folder, err)
	}

	logger.Info("Waiting for inactivity", "folder", folder, "quiet", quiet.String())
	timer := time.NewTimer(quiet)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-timer.C:
			logger.Info("Input folder idle, starting batch", "folder", folder)
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				// a new directory may bring files of its own
				_ = watchTree(watcher, ev.Name)
			}
			logger.Debug("Activity in input folder", "event", ev.String())
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(quiet)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error", "error", err)
		}
	}
}

// watchTree adds root and every non-hidden directory below it
func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
