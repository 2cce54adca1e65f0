package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces the event bursts editors and atomic renames
// produce into a single reload.
const debounceDelay = 100 * time.Millisecond

// Watch reloads the manifests in dir whenever a .cue file changes and
// hands the result to onChange. Load failures are reported through
// onChange too, so a broken edit surfaces instead of silently keeping
// the previous set. Blocks until ctx is done.
func Watch(ctx context.Context, dir string, onChange func([]Worker, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch manifests: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch manifests: %w", err)
	}

	debounce := time.NewTimer(debounceDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".cue" {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(debounceDelay)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("manifest watcher error", "dir", dir, "error", err)

		case <-debounce.C:
			workers, err := Load(dir)
			if err != nil {
				slog.Warn("manifest reload failed", "dir", dir, "error", err)
			} else {
				slog.Info("manifests reloaded", "dir", dir, "workers", len(workers))
			}
			onChange(workers, err)
		}
	}
}
