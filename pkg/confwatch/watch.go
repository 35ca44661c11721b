// Package confwatch reloads a configuration file when it changes on disk.
//
// The parent directory is watched rather than the file itself so that
// editors and config-map mounts that replace the file by rename are seen.
// Bursts of events (truncate then write, rename then chmod) are collapsed
// into one reload after a short quiet period.
package confwatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last event before reloading.
const DefaultDebounce = 250 * time.Millisecond

// Watch calls load on path after every settled change and hands the result
// to onChange. It blocks until ctx is cancelled.
//
// If a reload fails (e.g. invalid YAML) the error is logged, the previous
// config stays active and onChange is not called.
func Watch[T any](ctx context.Context, path string, load func(string) (T, error), onChange func(T)) error {
	return watch(ctx, path, DefaultDebounce, load, onChange)
}

func watch[T any](ctx context.Context, path string, debounce time.Duration, load func(string) (T, error), onChange func(T)) error {
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	slog.Info("config: watching for changes", "path", path)

	timer := time.NewTimer(debounce)
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
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)

		case <-timer.C:
			cfg, err := load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", path, "err", err)
				continue
			}
			slog.Info("config: reloaded", "path", path)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}
