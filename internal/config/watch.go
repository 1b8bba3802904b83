package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadSettle is how long the file must stay quiet before it is reloaded.
const reloadSettle = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes the new Config to
// onChange. It runs until ctx is cancelled.
//
// The parent directory is watched so editors that save through a rename are
// followed. Bursts of events are coalesced, and a file whose contents did
// not change since the last applied reload is ignored. A reload that fails
// to parse or validate is logged and skipped; the caller keeps its previous
// config.
func Watch(ctx context.Context, path string, logger *slog.Logger, onChange func(*Config)) error {
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)
	applied, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(path), err)
	}
	logger.Info("config: watching for changes", "path", path)

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			settle.Reset(reloadSettle)

		case <-settle.C:
			data, err := os.ReadFile(path)
			if err != nil {
				// Mid-rename; the Create that follows re-arms the timer.
				logger.Debug("config: reload deferred", "path", path, "err", err)
				continue
			}
			if bytes.Equal(data, applied) {
				continue
			}
			cfg, err := Parse(data)
			if err != nil {
				logger.Error("config: reload failed, keeping previous config", "path", path, "err", err)
				continue
			}
			applied = data
			logger.Info("config: reloaded",
				"path", path,
				"min_batch_size", cfg.Client.MinBatchSize,
				"max_batch_size", cfg.Client.MaxBatchSize)
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config: watcher error", "path", path, "err", err)
		}
	}
}
