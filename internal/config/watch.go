package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDelay coalesces the burst of events an editor save produces.
const reloadDelay = 100 * time.Millisecond

// Watch reloads path whenever it changes and passes each valid config to
// apply. Invalid files are logged and skipped. The parent directory is
// watched so atomic-rename saves are seen. Watch blocks until ctx is done.
func Watch(ctx context.Context, path string, log *slog.Logger, apply func(*Config)) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "config")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("watch error", "error", err)
		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				log.Warn("config reload rejected", "path", abs, "error", err)
				continue
			}
			log.Info("config reloaded", "path", abs)
			apply(cfg)
		}
	}
}

// Change names one hot-reloadable setting that differs between two configs.
type Change struct {
	Field string
	Old   any
	New   any
}

// Diff lists the hot-reloadable settings that differ from old to cur.
// Other settings only take effect on restart.
func Diff(old, cur *Config) []Change {
	var out []Change
	add := func(field string, a, b any) {
		if a != b {
			out = append(out, Change{Field: field, Old: a, New: b})
		}
	}
	add("log_level", old.LogLevel, cur.LogLevel)
	add("cache.max_size_mb", old.Cache.MaxSizeMB, cur.Cache.MaxSizeMB)
	add("playback.sync_threshold_ms", old.Playback.SyncThresholdMs, cur.Playback.SyncThresholdMs)
	add("playback.rate", old.Playback.Rate, cur.Playback.Rate)
	add("prefetch.look_ahead", old.Prefetch.LookAhead, cur.Prefetch.LookAhead)
	return out
}
