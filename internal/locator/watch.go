package locator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig configures Watch.
type WatchConfig struct {
	Path     string
	Preset   string
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watch reloads the locator file whenever it changes and hands every valid
// result to onChange. Invalid edits are logged and ignored so the last good
// set stays active. It blocks until ctx is done.
func Watch(ctx context.Context, cfg WatchConfig, onChange func(Site)) error {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Editors usually replace the file, so watch the directory.
	dir, name := filepath.Split(filepath.Clean(cfg.Path))
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		site, err := Load(cfg.Preset, cfg.Path)
		if err != nil {
			cfg.Logger.Warn("locator reload rejected", "path", cfg.Path, "err", err)
			return
		}
		cfg.Logger.Info("locators reloaded", "path", cfg.Path, "preset", site.Name)
		onChange(site)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(cfg.Debounce, reload)
			mu.Unlock()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			cfg.Logger.Warn("locator watcher error", "err", err)
		}
	}
}
