package jsonstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher calls onChange after the registry file is written, created or
// replaced. Bursts of events within debounce collapse into one call.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func(ctx context.Context)
}

// NewWatcher creates a Watcher for the registry file at path.
func NewWatcher(path string, debounce time.Duration, onChange func(ctx context.Context)) *Watcher {
	return &Watcher{path: filepath.Clean(path), debounce: debounce, onChange: onChange}
}

// Run watches the registry's directory until ctx is canceled. The directory
// is created if needed, since the file itself is replaced on every write.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create registry watcher: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("watching registry", "path", w.path)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			slog.Debug("registry file event", "op", ev.Op.String())
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("registry watcher error", "error", err)

		case <-fire:
			fire = nil
			w.onChange(ctx)
		}
	}
}
