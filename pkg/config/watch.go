package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher marks the rule file dirty when it changes on disk. Reloads never
// happen mid-cycle: the engine checks Reload at cycle boundaries, so one run
// always sees one consistent rule table.
type Watcher struct {
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	dirty    atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// Watch starts watching one rule file. The parent directory is watched so
// editor rename-over-save is seen as well.
func Watch(path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     path,
		debounce: 200 * time.Millisecond,
		watcher:  fsw,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			w.dirty.Store(true)
			slog.Info("Rule file changed, reload scheduled", "path", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Rule file watcher error", "error", err)
		}
	}
}

// Reload returns a freshly loaded config when the file changed since the
// last call, nil otherwise. A file that no longer parses keeps the previous
// config in force and stays dirty for the next boundary.
func (w *Watcher) Reload() (*Config, error) {
	if !w.dirty.Load() {
		return nil, nil
	}
	cfg, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	w.dirty.Store(false)
	return cfg, nil
}

// Stop releases the underlying watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
}
