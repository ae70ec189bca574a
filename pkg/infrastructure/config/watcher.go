package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it changes on disk and
// hands the freshly validated result to a callback. Only settings the
// daemon can apply at runtime (log level) should be taken from the
// reloaded config; structural settings require a restart.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	onReload func(*Config)
	stopCh   chan struct{}
	debounce time.Duration
}

// NewWatcher starts watching the given config file
func NewWatcher(path string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	// Watch the directory: editors often replace files atomically,
	// which drops a watch placed on the file itself.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &Watcher{
		watcher:  fsw,
		path:     path,
		onReload: onReload,
		stopCh:   make(chan struct{}),
		debounce: 250 * time.Millisecond,
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	var timer *time.Timer
	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			// Debounce bursts of write events from a single save
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case _, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) reload() {
	config, err := LoadConfig(w.path)
	if err != nil {
		// An invalid edit keeps the previous configuration in effect
		return
	}
	w.onReload(config)
}

// Close stops the watcher
func (w *Watcher) Close() error {
	close(w.stopCh)
	return w.watcher.Close()
}
