package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/voxqueue/voxqueue/internal/logging"
)

// Watcher monitors the config file for edits and fires onChange after a
// debounce window, so editors that write-then-rename (or write in several
// chunks) trigger a single reload.
type Watcher struct {
	watcher    *fsnotify.Watcher
	path       string
	debounceMs int
	onChange   func()
	stopCh     chan struct{}

	mu           sync.Mutex
	pendingTimer *time.Timer
}

// NewWatcher watches the directory containing path. Watching the parent
// instead of the file itself survives rename-based saves, which replace
// the inode fsnotify would otherwise be bound to.
func NewWatcher(path string, debounceMs int, onChange func()) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if debounceMs <= 0 {
		debounceMs = 500
	}

	w := &Watcher{
		watcher:    fsWatcher,
		path:       path,
		debounceMs: debounceMs,
		onChange:   onChange,
		stopCh:     make(chan struct{}),
	}

	if err := fsWatcher.Add(filepath.Dir(path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	L_debug("config: watching", "path", path)
	return w, nil
}

// Start begins watching. Spawns a goroutine internally.
func (w *Watcher) Start() {
	go w.run()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			L_warn("config: watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}

	isRelevant := event.Op&fsnotify.Write != 0 ||
		event.Op&fsnotify.Create != 0 ||
		event.Op&fsnotify.Rename != 0

	if !isRelevant {
		return
	}

	L_debug("config: file changed", "op", event.Op.String())
	w.triggerReload()
}

// triggerReload schedules onChange with debouncing.
func (w *Watcher) triggerReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingTimer != nil {
		w.pendingTimer.Stop()
	}

	w.pendingTimer = time.AfterFunc(time.Duration(w.debounceMs)*time.Millisecond, func() {
		w.mu.Lock()
		w.pendingTimer = nil
		w.mu.Unlock()

		L_info("config: changed, reloading")
		if w.onChange != nil {
			w.onChange()
		}
	})
}

// Stop stops watching for changes.
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.watcher.Close()
}
