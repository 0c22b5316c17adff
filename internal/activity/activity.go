// Package activity watches managed sessions' working directories and
// reports debounced file-change counts. The counts surface as low
// priority pulses so a noisy build never floods subscribers.
package activity

import (
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// excludedDirs are skipped when walking and watching.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
}

// PulseFunc receives the session id and the number of changes observed
// since the last pulse.
type PulseFunc func(sessionID string, changes int)

type Watcher struct {
	debounce time.Duration
	onPulse  PulseFunc

	mu       sync.Mutex
	watchers map[string]*dirWatcher
}

type dirWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu      sync.Mutex
	changes int
}

func New(debounce time.Duration, onPulse PulseFunc) *Watcher {
	return &Watcher{
		debounce: debounce,
		onPulse:  onPulse,
		watchers: make(map[string]*dirWatcher),
	}
}

// Watch starts watching workDir for a session. Watching the same session
// twice replaces the previous watch.
func (w *Watcher) Watch(sessionID, workDir string) error {
	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirsRecursive(fsW, workDir); err != nil {
		fsW.Close()
		return err
	}

	dw := &dirWatcher{
		sessionID: sessionID,
		workDir:   workDir,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
	}

	w.mu.Lock()
	if old, ok := w.watchers[sessionID]; ok {
		close(old.cancel)
		old.fsWatcher.Close()
	}
	w.watchers[sessionID] = dw
	w.mu.Unlock()

	go w.loop(dw)
	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	dw, ok := w.watchers[sessionID]
	if ok {
		delete(w.watchers, sessionID)
	}
	w.mu.Unlock()

	if ok {
		close(dw.cancel)
		dw.fsWatcher.Close()
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

func (w *Watcher) loop(dw *dirWatcher) {
	var timer *time.Timer

	for {
		select {
		case <-dw.cancel:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-dw.fsWatcher.Events:
			if !ok {
				return
			}

			// New directories join the watch set.
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						dw.fsWatcher.Add(event.Name)
					}
				}
			}

			dw.mu.Lock()
			dw.changes++
			dw.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.flush(dw)
			})

		case err, ok := <-dw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("activity: watcher error for session %s: %v", dw.sessionID, err)
		}
	}
}

func (w *Watcher) flush(dw *dirWatcher) {
	dw.mu.Lock()
	changes := dw.changes
	dw.changes = 0
	dw.mu.Unlock()

	if changes > 0 && w.onPulse != nil {
		w.onPulse(dw.sessionID, changes)
	}
}

func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if excludedDirs[name] && path != dir {
			return filepath.SkipDir
		}
		if isHidden(name) && path != dir {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
