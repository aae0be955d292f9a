// Package watch monitors directories for incoming STAR particle files and
// invokes a handler once a file has settled. RELION jobs write metadata
// incrementally, so each file is debounced until writes stop for the
// configured settle interval.
package watch

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handler receives the path of a settled STAR file. Handlers run on timer
// goroutines and may fire concurrently for distinct paths.
type Handler func(path string)

// Watcher monitors directories for STAR file changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	dirs    []string
	settle  time.Duration
	log     *slog.Logger
	handle  Handler
	done    chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a watcher over the given directories. settle is how long a
// file must stay quiet before the handler fires.
func New(dirs []string, settle time.Duration, log *slog.Logger, handle Handler) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if settle <= 0 {
		settle = 2 * time.Second
	}

	return &Watcher{
		watcher: fsw,
		dirs:    dirs,
		settle:  settle,
		log:     log,
		handle:  handle,
		done:    make(chan struct{}),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}

	go w.processEvents()

	return nil
}

// Stop stops the watcher and cancels pending settle timers.
func (w *Watcher) Stop() error {
	close(w.done)

	w.mu.Lock()
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isStarFile(event.Name) {
				continue
			}

			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.schedule(event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.cancel(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// schedule arms (or re-arms) the settle timer for path.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		w.log.Info("star file settled", "path", path)
		w.handle(path)
	})
}

func (w *Watcher) cancel(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Stop()
		delete(w.timers, path)
	}
}

func isStarFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".star")
}
