package classroom

import (
	"path/filepath"
	"sync"
	"time"

	"sandboxd/internal/event"
	"sandboxd/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher publishes a RegistryEvent whenever the registry file changes.
// It watches the parent directory because the collaborator replaces the file
// atomically (write temp + rename), which drops a watch on the file itself.
type Watcher struct {
	watcher  *fsnotify.Watcher
	bus      *event.Bus[event.RegistryEvent]
	logger   *logging.Logger
	path     string
	debounce time.Duration

	mu      sync.Mutex
	pending *time.Timer
	closed  bool
	done    chan struct{}
}

type WatcherOptions struct {
	Path     string
	Bus      *event.Bus[event.RegistryEvent]
	Logger   *logging.Logger
	Debounce time.Duration
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	instance := &Watcher{
		watcher:  fsWatcher,
		bus:      opts.Bus,
		logger:   opts.Logger,
		path:     filepath.Clean(opts.Path),
		debounce: debounce,
		done:     make(chan struct{}),
	}

	if err := fsWatcher.Add(filepath.Dir(instance.path)); err != nil {
		fsWatcher.Close()
		return nil, err
	}

	go instance.run()
	return instance, nil
}

func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case fsEvent, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(fsEvent)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("classroom registry watch error", map[string]string{
				"error": err.Error(),
			})
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(fsEvent fsnotify.Event) {
	if filepath.Clean(fsEvent.Name) != w.path {
		return
	}
	if fsEvent.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.debounce, func() {
		w.logger.Debug("classroom registry changed", map[string]string{
			"path": w.path,
		})
		w.bus.Publish(event.NewRegistryEvent(w.path))
	})
}
