// Package watch is the filesystem-notification layer: a thin fsnotify
// subscription plus the event-draining state machine that keeps exactly one
// active kernel watch per log source, either on the file itself in the
// normal case, or on its parent directory while waiting for the file to
// reappear after a rotate. fsnotify abstracts the inotify/kqueue/
// ReadDirectoryChangesW distinction so nothing here is platform-specific.
package watch

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// rawEvent is the subset of an fsnotify.Event the state machine in
// listener.go needs to reason about.
type rawEvent struct {
	path string
	op   fsnotify.Op
}

// watcher is the low-level fsnotify subscription: Add/Remove a path, read
// raw events and errors. It holds no opinion about what a path "means";
// that belongs to Listener.
type watcher struct {
	fsw *fsnotify.Watcher
}

func newWatcher() (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: new fsnotify watcher: %w", err)
	}
	return &watcher{fsw: fsw}, nil
}

func (w *watcher) add(path string) error {
	if err := w.fsw.Add(path); err != nil {
		return fmt.Errorf("watch: subscribe %q: %w", path, err)
	}
	return nil
}

func (w *watcher) remove(path string) {
	_ = w.fsw.Remove(path)
}

func (w *watcher) close() error {
	return w.fsw.Close()
}
