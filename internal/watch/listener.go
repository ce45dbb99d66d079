package watch

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/lognot/lognotd/internal/source"
)

// Listener drains the raw fsnotify events, runs the removal-check/
// reappearance state machine over its subscribed sources, and surfaces the
// set of sources that became readable since the last drain: one multiplexed
// kernel registration for every watched object, expressed as a buffered Go
// channel rather than a manual poll loop.
type Listener struct {
	logger *slog.Logger
	w      *watcher

	// Exactly one watch is active per source at any instant: keyed by file
	// path while the file exists, or by directory and basename while
	// awaiting recreation.
	mu        sync.Mutex
	byFile    map[string]*source.Source
	byDirName map[string]map[string]*source.Source // dir -> basename -> source

	ready chan string // source paths that have data to drain

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewListener creates a Listener. Subscribe must be called once per source
// before Run is started.
func NewListener(logger *slog.Logger) (*Listener, error) {
	w, err := newWatcher()
	if err != nil {
		return nil, err
	}
	return &Listener{
		logger:    logger,
		w:         w,
		byFile:    make(map[string]*source.Source),
		byDirName: make(map[string]map[string]*source.Source),
		ready:     make(chan string, 256),
		done:      make(chan struct{}),
	}, nil
}

// Ready returns the channel of source paths with data available to drain.
func (l *Listener) Ready() <-chan string { return l.ready }

// Subscribe places the initial watch for src: on the file itself. A
// subscription failure here is always returned to the caller; the
// controller decides whether that aborts the whole startup or merely drops
// this one source, based on when Subscribe is called.
func (l *Listener) Subscribe(src *source.Source) error {
	if err := l.w.add(src.Path()); err != nil {
		return err
	}
	l.mu.Lock()
	l.byFile[src.Path()] = src
	l.mu.Unlock()
	return nil
}

// Run starts the event-draining goroutine. It returns immediately; call
// Close to stop it.
func (l *Listener) Run() {
	l.wg.Add(1)
	go l.run()
}

// Close stops the listener and releases the underlying fsnotify instance.
func (l *Listener) Close() error {
	var err error
	l.stopOnce.Do(func() {
		close(l.done)
		err = l.w.close()
		l.wg.Wait()
		close(l.ready)
	})
	return err
}

func (l *Listener) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case ev, ok := <-l.w.fsw.Events:
			if !ok {
				return
			}
			l.handle(rawEvent{path: ev.Name, op: ev.Op})
		case err, ok := <-l.w.fsw.Errors:
			if !ok {
				return
			}
			l.logger.Warn("watch: fsnotify error", slog.Any("error", err))
		}
	}
}

// handle looks up the owning source by the event's path, runs the removal
// check on metadata/move/delete events, and watches for reappearance on
// directory-scoped events.
func (l *Listener) handle(ev rawEvent) {
	l.mu.Lock()
	if src, ok := l.byFile[ev.path]; ok {
		l.mu.Unlock()
		l.handleFileEvent(src, ev)
		return
	}
	dir := filepath.Dir(ev.path)
	name := filepath.Base(ev.path)
	var src *source.Source
	if dirMap, ok := l.byDirName[dir]; ok {
		src = dirMap[name]
	}
	l.mu.Unlock()

	if src != nil && ev.op&fsnotify.Create == fsnotify.Create {
		l.handleReappearance(src)
	}
}

// handleFileEvent runs the removal check: a metadata-change, move-from, or
// delete triggers a check for whether the file still exists at its recorded
// path. If it is gone, the watch moves to the parent directory; otherwise
// the source is reopened at end and the file watch re-subscribed
// (covers copytruncate-style in-place rewrites that also touch metadata).
func (l *Listener) handleFileEvent(src *source.Source, ev rawEvent) {
	if ev.op&fsnotify.Write == fsnotify.Write {
		l.signalReady(src.Path())
		return
	}

	removalSignal := ev.op&(fsnotify.Chmod|fsnotify.Rename|fsnotify.Remove) != 0
	if !removalSignal {
		return
	}

	if _, err := os.Stat(src.Path()); err == nil {
		if err := src.Reopen(true); err != nil {
			l.logger.Warn("watch: reopen after metadata change failed", slog.String("path", src.Path()), slog.Any("error", err))
			return
		}
		// After a Rename or Remove the fsnotify watch may be stale even
		// though the path still resolves (a new file took the same place);
		// re-add it so future events keep arriving.
		if err := l.w.add(src.Path()); err != nil {
			l.logger.Warn("watch: re-subscribe after metadata change failed", slog.String("path", src.Path()), slog.Any("error", err))
		}
		return
	} else if !errors.Is(err, os.ErrNotExist) {
		l.logger.Warn("watch: stat failed during removal check", slog.String("path", src.Path()), slog.Any("error", err))
	}

	l.moveToDirWatch(src)
}

// moveToDirWatch closes the source and re-keys its watch onto the parent
// directory, awaiting recreation under the same basename.
func (l *Listener) moveToDirWatch(src *source.Source) {
	path := src.Path()
	dir := src.Dir()
	name := src.Name()

	if err := src.Close(); err != nil {
		l.logger.Warn("watch: close during rotate failed", slog.String("path", path), slog.Any("error", err))
	}
	l.w.remove(path)

	l.mu.Lock()
	delete(l.byFile, path)
	dirMap, ok := l.byDirName[dir]
	if !ok {
		dirMap = make(map[string]*source.Source)
		l.byDirName[dir] = dirMap
	}
	dirMap[name] = src
	needDirWatch := len(dirMap) == 1
	l.mu.Unlock()

	if !needDirWatch {
		l.logger.Info("watch: source pending recreation, directory already watched", slog.String("path", path))
		return
	}

	op := func() error { return l.w.add(dir) }
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	if err := backoff.Retry(op, b); err != nil {
		l.logger.Warn("watch: failed to watch directory after retries, source dropped from active set", slog.String("dir", dir), slog.Any("error", err))
		l.mu.Lock()
		delete(dirMap, name)
		l.mu.Unlock()
		return
	}
	l.logger.Info("watch: source vanished, watching directory for recreation", slog.String("path", path), slog.String("dir", dir))
}

// handleReappearance handles a directory-watch create event matching the
// source's basename: the file is back. Reopen from the beginning (no
// end-seek, so the new inode's content from the start is consumed) and move
// the watch back onto the file.
func (l *Listener) handleReappearance(src *source.Source) {
	path := src.Path()
	dir := src.Dir()
	name := src.Name()

	if err := src.Reopen(false); err != nil {
		l.logger.Warn("watch: reopen after recreation failed", slog.String("path", path), slog.Any("error", err))
		return
	}

	if err := l.w.add(path); err != nil {
		l.logger.Warn("watch: failed to re-subscribe file watch after recreation", slog.String("path", path), slog.Any("error", err))
		return
	}

	l.mu.Lock()
	l.byFile[path] = src
	dirMap := l.byDirName[dir]
	delete(dirMap, name)
	lastInDir := len(dirMap) == 0
	if lastInDir {
		delete(l.byDirName, dir)
	}
	l.mu.Unlock()

	if lastInDir {
		l.w.remove(dir)
	}

	l.logger.Info("watch: source reappeared, watch moved back to file", slog.String("path", path))
	l.signalReady(path)
}

func (l *Listener) signalReady(path string) {
	select {
	case l.ready <- path:
	default:
		l.logger.Warn("watch: ready channel full, dropping wake-up (source still readable on next drain)", slog.String("path", path))
	}
}
