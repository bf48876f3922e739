package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FSWatcher recursively watches a directory tree using fsnotify.
// Directories created after the watch starts are added automatically.
type FSWatcher struct {
	mu sync.Mutex

	watcher *fsnotify.Watcher
	root    string
	ignore  *ignorer
	logger  *slog.Logger

	// Watched directories
	dirs map[string]bool

	events chan Event
	errors chan error

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// NewFSWatcher starts watching root and everything below it.
func NewFSWatcher(root string, logger *slog.Logger, opts ...Option) (*FSWatcher, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrPathNotExist, abs)
		}
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &FSWatcher{
		watcher: fsw,
		root:    abs,
		ignore:  newIgnorer(abs, cfg),
		logger:  logger.With("component", "watch"),
		dirs:    make(map[string]bool),
		events:  make(chan Event, cfg.BufferSize),
		errors:  make(chan error, cfg.BufferSize),
		closeCh: make(chan struct{}),
	}

	if err := w.addTree(abs); err != nil {
		_ = fsw.Close()
		return nil, err
	}

	w.closedWg.Add(1)
	go w.processLoop()

	return w, nil
}

// Root returns the absolute watched root.
func (w *FSWatcher) Root() string {
	return w.root
}

// Events returns the event channel.
func (w *FSWatcher) Events() <-chan Event {
	return w.events
}

// Errors returns the error channel.
func (w *FSWatcher) Errors() <-chan error {
	return w.errors
}

// WatchedDirs returns the number of directories being watched.
func (w *FSWatcher) WatchedDirs() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dirs)
}

// Close stops the watcher and closes its channels.
func (w *FSWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.closeCh)
	w.mu.Unlock()

	w.closedWg.Wait()

	close(w.events)
	close(w.errors)

	return w.watcher.Close()
}

// addTree watches dir and every directory below it that is not ignored.
func (w *FSWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root && w.ignore.Match(p) {
			return filepath.SkipDir
		}
		return w.add(p)
	})
}

func (w *FSWatcher) add(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWatcherClosed
	}
	if w.dirs[dir] {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.dirs[dir] = true
	return nil
}

func (w *FSWatcher) forget(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.dirs, dir)
}

func (w *FSWatcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return

		case fsEvent, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(fsEvent)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

func (w *FSWatcher) handleFSEvent(fsEvent fsnotify.Event) {
	op := convertOp(fsEvent.Op)
	if op == 0 {
		return
	}
	if w.ignore.Match(fsEvent.Name) {
		return
	}

	if op.Has(OpCreate) {
		if info, err := os.Stat(fsEvent.Name); err == nil && info.IsDir() {
			if err := w.addTree(fsEvent.Name); err != nil && !errors.Is(err, ErrWatcherClosed) {
				w.sendError(err)
			}
			// The directory itself is not a note, but files may already
			// have landed in it before the watch was added.
			w.reportExisting(fsEvent.Name)
			return
		}
	}
	if op.Has(OpRemove) || op.Has(OpRename) {
		w.forget(fsEvent.Name)
	}

	w.sendEvent(Event{
		Path:      fsEvent.Name,
		Op:        op,
		Timestamp: time.Now(),
	})
}

func (w *FSWatcher) reportExisting(dir string) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if w.ignore.Match(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			w.sendEvent(Event{Path: p, Op: OpCreate, Timestamp: time.Now()})
		}
		return nil
	})
}

func convertOp(fsOp fsnotify.Op) Op {
	var op Op
	if fsOp.Has(fsnotify.Create) {
		op |= OpCreate
	}
	if fsOp.Has(fsnotify.Write) {
		op |= OpWrite
	}
	if fsOp.Has(fsnotify.Remove) {
		op |= OpRemove
	}
	if fsOp.Has(fsnotify.Rename) {
		op |= OpRename
	}
	if fsOp.Has(fsnotify.Chmod) {
		op |= OpChmod
	}
	return op
}

func (w *FSWatcher) sendEvent(event Event) {
	select {
	case w.events <- event:
	default:
		w.logger.Warn("event channel full, dropping event", "path", event.Path, "op", event.Op.String())
	}
}

func (w *FSWatcher) sendError(err error) {
	select {
	case w.errors <- err:
	default:
		w.logger.Warn("error channel full, dropping error", "error", err)
	}
}

var _ Source = (*FSWatcher)(nil)
