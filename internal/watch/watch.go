// Package watch emits debounced change notifications for the document the
// viewer currently has open.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period applied before a change is reported.
const DefaultDebounce = 100 * time.Millisecond

// Watcher tracks one document at a time and reports its changes on a
// channel, collapsed so that a burst of editor writes yields one reload.
type Watcher struct {
	logger   *slog.Logger
	fs       *fsnotify.Watcher
	debounce time.Duration
	events   chan string

	mu   sync.Mutex
	path string // document being tracked, absolute
	dir  string // its parent directory, registered with fs
}

func New(logger *slog.Logger, debounce time.Duration) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w := &Watcher{
		logger:   logger,
		fs:       fs,
		debounce: debounce,
		events:   make(chan string, 1),
	}
	go w.loop()
	return w, nil
}

// Watch retargets the watcher at path. The previous document is forgotten.
// The parent directory is watched rather than the file itself: editors
// that save via rename replace the inode, and a file watch dies with it.
func (w *Watcher) Watch(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve watch path: %w", err)
	}
	dir := filepath.Dir(abs)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.path == abs {
		return nil
	}
	if w.dir != dir {
		if w.dir != "" {
			_ = w.fs.Remove(w.dir)
		}
		if err := w.fs.Add(dir); err != nil {
			w.path = ""
			w.dir = ""
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dir = dir
	}
	w.path = abs
	return nil
}

// Events delivers the watched document's path after each settled change.
// The channel closes when the watcher is closed.
func (w *Watcher) Events() <-chan string {
	return w.events
}

func (w *Watcher) Close() error {
	return w.fs.Close()
}

func (w *Watcher) loop() {
	defer close(w.events)

	var (
		pending string
		timer   *time.Timer
		fire    <-chan time.Time
	)
	for {
		select {
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			target, relevant := w.match(event)
			if !relevant {
				continue
			}
			pending = target
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", "error", err.Error())

		case <-fire:
			timer = nil
			fire = nil
			select {
			case w.events <- pending:
			default:
				// a reload is already queued; the viewer rereads the
				// whole file anyway
			}
		}
	}
}

// match reports whether the event touches the tracked document. Writes and
// creates count; a create covers editors that replace the file wholesale.
func (w *Watcher) match(event fsnotify.Event) (string, bool) {
	w.mu.Lock()
	path := w.path
	w.mu.Unlock()

	if path == "" || filepath.Clean(event.Name) != path {
		return "", false
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return "", false
	}
	return path, true
}
