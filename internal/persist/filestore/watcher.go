package filestore

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp is the kind of change seen on a table file.
type EventOp int

const (
	// OpCreate means a table file appeared. Atomic rewrites also report
	// create, since the new file is renamed into place.
	OpCreate EventOp = iota
	// OpModify means a table file was written in place.
	OpModify
	// OpDelete means a table file was removed or renamed away.
	OpDelete
)

func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// TableEvent reports a change to one table file.
type TableEvent struct {
	Table string
	Op    EventOp
}

// Watcher reports changes to the table files of a directory. It only works
// on the OS file system.
type Watcher struct {
	watcher *fsnotify.Watcher
	dir     string
	events  chan TableEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watcher for dir. Call Start to begin receiving events.
func NewWatcher(dir string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	return &Watcher{
		watcher: w,
		dir:     abs,
		events:  make(chan TableEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", w.dir, err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends watching and closes the Events and Errors channels. It blocks
// until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the table event channel.
func (w *Watcher) Events() <-chan TableEvent {
	return w.events
}

// Errors returns the watcher error channel.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning reports whether the watcher has been started and not stopped.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if te, ok := w.convertEvent(event); ok {
				select {
				case w.events <- te:
				case <-w.done:
					return
				}
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) convertEvent(event fsnotify.Event) (TableEvent, bool) {
	base := filepath.Base(event.Name)
	if !strings.HasSuffix(base, Ext) {
		return TableEvent{}, false
	}
	if filepath.Dir(event.Name) != w.dir {
		if abs, err := filepath.Abs(event.Name); err != nil || filepath.Dir(abs) != w.dir {
			return TableEvent{}, false
		}
	}
	name := strings.TrimSuffix(base, Ext)
	if !tableNameRe.MatchString(name) {
		return TableEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		op = OpDelete
	default:
		return TableEvent{}, false
	}
	return TableEvent{Table: name, Op: op}, true
}
