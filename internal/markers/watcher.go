package markers

import (
	"errors"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchOp classifies an out-of-band change to a marker file.
type WatchOp string

const (
	WatchWritten WatchOp = "written"
	WatchRemoved WatchOp = "removed"
)

// WatchEvent reports a settled change to one namespace's marker file. Err
// is the verify verdict for writes (nil, ErrTampered, ...) and is nil for
// removals.
type WatchEvent struct {
	Namespace string
	Op        WatchOp
	Err       error
	Time      time.Time
}

// DefaultSettle is how long a marker file must stay quiet before it is
// verified.
const DefaultSettle = 250 * time.Millisecond

// Watcher observes a marker directory and verifies files that change.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	dir       string
	verify    func(namespace string) error
	settle    time.Duration

	// namespace -> last change seen
	pending   map[string]pendingChange
	pendingMu sync.Mutex

	events chan WatchEvent
	errors chan error

	done chan struct{}
	wg   sync.WaitGroup
}

type pendingChange struct {
	op   WatchOp
	seen time.Time
}

// NewWatcher watches dir. verify is called with the namespace of every
// settled write; a SignedFileBackend's Verify is the usual choice.
func NewWatcher(dir string, verify func(namespace string) error) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsWatcher: fsWatcher,
		dir:       dir,
		verify:    verify,
		settle:    DefaultSettle,
		pending:   make(map[string]pendingChange),
		events:    make(chan WatchEvent, 64),
		errors:    make(chan error, 8),
		done:      make(chan struct{}),
	}, nil
}

// SetSettle changes the quiet period. Call before Start.
func (w *Watcher) SetSettle(d time.Duration) {
	if d > 0 {
		w.settle = d
	}
}

// Events returns the channel of verified changes.
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

// Errors returns the channel of watch errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start begins watching.
func (w *Watcher) Start() error {
	abs, err := filepath.Abs(w.dir)
	if err != nil {
		return err
	}
	if err := w.fsWatcher.Add(abs); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.eventLoop()
	go w.settleLoop()
	return nil
}

// Stop shuts the watcher down and closes both channels.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.events)
	close(w.errors)
	return w.fsWatcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			ns, ok := namespaceFromFile(filepath.Base(event.Name))
			if !ok {
				continue
			}

			var op WatchOp
			switch {
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				op = WatchRemoved
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				op = WatchWritten
			default:
				continue
			}

			w.pendingMu.Lock()
			w.pending[ns] = pendingChange{op: op, seen: time.Now()}
			w.pendingMu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		}
	}
}

func (w *Watcher) settleLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

// flush verifies namespaces that have been quiet for the settle period.
// The lock is released while verify reads the file.
func (w *Watcher) flush(now time.Time) {
	threshold := now.Add(-w.settle)

	settled := make(map[string]WatchOp)
	w.pendingMu.Lock()
	for ns, p := range w.pending {
		if p.seen.Before(threshold) {
			settled[ns] = p.op
			delete(w.pending, ns)
		}
	}
	w.pendingMu.Unlock()

	for ns, op := range settled {
		ev := WatchEvent{Namespace: ns, Op: op, Time: now}
		if op == WatchWritten && w.verify != nil {
			ev.Err = w.verify(ns)
			if errors.Is(ev.Err, ErrNotFound) {
				// Replaced and removed again before we looked.
				ev.Op, ev.Err = WatchRemoved, nil
			}
		}
		select {
		case w.events <- ev:
		case <-w.done:
			return
		}
	}
}
