// Package rotation translates filesystem churn under the identity agent's
// output directory into a debounced, de-duplicated "credentials changed"
// signal. The agent is an uncoordinated external writer: it may rotate all
// three files in rapid succession via atomic rename, and it may not have
// written anything at all yet when the process starts. The watcher tolerates
// both by running a small state machine over directory-level notifications.
package rotation

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/itsaakashpatel/svidserve/internal/credstore"
)

// DefaultDebounce is the quiet period a burst of raw events must observe
// before a single rotation callback fires.
const DefaultDebounce = 500 * time.Millisecond

// State is the watcher's position in its lifecycle.
type State int32

const (
	// StateAwaitingFiles means not all credential files exist yet; the
	// watcher is waiting for the agent's first write.
	StateAwaitingFiles State = iota
	// StateWatchingFiles means all credential files exist and the watcher
	// is observing them for rotation.
	StateWatchingFiles
	// StateClosed means Close was called; no further callbacks fire.
	StateClosed
)

// String returns a human-readable state name for logs.
func (s State) String() string {
	switch s {
	case StateAwaitingFiles:
		return "awaiting_files"
	case StateWatchingFiles:
		return "watching_files"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures a Watcher.
type Options struct {
	// Debounce is the coalescing window for raw filesystem events.
	// Zero means DefaultDebounce.
	Debounce time.Duration
	// Logger for watch diagnostics. Nil means slog.Default().
	Logger *slog.Logger
}

// Watcher observes the credential paths and invokes the supplied callback
// exactly once per logical rotation event. It holds paths only, never
// credential bytes.
type Watcher struct {
	paths      credstore.Paths
	expected   map[string]struct{}
	onRotation func()
	debounce   time.Duration
	logger     *slog.Logger

	fw       *fsnotify.Watcher
	state    atomic.Int32
	done     chan struct{}
	loopDone chan struct{}
	closeOne sync.Once
}

// New constructs a Watcher over the given credential paths and starts
// observing immediately. The callback is invoked with no arguments; the
// caller re-pulls credentials itself. The parent directories of the paths
// must exist (the agent's output directory is provisioned by the platform,
// only the files inside it appear late).
func New(paths credstore.Paths, onRotation func(), opts Options) (*Watcher, error) {
	if onRotation == nil {
		return nil, fmt.Errorf("rotation callback is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating filesystem watcher: %w", err)
	}

	w := &Watcher{
		paths:      paths,
		expected:   make(map[string]struct{}, 3),
		onRotation: onRotation,
		debounce:   opts.Debounce,
		logger:     opts.Logger,
		fw:         fw,
		done:       make(chan struct{}),
		loopDone:   make(chan struct{}),
	}
	for _, p := range paths.All() {
		w.expected[filepath.Clean(p)] = struct{}{}
	}

	// Watch the parent directories rather than the files themselves: a
	// directory-level subscription survives atomic renames (the rotated
	// file is a new inode under the old name) and sees first-time creation.
	dirs := make(map[string]struct{}, 3)
	for _, p := range paths.All() {
		dirs[filepath.Dir(filepath.Clean(p))] = struct{}{}
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("watching directory %s: %w", dir, err)
		}
	}

	if paths.Exist() {
		w.state.Store(int32(StateWatchingFiles))
	} else {
		w.state.Store(int32(StateAwaitingFiles))
	}
	w.logger.Info("credential watcher started",
		"state", w.State().String(),
		"cert_path", paths.Cert,
		"key_path", paths.Key,
		"bundle_path", paths.Bundle,
	)

	go w.run()
	return w, nil
}

// State returns the watcher's current lifecycle state.
func (w *Watcher) State() State {
	return State(w.state.Load())
}

// Close stops the watcher and releases its filesystem watch handles. It is
// idempotent, and once it returns no further callbacks fire, including for
// events already coalescing in the debounce timer.
func (w *Watcher) Close() error {
	w.closeOne.Do(func() {
		close(w.done)
		if err := w.fw.Close(); err != nil {
			w.logger.Error("closing filesystem watcher", "error", err)
		}
	})
	<-w.loopDone
	w.state.Store(int32(StateClosed))
	return nil
}

func (w *Watcher) run() {
	defer close(w.loopDone)

	var timer *time.Timer
	var timerC <-chan time.Time

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !w.handleEvent(ev) {
				continue
			}
			// (Re)arm the single coalescing timer; the callback runs
			// only once the burst has quiesced for a full window.
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			watchErrorsTotal.Inc()
			w.logger.Error("filesystem watch error", "error", err)

		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case <-w.done:
				return
			default:
			}
			rotationID := uuid.NewString()
			w.logger.Info("credential rotation detected", "rotation_id", rotationID)
			callbacksTotal.Inc()
			w.onRotation()
		}
	}
}

// handleEvent reports whether the event counts toward a rotation signal,
// advancing the state machine as a side effect.
func (w *Watcher) handleEvent(ev fsnotify.Event) bool {
	if _, ok := w.expected[filepath.Clean(ev.Name)]; !ok {
		return false
	}
	rawEventsTotal.Inc()

	switch w.State() {
	case StateAwaitingFiles:
		if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
			return false
		}
		// Re-evaluate on every event: the agent writes the three files
		// independently, and only the last one completes the set.
		if !w.paths.Exist() {
			return false
		}
		w.state.Store(int32(StateWatchingFiles))
		w.logger.Info("credential files appeared", "state", StateWatchingFiles.String())
		// First appearance counts as a rotation the caller must act on.
		return true

	case StateWatchingFiles:
		// Write covers in-place updates, Create covers atomic rename onto
		// the watched name. Remove/Chmod alone are not a rotation.
		return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)

	default:
		return false
	}
}
