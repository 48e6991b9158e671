package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mdvault/internal/config"
	"mdvault/internal/logging"
	"mdvault/internal/scanner"
)

// State is the watcher's self-healing state machine position.
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StatePolling  State = "polling"
	StateError    State = "error"
)

// Handler applies one flushed batch of coalesced events. Per-path order
// within a batch matches the order the OS delivered the originating events.
type Handler func(batch []CoalescedEvent) error

// Stats tracks watcher activity for diagnostics.
type Stats struct {
	RawEvents       int
	BatchesFlushed  int
	Upserts         int
	Deletes         int
	Dropped         int
	HandlerFailures int
	Restarts        int
	LastEventPath   string
	LastEventTime   time.Time
}

// Watcher is the incremental event pipeline. A single event-loop goroutine
// owns the pending queue; Dispose is idempotent and drops pending work.
type Watcher struct {
	sc      *scanner.Scanner
	cfg     config.WatcherConfig
	handler Handler

	mu       sync.RWMutex
	fsw      *fsnotify.Watcher
	pending  map[string]*pendingPath
	state    State
	stats    Stats
	started  bool
	disposed bool

	// consecutiveHandlerFailures drives the error-state escalation.
	consecutiveHandlerFailures int

	// mtimes is the snapshot used by the polling fallback.
	mtimes map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a watcher over the vault. Start must be called to begin
// processing.
func New(sc *scanner.Scanner, cfg config.WatcherConfig, handler Handler) *Watcher {
	return &Watcher{
		sc:      sc,
		cfg:     cfg,
		handler: handler,
		pending: make(map[string]*pendingPath),
		state:   StateStarting,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// State returns the current state machine position.
func (w *Watcher) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	if w.state != s {
		logging.Watcher("state %s -> %s", w.state, s)
		w.state = s
	}
	w.mu.Unlock()
}

// GetStats returns a copy of the activity counters.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// Start launches the event loop. If the OS watcher cannot be established the
// watcher degrades according to the error class: unsupported filesystems go
// straight to polling, resource exhaustion retries with backoff first.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return errors.New("watcher already disposed")
	}
	w.started = true
	w.mu.Unlock()

	if err := w.openOSWatcher(); err != nil {
		if isUnsupported(err) {
			logging.Get(logging.CategoryWatcher).Warn("os watcher unsupported, falling back to polling: %v", err)
			w.setState(StatePolling)
		} else if err := w.restartWithBackoff(ctx); err != nil {
			logging.Get(logging.CategoryWatcher).Warn("os watcher unavailable, falling back to polling: %v", err)
			w.setState(StatePolling)
		}
	} else {
		w.setState(StateReady)
	}

	go w.run(ctx)
	return nil
}

// openOSWatcher creates the fsnotify watcher and registers every directory
// in the vault (fsnotify does not recurse).
func (w *Watcher) openOSWatcher() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = filepath.WalkDir(w.sc.Root(), func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.sc.Root() && scanner.Ignored(d.Name()) {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
	if err != nil {
		fsw.Close()
		return err
	}

	w.mu.Lock()
	w.fsw = fsw
	w.mu.Unlock()
	return nil
}

// run is the single-threaded event loop that owns the pending queue.
func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	drainTicker := time.NewTicker(50 * time.Millisecond)
	defer drainTicker.Stop()

	pollTicker := time.NewTicker(w.pollInterval())
	defer pollTicker.Stop()

	for {
		w.mu.RLock()
		fsw := w.fsw
		w.mu.RUnlock()

		var events chan fsnotify.Event
		var errs chan error
		if fsw != nil {
			events = fsw.Events
			errs = fsw.Errors
		}

		select {
		case <-ctx.Done():
			logging.Watcher("context cancelled")
			return

		case <-w.stopCh:
			logging.Watcher("stop signal received")
			return

		case event, ok := <-events:
			if !ok {
				w.handleWatcherFailure(ctx, errors.New("event channel closed"))
				continue
			}
			w.handleOSEvent(event)

		case err, ok := <-errs:
			if !ok {
				w.handleWatcherFailure(ctx, errors.New("error channel closed"))
				continue
			}
			w.handleWatcherFailure(ctx, err)

		case <-drainTicker.C:
			w.drain(false)

		case <-pollTicker.C:
			if w.State() == StatePolling {
				w.pollOnce()
			}
		}
	}
}

func (w *Watcher) pollInterval() time.Duration {
	if w.cfg.PollInterval > 0 {
		return w.cfg.PollInterval
	}
	return 30 * time.Second
}

// handleOSEvent converts an fsnotify event into a raw pipeline event.
func (w *Watcher) handleOSEvent(event fsnotify.Event) {
	// New directories must be registered before events inside them arrive.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !scanner.Ignored(filepath.Base(event.Name)) {
				w.mu.RLock()
				fsw := w.fsw
				w.mu.RUnlock()
				if fsw != nil {
					_ = fsw.Add(event.Name)
				}
			}
			return
		}
	}

	if !w.sc.IsVaultFile(event.Name) {
		return
	}
	rel, ok := w.sc.Rel(event.Name)
	if !ok {
		return
	}

	var op Op
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpAdd
	case event.Op&fsnotify.Write != 0:
		op = OpChange
	case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
		op = OpUnlink
	default:
		return // chmod and friends
	}

	w.Enqueue(Event{Path: rel, Op: op})
}

// Enqueue feeds one raw event into the per-path debounce ring. Exposed so the
// polling fallback and tests share the production path.
func (w *Watcher) Enqueue(ev Event) {
	w.mu.Lock()
	now := time.Now()
	w.stats.RawEvents++
	w.stats.LastEventPath = ev.Path
	w.stats.LastEventTime = now

	p := w.pending[ev.Path]
	if p == nil {
		p = &pendingPath{first: now}
		w.pending[ev.Path] = p
	}
	p.ops = append(p.ops, ev.Op)
	p.last = now

	overCap := len(w.pending) >= w.batchSize()
	w.mu.Unlock()

	if overCap {
		w.drain(true)
	}
}

func (w *Watcher) batchSize() int {
	if w.cfg.BatchSize > 0 {
		return w.cfg.BatchSize
	}
	return 50
}

// drain flushes settled paths. With force set, everything pending flushes
// regardless of debounce age (batch-cap and shutdown paths).
func (w *Watcher) drain(force bool) {
	debounce := w.cfg.DebounceInterval
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	flush := w.cfg.FlushInterval
	if flush <= 0 {
		flush = time.Second
	}

	w.mu.Lock()
	now := time.Now()
	var batch []CoalescedEvent
	for path, p := range w.pending {
		settled := now.Sub(p.last) >= debounce
		overdue := now.Sub(p.first) >= flush
		if !force && !settled && !overdue {
			continue
		}
		delete(w.pending, path)
		op, keep := coalesce(p.ops)
		if !keep {
			w.stats.Dropped++
			continue
		}
		batch = append(batch, CoalescedEvent{Path: path, Op: op})
		if op == CoalescedDelete {
			w.stats.Deletes++
		} else {
			w.stats.Upserts++
		}
	}
	if len(batch) > 0 {
		w.stats.BatchesFlushed++
	}
	handler := w.handler
	w.mu.Unlock()

	if len(batch) == 0 || handler == nil {
		return
	}

	logging.WatcherDebug("flushing batch of %d", len(batch))
	if err := handler(batch); err != nil {
		logging.Get(logging.CategoryWatcher).Error("handler failed: %v", err)
		w.mu.Lock()
		w.stats.HandlerFailures++
		w.consecutiveHandlerFailures++
		escalate := w.consecutiveHandlerFailures >= 5
		w.mu.Unlock()
		if escalate {
			w.setState(StateError)
		}
		return
	}
	w.mu.Lock()
	w.consecutiveHandlerFailures = 0
	w.mu.Unlock()
}

// Flush forces an immediate drain of all pending events. Used by tests and
// by the mutation engine when it wants its own write events settled.
func (w *Watcher) Flush() {
	w.drain(true)
}

// Dispose stops the watcher, cancels outstanding timers, and drops pending
// events without processing. Idempotent.
func (w *Watcher) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	w.pending = make(map[string]*pendingPath)
	started := w.started
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()

	close(w.stopCh)
	if started {
		<-w.doneCh
	}

	if fsw != nil {
		if err := fsw.Close(); err != nil {
			logging.Get(logging.CategoryWatcher).Error("error closing os watcher: %v", err)
		}
	}
	logging.Watcher("disposed")
}

// isUnsupported classifies errors that warrant an immediate polling fallback
// with no retry: the filesystem cannot deliver events at all.
func isUnsupported(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not supported") ||
		strings.Contains(msg, "not implemented") ||
		strings.Contains(msg, "permission denied")
}

// isResourceExhaustion classifies transient errors worth a backoff restart:
// descriptor or inotify-instance limits.
func isResourceExhaustion(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "too many open files") ||
		strings.Contains(msg, "no space left on device") ||
		strings.Contains(msg, "too many links") ||
		strings.Contains(msg, "inotify")
}

// handleWatcherFailure reacts to an OS watcher error according to its class.
func (w *Watcher) handleWatcherFailure(ctx context.Context, err error) {
	logging.Get(logging.CategoryWatcher).Error("os watcher failure: %v", err)

	w.mu.Lock()
	fsw := w.fsw
	w.fsw = nil
	w.mu.Unlock()
	if fsw != nil {
		_ = fsw.Close()
	}

	switch {
	case isUnsupported(err):
		w.setState(StatePolling)
		w.seedPollSnapshot()
	case isResourceExhaustion(err):
		if rerr := w.restartWithBackoff(ctx); rerr != nil {
			logging.Get(logging.CategoryWatcher).Warn("restart exhausted, switching to polling: %v", rerr)
			w.setState(StatePolling)
			w.seedPollSnapshot()
		} else {
			w.setState(StateReady)
		}
	default:
		// Unknown failure: try one backoff cycle, then poll.
		if rerr := w.restartWithBackoff(ctx); rerr != nil {
			w.setState(StatePolling)
			w.seedPollSnapshot()
		} else {
			w.setState(StateReady)
		}
	}
}

// restartWithBackoff retries the OS watcher with exponential backoff:
// starting at 1s, doubling, capped at 60s, at most MaxRestarts attempts.
func (w *Watcher) restartWithBackoff(ctx context.Context) error {
	delay := w.cfg.BackoffInitial
	if delay <= 0 {
		delay = time.Second
	}
	ceiling := w.cfg.BackoffCap
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}
	retries := w.cfg.MaxRestarts
	if retries <= 0 {
		retries = 5
	}

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return errors.New("watcher stopped")
		case <-time.After(delay):
		}

		w.mu.Lock()
		w.stats.Restarts++
		w.mu.Unlock()

		lastErr = w.openOSWatcher()
		if lastErr == nil {
			logging.Watcher("os watcher restarted after %d attempts", attempt)
			return nil
		}
		logging.Get(logging.CategoryWatcher).Warn("restart attempt %d failed: %v", attempt, lastErr)

		delay *= 2
		if delay > ceiling {
			delay = ceiling
		}
	}
	return fmt.Errorf("watcher restart gave up after %d attempts: %w", retries, lastErr)
}

// seedPollSnapshot primes the mtime map so the first poll does not replay the
// whole vault as adds.
func (w *Watcher) seedPollSnapshot() {
	entries, err := w.sc.Collect(context.Background())
	if err != nil {
		logging.Get(logging.CategoryWatcher).Warn("poll snapshot seed failed: %v", err)
		return
	}
	m := make(map[string]time.Time, len(entries))
	for _, e := range entries {
		m[e.Path] = e.Modified
	}
	w.mu.Lock()
	w.mtimes = m
	w.mu.Unlock()
}

// pollOnce revisits mtimes and synthesises add/change/unlink events.
func (w *Watcher) pollOnce() {
	entries, err := w.sc.Collect(context.Background())
	if err != nil {
		logging.Get(logging.CategoryWatcher).Warn("poll sweep failed: %v", err)
		return
	}

	w.mu.RLock()
	previous := w.mtimes
	w.mu.RUnlock()
	if previous == nil {
		previous = map[string]time.Time{}
	}

	current := make(map[string]time.Time, len(entries))
	var synthesised []Event
	for _, e := range entries {
		current[e.Path] = e.Modified
		old, seen := previous[e.Path]
		switch {
		case !seen:
			synthesised = append(synthesised, Event{Path: e.Path, Op: OpAdd})
		case !e.Modified.Equal(old):
			synthesised = append(synthesised, Event{Path: e.Path, Op: OpChange})
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			synthesised = append(synthesised, Event{Path: path, Op: OpUnlink})
		}
	}

	w.mu.Lock()
	w.mtimes = current
	w.mu.Unlock()

	for _, ev := range synthesised {
		w.Enqueue(ev)
	}
	if len(synthesised) > 0 {
		logging.WatcherDebug("poll sweep synthesised %d events", len(synthesised))
	}
}
