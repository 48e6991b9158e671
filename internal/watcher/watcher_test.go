package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"mdvault/internal/config"
	"mdvault/internal/scanner"
)

func TestCoalesce(t *testing.T) {
	tests := []struct {
		name string
		ops  []Op
		want CoalescedOp
		keep bool
	}{
		{"add then change", []Op{OpAdd, OpChange}, CoalescedUpsert, true},
		{"change change", []Op{OpChange, OpChange}, CoalescedUpsert, true},
		{"add then unlink", []Op{OpAdd, OpUnlink}, CoalescedUpsert, false},
		{"unlink alone", []Op{OpUnlink}, CoalescedDelete, true},
		{"unlink then add", []Op{OpUnlink, OpAdd}, CoalescedUpsert, true},
		{"add change change unlink add", []Op{OpAdd, OpChange, OpChange, OpUnlink, OpAdd}, CoalescedUpsert, true},
		{"change unlink", []Op{OpChange, OpUnlink}, CoalescedDelete, true},
		{"empty", nil, CoalescedUpsert, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, keep := coalesce(tt.ops)
			if keep != tt.keep {
				t.Fatalf("keep = %v, want %v", keep, tt.keep)
			}
			if keep && got != tt.want {
				t.Errorf("op = %v, want %v", got, tt.want)
			}
		})
	}
}

// collectingHandler records flushed batches.
type collectingHandler struct {
	mu      sync.Mutex
	batches [][]CoalescedEvent
}

func (h *collectingHandler) handle(batch []CoalescedEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.batches = append(h.batches, batch)
	return nil
}

func (h *collectingHandler) events() []CoalescedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []CoalescedEvent
	for _, b := range h.batches {
		out = append(out, b...)
	}
	return out
}

func testConfig() config.WatcherConfig {
	cfg := config.DefaultConfig().Watcher
	cfg.DebounceInterval = 20 * time.Millisecond
	cfg.FlushInterval = 100 * time.Millisecond
	return cfg
}

func TestRapidEventsCoalesceToOneUpsert(t *testing.T) {
	defer goleak.VerifyNone(t)

	sc := scanner.New(t.TempDir())
	h := &collectingHandler{}
	w := New(sc, testConfig(), h.handle)

	// add, change, change, unlink, add within the debounce window.
	for _, op := range []Op{OpAdd, OpChange, OpChange, OpUnlink, OpAdd} {
		w.Enqueue(Event{Path: "note.md", Op: op})
	}
	w.Flush()

	events := h.events()
	if len(events) != 1 {
		t.Fatalf("events = %+v, want exactly one", events)
	}
	if events[0].Path != "note.md" || events[0].Op != CoalescedUpsert {
		t.Errorf("event = %+v", events[0])
	}

	w.Dispose()
}

func TestUnlinkEndsInSingleDelete(t *testing.T) {
	defer goleak.VerifyNone(t)

	sc := scanner.New(t.TempDir())
	h := &collectingHandler{}
	w := New(sc, testConfig(), h.handle)

	w.Enqueue(Event{Path: "note.md", Op: OpChange})
	w.Enqueue(Event{Path: "note.md", Op: OpUnlink})
	w.Flush()

	events := h.events()
	if len(events) != 1 || events[0].Op != CoalescedDelete {
		t.Fatalf("events = %+v, want one delete", events)
	}
	w.Dispose()
}

func TestAddThenUnlinkIsNetZero(t *testing.T) {
	sc := scanner.New(t.TempDir())
	h := &collectingHandler{}
	w := New(sc, testConfig(), h.handle)

	w.Enqueue(Event{Path: "ghost.md", Op: OpAdd})
	w.Enqueue(Event{Path: "ghost.md", Op: OpUnlink})
	w.Flush()

	if events := h.events(); len(events) != 0 {
		t.Fatalf("events = %+v, want none", events)
	}
	if stats := w.GetStats(); stats.Dropped != 1 {
		t.Errorf("stats = %+v", stats)
	}
	w.Dispose()
}

func TestBatchCapForcesDrain(t *testing.T) {
	sc := scanner.New(t.TempDir())
	h := &collectingHandler{}
	cfg := testConfig()
	cfg.BatchSize = 5
	cfg.DebounceInterval = time.Hour // only the cap can drain
	w := New(sc, cfg, h.handle)

	for i := 0; i < 5; i++ {
		w.Enqueue(Event{Path: filepath.Join("n", string(rune('a'+i))+".md"), Op: OpChange})
	}

	if events := h.events(); len(events) != 5 {
		t.Fatalf("events = %d, want 5 (cap-triggered drain)", len(events))
	}
	w.Dispose()
}

func TestLiveFilesystemEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	sc := scanner.New(dir)
	h := &collectingHandler{}
	w := New(sc, testConfig(), h.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if w.State() != StateReady {
		t.Fatalf("state = %s", w.State())
	}

	if err := os.WriteFile(filepath.Join(dir, "live.md"), []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		for _, ev := range h.events() {
			if ev.Path == "live.md" && ev.Op == CoalescedUpsert {
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	found := false
	for _, ev := range h.events() {
		if ev.Path == "live.md" && ev.Op == CoalescedUpsert {
			found = true
		}
	}
	if !found {
		t.Errorf("no upsert observed for live.md: %+v", h.events())
	}

	w.Dispose()
}

func TestDisposeIdempotentAndDropsPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	sc := scanner.New(t.TempDir())
	h := &collectingHandler{}
	cfg := testConfig()
	cfg.DebounceInterval = time.Hour
	w := New(sc, cfg, h.handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}

	w.Enqueue(Event{Path: "pending.md", Op: OpChange})
	w.Dispose()
	w.Dispose() // idempotent

	if events := h.events(); len(events) != 0 {
		t.Errorf("pending events were processed after dispose: %+v", events)
	}
}

func TestHandlerFailureEscalatesToErrorState(t *testing.T) {
	sc := scanner.New(t.TempDir())
	failing := func(batch []CoalescedEvent) error {
		return os.ErrInvalid
	}
	w := New(sc, testConfig(), failing)

	for i := 0; i < 5; i++ {
		w.Enqueue(Event{Path: "x.md", Op: OpChange})
		w.Flush()
	}
	if w.State() != StateError {
		t.Errorf("state = %s, want %s", w.State(), StateError)
	}
	w.Dispose()
}

func TestPollSweepSynthesisesEvents(t *testing.T) {
	dir := t.TempDir()
	sc := scanner.New(dir)
	h := &collectingHandler{}
	w := New(sc, testConfig(), h.handle)
	w.setState(StatePolling)

	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("one"), 0644); err != nil {
		t.Fatal(err)
	}
	w.seedPollSnapshot()

	// New file, changed file, removed file between sweeps.
	if err := os.WriteFile(filepath.Join(dir, "b.md"), []byte("two"), 0644); err != nil {
		t.Fatal(err)
	}
	past := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "a.md"), past, past); err != nil {
		t.Fatal(err)
	}
	w.pollOnce()
	w.Flush()

	got := make(map[string]CoalescedOp)
	for _, ev := range h.events() {
		got[ev.Path] = ev.Op
	}
	if got["b.md"] != CoalescedUpsert {
		t.Errorf("b.md = %v, want upsert", got["b.md"])
	}
	if _, ok := got["a.md"]; !ok {
		t.Errorf("a.md mtime change not synthesised: %+v", got)
	}

	if err := os.Remove(filepath.Join(dir, "b.md")); err != nil {
		t.Fatal(err)
	}
	w.pollOnce()
	w.Flush()
	deleted := false
	for _, ev := range h.events() {
		if ev.Path == "b.md" && ev.Op == CoalescedDelete {
			deleted = true
		}
	}
	if !deleted {
		t.Errorf("b.md removal not synthesised: %+v", h.events())
	}
	w.Dispose()
}
