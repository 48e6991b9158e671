// Package engine owns the process-wide singletons - the vault index and the
// state store - and wires the scanner, watcher, resolver, feedback loop,
// mutation engine, and operation surface around them. Both singletons are
// constructed at start-up and disposed on shutdown; nothing else is global.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mdvault/internal/config"
	"mdvault/internal/feedback"
	"mdvault/internal/index"
	"mdvault/internal/logging"
	"mdvault/internal/mutate"
	"mdvault/internal/note"
	"mdvault/internal/resolver"
	"mdvault/internal/scanner"
	"mdvault/internal/store"
	"mdvault/internal/tools"
	"mdvault/internal/watcher"
)

// Engine is one running vault instance.
type Engine struct {
	cfg *config.Config

	sc      *scanner.Scanner
	ix      *index.VaultIndex
	st      *store.StateStore
	fb      *feedback.Loop
	link    *resolver.Engine
	mut     *mutate.Engine
	surface *tools.Surface
	watch   *watcher.Watcher
}

// New constructs the engine for a vault. The state store is opened (and
// migrated) immediately; the index stays in the starting state until Start.
func New(cfg *config.Config) (*Engine, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "engine.New")
	defer timer.Stop()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	sc := scanner.New(cfg.VaultPath)
	ix := index.New()
	fb := feedback.New(st, cfg.Feedback)
	link := resolver.NewEngine(ix, fb, cfg.Resolver.ApplyFloor, cfg.Resolver.SuggestionCount)
	mut := mutate.New(sc, ix, link, fb, st)
	surface := tools.NewSurface(ix, st, fb, link, mut, sc, tools.ParsePreset(cfg.Tools.Preset))

	e := &Engine{
		cfg:     cfg,
		sc:      sc,
		ix:      ix,
		st:      st,
		fb:      fb,
		link:    link,
		mut:     mut,
		surface: surface,
	}
	e.watch = watcher.New(sc, cfg.Watcher, e.applyBatch)
	return e, nil
}

// Surface returns the operation surface.
func (e *Engine) Surface() *tools.Surface { return e.surface }

// Index returns the vault index.
func (e *Engine) Index() *index.VaultIndex { return e.ix }

// Store returns the state store.
func (e *Engine) Store() *store.StateStore { return e.st }

// Watcher returns the incremental watcher.
func (e *Engine) Watcher() *watcher.Watcher { return e.watch }

// Scanner returns the vault scanner.
func (e *Engine) Scanner() *scanner.Scanner { return e.sc }

// Start cold-builds the index, synchronises the state store, and launches
// the watcher. The index is ready when Start returns nil.
func (e *Engine) Start(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryBoot, "engine.Start")
	defer timer.StopWithInfo()

	if err := e.ix.Build(ctx, e.sc, os.ReadFile); err != nil {
		return fmt.Errorf("cold build: %w", err)
	}
	e.link.Refresh()

	if err := e.syncStore(ctx); err != nil {
		logging.Get(logging.CategoryStore).Warn("store sync after cold build: %v", err)
	}
	e.writeEntityProjection()
	e.recordMetrics()

	if err := e.watch.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	logging.Boot("engine ready: %d notes indexed", e.ix.NoteCount())
	return nil
}

// Close disposes the watcher and releases the state store. Idempotent.
func (e *Engine) Close() {
	e.watch.Dispose()
	if err := e.st.Close(); err != nil {
		logging.Get(logging.CategoryStore).Error("close state store: %v", err)
	}
}

// applyBatch folds one coalesced watcher batch (one net event per path) into
// the index and the state store, in batch order.
func (e *Engine) applyBatch(batch []watcher.CoalescedEvent) error {
	ftsRows := make(map[string][2]string, len(batch))
	var failed int
	for _, ev := range batch {
		switch ev.Op {
		case watcher.CoalescedDelete:
			e.ix.Remove(ev.Path)
			if err := e.st.RemoveNote(ev.Path); err != nil {
				logging.Get(logging.CategoryStore).Warn("fts remove %s: %v", ev.Path, err)
				failed++
			}
		default:
			entry, err := e.sc.Stat(ev.Path)
			if err != nil {
				// The file vanished between the event and the flush; treat as
				// a delete so the index cannot hold a ghost note.
				e.ix.Remove(ev.Path)
				_ = e.st.RemoveNote(ev.Path)
				continue
			}
			data, err := os.ReadFile(entry.AbsPath)
			if err != nil {
				logging.Get(logging.CategoryParse).Warn("read %s: %v", ev.Path, err)
				failed++
				continue
			}
			n, warnings := note.Parse(data, ev.Path, entry.Modified)
			for _, w := range warnings {
				logging.Get(logging.CategoryParse).Warn("%s: %s", ev.Path, w)
			}
			e.ix.Insert(n)
			text := strings.ReplaceAll(string(data), "\r\n", "\n")
			_, body, _ := note.SplitFrontmatter(text)
			ftsRows[ev.Path] = [2]string{n.Title, body}
		}
	}

	if len(ftsRows) > 0 {
		if err := e.st.IndexNotes(ftsRows); err != nil {
			logging.Get(logging.CategoryStore).Warn("fts batch: %v", err)
			failed++
		}
	}
	e.link.Refresh()

	if failed > 0 {
		return fmt.Errorf("batch applied with %d failure(s)", failed)
	}
	return nil
}

// syncStore reconciles the state store with the freshly built index:
// materialised entities and the full-text rows.
func (e *Engine) syncStore(ctx context.Context) error {
	var entities []store.EntityRow
	for _, ent := range e.ix.Entities() {
		entities = append(entities, store.EntityRow{
			Name:     ent.Name,
			Key:      ent.Key,
			Path:     ent.Path,
			Aliases:  ent.Aliases,
			Category: ent.Category,
			HubScore: e.ix.HubScore(ent.Path),
		})
	}
	if err := e.st.ReplaceEntities(entities); err != nil {
		return err
	}

	ftsRows := make(map[string][2]string)
	for _, n := range e.ix.AllNotes() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := os.ReadFile(e.sc.Abs(n.Path))
		if err != nil {
			continue
		}
		text := strings.ReplaceAll(string(data), "\r\n", "\n")
		_, body, _ := note.SplitFrontmatter(text)
		ftsRows[n.Path] = [2]string{n.Title, body}
	}
	return e.st.IndexNotes(ftsRows)
}

// writeEntityProjection emits the human-readable entities.json. It is never
// authoritative and may be regenerated at will.
func (e *Engine) writeEntityProjection() {
	entities, err := e.st.ListEntities()
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("entity projection: %v", err)
		return
	}
	data, err := json.MarshalIndent(entities, "", "  ")
	if err != nil {
		return
	}
	path := e.cfg.EntitiesProjectionPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.Get(logging.CategoryStore).Warn("write %s: %v", path, err)
	}
}

// StartMetricsTicker records periodic growth snapshots until ctx is done.
func (e *Engine) StartMetricsTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.recordMetrics()
			}
		}
	}()
}

// recordMetrics appends a growth snapshot of the current index.
func (e *Engine) recordMetrics() {
	age := 0
	if built := e.ix.BuiltAt(); !built.IsZero() {
		age = int(time.Since(built).Seconds())
	}
	snapshot := store.MetricsSnapshot{
		NoteCount:       e.ix.NoteCount(),
		TagCount:        len(e.ix.AllTags()),
		LinkCount:       e.ix.LinkCount(),
		OrphanCount:     len(e.ix.OrphanNotes(index.OrphanBoth)),
		IndexAgeSeconds: age,
	}
	if err := e.st.RecordMetrics(snapshot); err != nil {
		logging.Get(logging.CategoryMetrics).Warn("record metrics: %v", err)
	}
}
