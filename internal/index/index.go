// Package index maintains the in-memory graph of the vault: notes, entities,
// backlinks, and tags, plus the graph queries served from it. The index is
// the single source of structural truth between file-system scans; all
// cross-references are by path key, never by pointer.
package index

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mdvault/internal/logging"
	"mdvault/internal/note"
	"mdvault/internal/scanner"
)

// ErrNotReady is returned by operations gated on index readiness.
var ErrNotReady = errors.New("index is not ready")

// State is the index readiness marker gating the operation surface.
type State string

const (
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateRebuilding State = "rebuilding"
	StateDirty      State = "dirty"
	StateError      State = "error"
)

// Entity is a resolvable name: a filename stem or a declared alias.
type Entity struct {
	Name     string   // canonical, case-preserved
	Key      string   // case-folded lookup key
	Path     string   // canonical note path
	Aliases  []string // declared alias surfaces
	Category string   // optional frontmatter category
	IsStem   bool     // registered from the filename stem (authoritative)
	Order    int      // insertion order for deterministic tie-breaking
}

// Backlink is one inbound reference: {source path, target key, line}.
type Backlink struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Line   int    `json:"line"`
}

// tagEntry keeps the first-seen casing and the member paths for one tag.
type tagEntry struct {
	name  string
	paths map[string]bool
}

// VaultIndex is the in-memory graph. A single read/write lock protects all
// four maps; mutators take the write lock, readers the read lock.
type VaultIndex struct {
	mu sync.RWMutex

	notes     map[string]*note.Note // canonical path -> note
	entities  map[string]*Entity    // case-folded surface -> entity
	backlinks map[string][]Backlink // normalised target key -> inbound links
	tags      map[string]*tagEntry  // case-folded tag -> entry

	// entityKeys tracks which entity-map keys each path registered so that
	// removal does not scan the whole entity map.
	entityKeys map[string][]string

	order   int
	state   State
	builtAt time.Time
}

// New creates an empty index in the starting state.
func New() *VaultIndex {
	return &VaultIndex{
		notes:      make(map[string]*note.Note),
		entities:   make(map[string]*Entity),
		backlinks:  make(map[string][]Backlink),
		tags:       make(map[string]*tagEntry),
		entityKeys: make(map[string][]string),
		state:      StateStarting,
	}
}

// PathKey returns the canonical backlink key for a note path: the lowercased
// path with the .md extension stripped.
func PathKey(path string) string {
	return strings.ToLower(strings.TrimSuffix(path, ".md"))
}

// State returns the readiness marker.
func (ix *VaultIndex) State() State {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.state
}

// SetState moves the readiness marker.
func (ix *VaultIndex) SetState(s State) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.state != s {
		logging.Index("state %s -> %s", ix.state, s)
		ix.state = s
	}
}

// BuiltAt returns the completion time of the last cold build.
func (ix *VaultIndex) BuiltAt() time.Time {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.builtAt
}

// =============================================================================
// COLD BUILD
// =============================================================================

// parsedFile pairs a scan entry with its parse result, preserving scan order.
type parsedFile struct {
	entry    scanner.Entry
	note     *note.Note
	warnings []string
}

// Build cold-builds the index from a vault scan: parse in parallel, then fold
// serially so that insertion order and tie-breaking stay deterministic.
func (ix *VaultIndex) Build(ctx context.Context, sc *scanner.Scanner, readFile func(string) ([]byte, error)) error {
	timer := logging.StartTimer(logging.CategoryIndex, "Build")
	defer timer.StopWithInfo()

	ix.SetState(StateRebuilding)

	entries, err := sc.Collect(ctx)
	if err != nil {
		ix.SetState(StateError)
		return fmt.Errorf("scan vault: %w", err)
	}

	parsed := make([]parsedFile, len(entries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, entry := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := readFile(entry.AbsPath)
			if err != nil {
				logging.Get(logging.CategoryParse).Warn("read %s: %v", entry.Path, err)
				data = nil
			}
			n, warnings := note.Parse(data, entry.Path, entry.Modified)
			parsed[i] = parsedFile{entry: entry, note: n, warnings: warnings}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		ix.SetState(StateError)
		return fmt.Errorf("parse vault: %w", err)
	}

	ix.mu.Lock()
	ix.notes = make(map[string]*note.Note, len(parsed))
	ix.entities = make(map[string]*Entity)
	ix.backlinks = make(map[string][]Backlink)
	ix.tags = make(map[string]*tagEntry)
	ix.entityKeys = make(map[string][]string)
	ix.order = 0
	for _, p := range parsed {
		ix.insertLocked(p.note)
	}
	// A link folded before its target's entity was registered sits under the
	// raw key; re-key every backlink against the final entity map.
	ix.backlinks = make(map[string][]Backlink)
	for _, p := range parsed {
		for _, link := range p.note.Outlinks {
			key := ix.targetKeyLocked(link.Target)
			ix.backlinks[key] = append(ix.backlinks[key], Backlink{Source: p.note.Path, Target: link.Target, Line: link.Line})
		}
	}
	ix.builtAt = time.Now()
	ix.state = StateReady
	ix.mu.Unlock()

	logging.Index("cold build complete: %d notes, %d entities", len(parsed), ix.EntityCount())
	return nil
}

// =============================================================================
// MUTATORS
// =============================================================================

// Insert adds or replaces a note, maintaining every derived structure.
func (ix *VaultIndex) Insert(n *note.Note) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if _, exists := ix.notes[n.Path]; exists {
		ix.removeLocked(n.Path)
	}
	ix.insertLocked(n)
}

// Update is Insert for an already-present note.
func (ix *VaultIndex) Update(n *note.Note) { ix.Insert(n) }

// Remove deletes a note and purges all derived rows.
func (ix *VaultIndex) Remove(path string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.removeLocked(path)
}

func (ix *VaultIndex) insertLocked(n *note.Note) {
	ix.notes[n.Path] = n

	// Entity rule 1: the filename stem is always authoritative under its own
	// case-folded key. A stem claim can displace an alias claim but never an
	// earlier stem claim (first casing encountered wins).
	stem := n.Stem()
	category, _ := n.Frontmatter["category"].(string)
	if category == "" {
		category, _ = n.Frontmatter["type"].(string)
	}
	if ValidEntityName(stem) {
		key := strings.ToLower(stem)
		existing, claimed := ix.entities[key]
		if !claimed || !existing.IsStem {
			ix.registerEntityLocked(key, &Entity{
				Name:     stem,
				Key:      key,
				Path:     n.Path,
				Aliases:  n.Aliases,
				Category: category,
				IsStem:   true,
				Order:    ix.order,
			})
		}
	}

	// Entity rule 2: aliases claim their key only if it is unclaimed.
	for _, alias := range n.Aliases {
		if !ValidEntityName(alias) {
			continue
		}
		key := strings.ToLower(alias)
		if _, claimed := ix.entities[key]; claimed {
			continue
		}
		ix.registerEntityLocked(key, &Entity{
			Name:     alias,
			Key:      key,
			Path:     n.Path,
			Category: category,
			Order:    ix.order,
		})
	}
	ix.order++

	// Backlinks: resolved targets land on the target's canonical path key,
	// unresolved ones stay under the raw key so broken links surface.
	for _, link := range n.Outlinks {
		key := ix.targetKeyLocked(link.Target)
		ix.backlinks[key] = append(ix.backlinks[key], Backlink{
			Source: n.Path,
			Target: link.Target,
			Line:   link.Line,
		})
	}

	// Tags: case-folded key, first-seen casing preserved.
	for _, tag := range n.Tags {
		key := strings.ToLower(tag)
		entry := ix.tags[key]
		if entry == nil {
			entry = &tagEntry{name: tag, paths: make(map[string]bool)}
			ix.tags[key] = entry
		}
		entry.paths[n.Path] = true
	}
}

func (ix *VaultIndex) registerEntityLocked(key string, e *Entity) {
	if old, ok := ix.entities[key]; ok && old.Path != e.Path {
		ix.dropEntityKeyLocked(old.Path, key)
	}
	ix.entities[key] = e
	ix.entityKeys[e.Path] = append(ix.entityKeys[e.Path], key)
}

func (ix *VaultIndex) dropEntityKeyLocked(path, key string) {
	keys := ix.entityKeys[path]
	for i, k := range keys {
		if k == key {
			ix.entityKeys[path] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}

func (ix *VaultIndex) removeLocked(path string) {
	n, ok := ix.notes[path]
	if !ok {
		return
	}
	delete(ix.notes, path)

	// Purge backlinks sourced from this note under every key: a link may have
	// been stored under a key its target no longer resolves to.
	for key, links := range ix.backlinks {
		links = purgeSource(links, path)
		if len(links) == 0 {
			delete(ix.backlinks, key)
		} else {
			ix.backlinks[key] = links
		}
	}

	// Drop the entity keys this note registered.
	for _, key := range ix.entityKeys[path] {
		if e, ok := ix.entities[key]; ok && e.Path == path {
			delete(ix.entities, key)
		}
	}
	delete(ix.entityKeys, path)

	// Drop tag memberships.
	for _, tag := range n.Tags {
		key := strings.ToLower(tag)
		if entry := ix.tags[key]; entry != nil {
			delete(entry.paths, path)
			if len(entry.paths) == 0 {
				delete(ix.tags, key)
			}
		}
	}
}

func purgeSource(links []Backlink, source string) []Backlink {
	out := links[:0]
	for _, l := range links {
		if l.Source != source {
			out = append(out, l)
		}
	}
	return out
}

// targetKeyLocked computes the backlink key for a raw link target.
func (ix *VaultIndex) targetKeyLocked(target string) string {
	key := note.NormalizeKey(target)
	if e, ok := ix.entities[key]; ok {
		return PathKey(e.Path)
	}
	// A target may name a path directly (folder/Note or folder/Note.md).
	return key
}

// =============================================================================
// READERS
// =============================================================================

// Lookup returns the note at a canonical path.
func (ix *VaultIndex) Lookup(path string) (*note.Note, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	n, ok := ix.notes[path]
	return n, ok
}

// Resolve maps a free name (stem or alias, case-folded) to a note path.
func (ix *VaultIndex) Resolve(name string) (string, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if e, ok := ix.entities[strings.ToLower(strings.TrimSpace(name))]; ok {
		return e.Path, true
	}
	// Fall back to a direct path match.
	key := note.NormalizeKey(name)
	for path := range ix.notes {
		if PathKey(path) == key {
			return path, true
		}
	}
	return "", false
}

// Entity returns the entity registered under a surface, if any.
func (ix *VaultIndex) Entity(surface string) (Entity, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entities[strings.ToLower(strings.TrimSpace(surface))]
	if !ok {
		return Entity{}, false
	}
	return *e, true
}

// Entities returns a snapshot of all registered entities.
func (ix *VaultIndex) Entities() []Entity {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]Entity, 0, len(ix.entities))
	for _, e := range ix.entities {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// EntityCount returns the number of registered entity surfaces.
func (ix *VaultIndex) EntityCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entities)
}

// Backlinks returns the inbound links for a target, addressed either by a
// note path or by a raw link target.
func (ix *VaultIndex) Backlinks(target string) []Backlink {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	key := PathKey(target)
	if links, ok := ix.backlinks[key]; ok {
		return append([]Backlink(nil), links...)
	}
	key = note.NormalizeKey(target)
	if e, ok := ix.entities[key]; ok {
		key = PathKey(e.Path)
	}
	return append([]Backlink(nil), ix.backlinks[key]...)
}

// UnresolvedBacklinks returns backlinks whose key does not correspond to any
// note in the index: the vault's broken links.
func (ix *VaultIndex) UnresolvedBacklinks() []Backlink {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	pathKeys := make(map[string]bool, len(ix.notes))
	for path := range ix.notes {
		pathKeys[PathKey(path)] = true
	}
	var out []Backlink
	for key, links := range ix.backlinks {
		if pathKeys[key] {
			continue
		}
		out = append(out, links...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Line < out[j].Line
	})
	return out
}

// Tagged returns the paths carrying a tag, case-folded.
func (ix *VaultIndex) Tagged(tag string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	entry := ix.tags[strings.ToLower(strings.TrimPrefix(tag, "#"))]
	if entry == nil {
		return nil
	}
	out := make([]string, 0, len(entry.paths))
	for p := range entry.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// AllNotes returns a snapshot of every note, sorted by path.
func (ix *VaultIndex) AllNotes() []*note.Note {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make([]*note.Note, 0, len(ix.notes))
	for _, n := range ix.notes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// AllTags returns every tag with its first-seen casing and member count.
func (ix *VaultIndex) AllTags() map[string]int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := make(map[string]int, len(ix.tags))
	for _, entry := range ix.tags {
		out[entry.name] = len(entry.paths)
	}
	return out
}

// NoteCount returns the number of indexed notes.
func (ix *VaultIndex) NoteCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.notes)
}

// LinkCount returns the total number of outlinks in the vault.
func (ix *VaultIndex) LinkCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	total := 0
	for _, n := range ix.notes {
		total += len(n.Outlinks)
	}
	return total
}
