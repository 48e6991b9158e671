package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"mdvault/internal/note"
	"mdvault/internal/scanner"
)

func mustParse(t *testing.T, path, text string) *note.Note {
	t.Helper()
	n, _ := note.Parse([]byte(text), path, time.Now())
	return n
}

func TestEntityRegistration(t *testing.T) {
	ix := New()
	ix.Insert(mustParse(t, "people/Sarah Mitchell.md", "---\naliases: [Sarah]\n---\nBio."))

	if path, ok := ix.Resolve("sarah mitchell"); !ok || path != "people/Sarah Mitchell.md" {
		t.Errorf("Resolve(sarah mitchell) = %q, %v", path, ok)
	}
	if path, ok := ix.Resolve("Sarah"); !ok || path != "people/Sarah Mitchell.md" {
		t.Errorf("Resolve(Sarah) = %q, %v", path, ok)
	}
}

func TestStemBeatsAlias(t *testing.T) {
	ix := New()
	// An alias claims "acme" first...
	ix.Insert(mustParse(t, "clients/Acme Corp.md", "---\naliases: [Acme]\n---\n"))
	// ...but a filename stem is always authoritative for its own key.
	ix.Insert(mustParse(t, "notes/Acme.md", "The real Acme note."))

	if path, _ := ix.Resolve("acme"); path != "notes/Acme.md" {
		t.Errorf("Resolve(acme) = %q, want notes/Acme.md", path)
	}

	// A later alias cannot displace the stem claim.
	ix.Insert(mustParse(t, "misc/Unrelated.md", "---\naliases: [Acme]\n---\n"))
	if path, _ := ix.Resolve("acme"); path != "notes/Acme.md" {
		t.Errorf("Resolve(acme) after alias insert = %q", path)
	}
}

func TestStopAndDateEntitiesRejected(t *testing.T) {
	ix := New()
	ix.Insert(mustParse(t, "notes/ok.md", "Some text."))
	ix.Insert(mustParse(t, "notes/me.md", "Me note."))
	ix.Insert(mustParse(t, "daily/2025-01-01.md", "Daily."))
	ix.Insert(mustParse(t, "weekly/2025-W17.md", "Weekly."))
	ix.Insert(mustParse(t, "notes/a.md", "Single char."))

	for _, name := range []string{"ok", "me", "2025-01-01", "2025-W17", "a"} {
		if _, found := ix.Entity(name); found {
			t.Errorf("entity %q should have been rejected", name)
		}
	}
	// The notes themselves are still indexed.
	if ix.NoteCount() != 5 {
		t.Errorf("NoteCount = %d", ix.NoteCount())
	}
}

func TestBacklinksFollowOutlinks(t *testing.T) {
	ix := New()
	ix.Insert(mustParse(t, "clients/Acme Corp.md", "The client."))
	ix.Insert(mustParse(t, "daily/log.md", "Met [[Acme Corp]] today.\nAlso [[acme corp|them]] again."))

	links := ix.Backlinks("clients/Acme Corp.md")
	if len(links) != 2 {
		t.Fatalf("Backlinks = %+v", links)
	}
	if links[0].Source != "daily/log.md" || links[0].Line != 1 {
		t.Errorf("links[0] = %+v", links[0])
	}

	// Invariant: outlinks and backlinks stay in lockstep through updates.
	ix.Insert(mustParse(t, "daily/log.md", "No links anymore."))
	if got := ix.Backlinks("clients/Acme Corp.md"); len(got) != 0 {
		t.Errorf("Backlinks after update = %+v", got)
	}
}

func TestUnresolvedBacklinksSurface(t *testing.T) {
	ix := New()
	ix.Insert(mustParse(t, "a.md", "See [[Ghost Note]]."))

	broken := ix.UnresolvedBacklinks()
	if len(broken) != 1 || broken[0].Target != "Ghost Note" {
		t.Fatalf("UnresolvedBacklinks = %+v", broken)
	}
}

func TestRemovePurgesDerivedState(t *testing.T) {
	ix := New()
	ix.Insert(mustParse(t, "b.md", "Target."))
	ix.Insert(mustParse(t, "a.md", "---\ntags: [x]\n---\n[[b]]"))

	ix.Remove("a.md")
	if got := ix.Backlinks("b.md"); len(got) != 0 {
		t.Errorf("backlinks not purged: %+v", got)
	}
	if got := ix.Tagged("x"); len(got) != 0 {
		t.Errorf("tags not purged: %+v", got)
	}
	if _, ok := ix.Entity("a"); ok {
		t.Error("entity not purged")
	}
}

func TestOrphanNotes(t *testing.T) {
	ix := New()
	ix.Insert(mustParse(t, "hub.md", "[[leaf]]"))
	ix.Insert(mustParse(t, "leaf.md", "No outlinks."))
	ix.Insert(mustParse(t, "scratch/idea.md", "Isolated."))

	both := ix.OrphanNotes(OrphanBoth)
	if len(both) != 1 || both[0] != "scratch/idea.md" {
		t.Errorf("OrphanBoth = %v", both)
	}
	in := ix.OrphanNotes(OrphanIn)
	if len(in) != 2 { // hub.md and scratch/idea.md have no inbound links
		t.Errorf("OrphanIn = %v", in)
	}
}

func TestShortestPath(t *testing.T) {
	ix := New()
	ix.Insert(mustParse(t, "A.md", "[[B]] and [[D]]"))
	ix.Insert(mustParse(t, "B.md", "[[C]]"))
	ix.Insert(mustParse(t, "D.md", "[[C]]"))
	ix.Insert(mustParse(t, "C.md", "End."))

	path := ix.ShortestPath("A.md", "C.md", false)
	if len(path) != 3 || path[0] != "A.md" || path[2] != "C.md" {
		t.Fatalf("path = %v", path)
	}

	// Give B a higher hub score (an extra inbound link) and require the
	// weighted walk to prefer it on the tie.
	ix.Insert(mustParse(t, "E.md", "[[B]]"))
	weighted := ix.ShortestPath("A.md", "C.md", true)
	if len(weighted) != 3 || weighted[1] != "B.md" {
		t.Errorf("weighted path = %v, want via B.md", weighted)
	}

	if got := ix.ShortestPath("C.md", "A.md", false); got != nil {
		t.Errorf("reverse path = %v, want nil", got)
	}
	if got := ix.ShortestPath("A.md", "A.md", false); len(got) != 1 {
		t.Errorf("self path = %v", got)
	}
}

func TestHubNotes(t *testing.T) {
	ix := New()
	ix.Insert(mustParse(t, "hub.md", "Center."))
	ix.Insert(mustParse(t, "a.md", "[[hub]]"))
	ix.Insert(mustParse(t, "b.md", "[[hub]]"))
	ix.Insert(mustParse(t, "c.md", "[[hub]] and [[a]]"))

	hubs := ix.HubNotes(2)
	if len(hubs) != 2 || hubs[0].Path != "hub.md" || hubs[0].InDegree != 3 {
		t.Fatalf("hubs = %+v", hubs)
	}
}

// buildVault writes a small fixture vault and cold-builds an index over it.
func buildVault(t *testing.T) (*VaultIndex, *scanner.Scanner) {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"people/Sarah Mitchell.md": "---\naliases: [Sarah]\n---\nWorks at [[Acme Corp]].\n",
		"clients/Acme Corp.md":     "# Acme\n\nKey client. #client\n",
		"daily/2026-01-03.md":      "## Log\n\n- Met [[Sarah Mitchell]].\n",
	}
	for path, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	sc := scanner.New(dir)
	ix := New()
	if err := ix.Build(context.Background(), sc, os.ReadFile); err != nil {
		t.Fatal(err)
	}
	return ix, sc
}

// snapshot reduces the index to comparable exported state.
type snapshot struct {
	Notes     map[string][]string // path -> outlink targets
	Entities  map[string]string   // surface -> path
	Backlinks map[string][]Backlink
	Tags      map[string]int
}

func snap(ix *VaultIndex) snapshot {
	s := snapshot{
		Notes:     map[string][]string{},
		Entities:  map[string]string{},
		Backlinks: map[string][]Backlink{},
		Tags:      ix.AllTags(),
	}
	for _, n := range ix.AllNotes() {
		var targets []string
		for _, l := range n.Outlinks {
			targets = append(targets, l.Target)
		}
		s.Notes[n.Path] = targets
		s.Backlinks[n.Path] = ix.Backlinks(n.Path)
	}
	for _, e := range ix.Entities() {
		s.Entities[e.Key] = e.Path
	}
	return s
}

func TestColdBuildIdempotent(t *testing.T) {
	ix1, sc := buildVault(t)
	if ix1.State() != StateReady {
		t.Fatalf("state = %s", ix1.State())
	}

	ix2 := New()
	if err := ix2.Build(context.Background(), sc, os.ReadFile); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(snap(ix1), snap(ix2)); diff != "" {
		t.Errorf("cold rebuild differs (-first +second):\n%s", diff)
	}
}

func TestRoundTripRefold(t *testing.T) {
	ix, _ := buildVault(t)
	before := snap(ix)

	// Re-parse every note's current in-memory form and re-fold.
	for _, n := range ix.AllNotes() {
		ix.Insert(n)
	}
	if diff := cmp.Diff(before, snap(ix)); diff != "" {
		t.Errorf("refold changed the index:\n%s", diff)
	}
}

func TestFirstCasingWins(t *testing.T) {
	ix := New()
	ix.Insert(mustParse(t, "notes/Apple.md", "First."))
	// A conflicting casing on what a case-insensitive filesystem would call
	// the same file maps to the same entity key; the first casing stays.
	ix.Insert(mustParse(t, "notes/APPLE.md", "Second casing."))

	e, ok := ix.Entity("apple")
	if !ok {
		t.Fatal("entity apple missing")
	}
	if e.Name != "Apple" {
		t.Errorf("Name = %q", e.Name)
	}
	// Both paths exist as notes; one entity key arbitrates.
	if ix.NoteCount() != 2 {
		t.Errorf("NoteCount = %d", ix.NoteCount())
	}
}
