package mutate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdvault/internal/index"
	"mdvault/internal/note"
	"mdvault/internal/resolver"
	"mdvault/internal/scanner"
)

// fixture builds a small on-disk vault plus a mutation engine over it.
type fixture struct {
	dir  string
	sc   *scanner.Scanner
	ix   *index.VaultIndex
	eng  *Engine
	link *resolver.Engine
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	}
	sc := scanner.New(dir)
	ix := index.New()
	require.NoError(t, ix.Build(context.Background(), sc, os.ReadFile))
	link := resolver.NewEngine(ix, resolver.NopFeedback{}, 3.5, 2)
	eng := New(sc, ix, link, nil, nil)
	eng.clock = func() time.Time {
		return time.Date(2026, 1, 3, 14, 32, 0, 0, time.UTC)
	}
	return &fixture{dir: dir, sc: sc, ix: ix, eng: eng, link: link}
}

func (f *fixture) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func scenarioVault() map[string]string {
	return map[string]string{
		"people/Sarah Mitchell.md":       "Works at [[Acme Corp]].\n",
		"clients/Acme Corp.md":           "Key client.\n",
		"projects/Acme Data Migration.md": "For [[Acme Corp]] with [[Sarah Mitchell]].\n",
		"daily-notes/2026-01-03.md":      "## Log\n",
	}
}

func TestAutoLinkOnWrite(t *testing.T) {
	f := newFixture(t, scenarioVault())

	res, err := f.eng.AddToSection("daily-notes/2026-01-03.md", "Log",
		"Call with Sarah at Acme about the data migration.", FormatTimestampBullet, Position{})
	require.NoError(t, err)
	require.Len(t, res.Applied, 3)

	got := f.read(t, "daily-notes/2026-01-03.md")
	assert.Contains(t, got,
		"- 14:32 - Call with [[Sarah Mitchell]] at [[Acme Corp]] about the [[Acme Data Migration]].")

	// The write is reflected in the index synchronously.
	links := f.ix.Backlinks("people/Sarah Mitchell.md")
	found := false
	for _, l := range links {
		if l.Source == "daily-notes/2026-01-03.md" {
			found = true
		}
	}
	assert.True(t, found, "backlink from daily note missing: %+v", links)
}

func TestAddToSectionPlacement(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "# Top\n\n## Work\n\n- existing\n\n## Other\n\ntail\n",
	})

	_, err := f.eng.AddToSection("note.md", "Work", "added line", FormatPlain, Position{})
	require.NoError(t, err)

	got := f.read(t, "note.md")
	// Content lands after the last non-blank line of the section, before Other.
	idx := strings.Index(got, "added line")
	require.True(t, idx > 0)
	assert.Less(t, idx, strings.Index(got, "## Other"))
	assert.Greater(t, idx, strings.Index(got, "- existing"))
}

func TestAddToSectionStartPosition(t *testing.T) {
	f := newFixture(t, map[string]string{"note.md": "## Log\n\n- old\n"})
	_, err := f.eng.AddToSection("note.md", "Log", "first", FormatBullet, Position{At: "start"})
	require.NoError(t, err)
	got := f.read(t, "note.md")
	assert.Less(t, strings.Index(got, "- first"), strings.Index(got, "- old"))
}

func TestBulletIndentMatchesDeepestItem(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "## Log\n\n- top\n  - nested\n",
	})
	_, err := f.eng.AddToSection("note.md", "Log", "deep", FormatBullet, Position{})
	require.NoError(t, err)
	assert.Contains(t, f.read(t, "note.md"), "  - deep")
}

func TestSectionAddressing(t *testing.T) {
	content := "# A\n\n## Standup\n\nalpha\n\n# B\n\n## Standup\n\nbeta\n"
	newFixture(t, map[string]string{"note.md": content})
	n, _ := note.Parse([]byte(content), "note.md", time.Time{})

	// Unqualified ambiguous address is rejected.
	_, err := ResolveSection(n, "Standup")
	assert.ErrorIs(t, err, ErrAmbiguous)

	// Ancestor qualification disambiguates.
	sec, err := ResolveSection(n, "# B > ## Standup")
	require.NoError(t, err)
	assert.Contains(t, content[sec.ContentStart:sec.End], "beta")

	// Level pinning alone does not separate two sections at the same level.
	_, err = ResolveSection(n, "## Standup")
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = ResolveSection(n, "Missing")
	assert.ErrorIs(t, err, ErrSectionNotFound)
}

func TestInsertIntoFenceConflicts(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "## Code\n\n```\nfenced content\n",
	})
	// The fence never closes, so the section end falls inside it.
	_, err := f.eng.AddToSection("note.md", "Code", "new", FormatPlain, Position{})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRemoveFromSection(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "## Log\n\n- keep\n- drop me\n- also keep\n",
	})
	res, err := f.eng.RemoveFromSection("note.md", "Log", "- drop me")
	require.NoError(t, err)
	assert.Contains(t, res.Diff, "drop me")

	got := f.read(t, "note.md")
	assert.NotContains(t, got, "drop me")
	assert.Contains(t, got, "- keep")
	assert.Contains(t, got, "- also keep")

	_, err = f.eng.RemoveFromSection("note.md", "Log", "never existed")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestReplaceInSection(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "## Notes\n\nThe old wording stays here.\n",
	})
	_, err := f.eng.ReplaceInSection("note.md", "Notes", "old wording", "new wording")
	require.NoError(t, err)
	got := f.read(t, "note.md")
	assert.Contains(t, got, "new wording")
	assert.NotContains(t, got, "old wording")

	_, err = f.eng.ReplaceInSection("note.md", "Notes", "absent", "x")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestUpdateFrontmatter(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "---\nstatus: draft\ntags: [a]\n---\nBody.\n",
	})

	_, err := f.eng.UpdateFrontmatter("note.md", map[string]any{
		"status":   "final",
		"reviewed": true,
	})
	require.NoError(t, err)

	got := f.read(t, "note.md")
	assert.Contains(t, got, "status: final")
	assert.Contains(t, got, "reviewed: true")
	assert.Contains(t, got, "Body.")

	// Shape collision: scalar replacing the existing list is a conflict.
	_, err = f.eng.UpdateFrontmatter("note.md", map[string]any{"tags": "scalar"})
	assert.ErrorIs(t, err, ErrConflict)

	// Nil deletes.
	_, err = f.eng.UpdateFrontmatter("note.md", map[string]any{"reviewed": nil})
	require.NoError(t, err)
	assert.NotContains(t, f.read(t, "note.md"), "reviewed")
}

func TestUpdateFrontmatterOnBareNote(t *testing.T) {
	f := newFixture(t, map[string]string{"note.md": "Just a body.\n"})
	_, err := f.eng.UpdateFrontmatter("note.md", map[string]any{"status": "new"})
	require.NoError(t, err)
	got := f.read(t, "note.md")
	assert.True(t, strings.HasPrefix(got, "---\n"))
	assert.Contains(t, got, "status: new")
	assert.Contains(t, got, "Just a body.")
}

func TestCRLFPreserved(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "## Log\r\n\r\n- old\r\n",
	})
	_, err := f.eng.AddToSection("note.md", "Log", "new entry", FormatBullet, Position{})
	require.NoError(t, err)
	got := f.read(t, "note.md")
	assert.Contains(t, got, "- new entry\r\n")
	assert.NotContains(t, strings.ReplaceAll(got, "\r\n", ""), "\n\n\n")
}

func TestAtomicWriteReadBack(t *testing.T) {
	f := newFixture(t, map[string]string{"note.md": "## Log\n"})
	_, err := f.eng.AddToSection("note.md", "Log", "exact content", FormatPlain, Position{})
	require.NoError(t, err)

	// No temp files left behind.
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".mdvault-"), "temp file left: %s", e.Name())
	}
	assert.Contains(t, f.read(t, "note.md"), "exact content")
}

func TestToggleAndAddTask(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "## Todo\n\n- [ ] write tests\n- [x] ship it\n",
	})

	_, err := f.eng.ToggleTask("note.md", "write tests")
	require.NoError(t, err)
	assert.Contains(t, f.read(t, "note.md"), "- [x] write tests")

	_, err = f.eng.ToggleTask("note.md", "ship it")
	require.NoError(t, err)
	assert.Contains(t, f.read(t, "note.md"), "- [ ] ship it")

	_, err = f.eng.AddTask("note.md", "Todo", "new task")
	require.NoError(t, err)
	assert.Contains(t, f.read(t, "note.md"), "- [ ] new task")

	_, err = f.eng.ToggleTask("note.md", "no such task")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCreateNote(t *testing.T) {
	f := newFixture(t, scenarioVault())

	res, err := f.eng.CreateNote("notes/Meeting.md",
		map[string]any{"tags": []string{"meeting"}},
		"Discussed things with Sarah Mitchell.")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Applied)

	got := f.read(t, "notes/Meeting.md")
	assert.Contains(t, got, "[[Sarah Mitchell]]")
	assert.Contains(t, got, "tags:")

	if _, ok := f.ix.Lookup("notes/Meeting.md"); !ok {
		t.Error("created note not indexed")
	}

	_, err = f.eng.CreateNote("notes/Meeting.md", nil, "again")
	assert.ErrorIs(t, err, ErrNoteExists)

	_, err = f.eng.CreateNote("notes/NotMarkdown.txt", nil, "x")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRenameNoteRewritesBacklinks(t *testing.T) {
	f := newFixture(t, map[string]string{
		"clients/Acme Corp.md": "The client.\n",
		"daily/a.md":           "Met [[Acme Corp]] today.\n",
		"daily/b.md":           "See [[Acme Corp|the client]] and [[Acme Corp#History]].\n",
		"daily/c.md":           "```\n[[Acme Corp]] in code stays.\n```\nAnd [[Acme Corp]] outside.\n",
	})

	report, err := f.eng.RenameNote("clients/Acme Corp.md", "clients/Acme Industries.md", true)
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.Len(t, report.Updated, 3)

	// The file moved.
	assert.NoFileExists(t, filepath.Join(f.dir, "clients", "Acme Corp.md"))
	assert.FileExists(t, filepath.Join(f.dir, "clients", "Acme Industries.md"))

	a := f.read(t, "daily/a.md")
	assert.Contains(t, a, "[[Acme Industries]]")
	assert.NotContains(t, a, "Acme Corp")

	// Display alias and heading fragment preserved.
	b := f.read(t, "daily/b.md")
	assert.Contains(t, b, "[[Acme Industries|the client]]")
	assert.Contains(t, b, "[[Acme Industries#History]]")

	// Code fences preserved verbatim; only the span outside is rewritten.
	c := f.read(t, "daily/c.md")
	assert.Contains(t, c, "[[Acme Corp]] in code stays.")
	assert.Contains(t, c, "And [[Acme Industries]] outside.")

	// Backlinks now accrue to the new path.
	links := f.ix.Backlinks("clients/Acme Industries.md")
	sources := map[string]bool{}
	for _, l := range links {
		sources[l.Source] = true
	}
	assert.True(t, sources["daily/a.md"] && sources["daily/b.md"] && sources["daily/c.md"],
		"backlinks = %+v", links)
}

func TestRenameWithoutBacklinkUpdate(t *testing.T) {
	f := newFixture(t, map[string]string{
		"a.md": "Target note.\n",
		"b.md": "[[a]]\n",
	})
	report, err := f.eng.RenameNote("a.md", "renamed.md", false)
	require.NoError(t, err)
	assert.Empty(t, report.Updated)
	assert.Contains(t, f.read(t, "b.md"), "[[a]]")
}

func TestRenameRefusesBadTargets(t *testing.T) {
	f := newFixture(t, map[string]string{"a.md": "x\n", "b.md": "y\n"})
	_, err := f.eng.RenameNote("missing.md", "new.md", true)
	assert.ErrorIs(t, err, ErrNoteNotFound)
	_, err = f.eng.RenameNote("a.md", "b.md", true)
	assert.ErrorIs(t, err, ErrNoteExists)
}

func TestDeleteNote(t *testing.T) {
	f := newFixture(t, map[string]string{
		"target.md": "To be deleted.\n",
		"ref.md":    "See [[target]].\n",
		"lone.md":   "Nobody links me.\n",
	})

	// Delete with backlinks needs force.
	report, err := f.eng.DeleteNote("target.md", false)
	assert.ErrorIs(t, err, ErrConflict)
	require.NotNil(t, report)
	assert.Len(t, report.Backlinks, 1)
	assert.FileExists(t, filepath.Join(f.dir, "target.md"))

	report, err = f.eng.DeleteNote("target.md", true)
	require.NoError(t, err)
	assert.True(t, report.Deleted)
	assert.NoFileExists(t, filepath.Join(f.dir, "target.md"))

	// The broken link now surfaces through health checks.
	broken := f.ix.UnresolvedBacklinks()
	require.Len(t, broken, 1)
	assert.Equal(t, "ref.md", broken[0].Source)

	// A note with no backlinks deletes without force.
	_, err = f.eng.DeleteNote("lone.md", false)
	require.NoError(t, err)

	_, err = f.eng.DeleteNote("missing.md", false)
	assert.ErrorIs(t, err, ErrNoteNotFound)
}

func TestRunPolicy(t *testing.T) {
	f := newFixture(t, map[string]string{
		"note.md": "## Log\n\n## Todo\n",
	})

	report, err := f.eng.RunPolicy("note.md", []PolicyStep{
		{Op: "add", Section: "Log", Content: "first entry", Format: FormatBullet},
		{Op: "add_task", Section: "Todo", Content: "follow up"},
		{Op: "frontmatter", Updates: map[string]any{"status": "active"}},
	})
	require.NoError(t, err)
	assert.Len(t, report.Results, 3)
	assert.Zero(t, report.Failed)

	got := f.read(t, "note.md")
	assert.Contains(t, got, "- first entry")
	assert.Contains(t, got, "- [ ] follow up")
	assert.Contains(t, got, "status: active")
}

func TestRunPolicyStopsOnFailure(t *testing.T) {
	f := newFixture(t, map[string]string{"note.md": "## Log\n"})

	report, err := f.eng.RunPolicy("note.md", []PolicyStep{
		{Op: "add", Section: "Log", Content: "ok", Format: FormatPlain},
		{Op: "add", Section: "Missing Section", Content: "fails"},
		{Op: "add", Section: "Log", Content: "never runs"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSectionNotFound))
	assert.Len(t, report.Results, 1)
	assert.Equal(t, 2, report.Failed)
	assert.NotContains(t, f.read(t, "note.md"), "never runs")
}
