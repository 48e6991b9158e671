package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdvault/internal/config"
	"mdvault/internal/index"
	"mdvault/internal/tools"
	"mdvault/internal/watcher"
)

func testEngine(t *testing.T, files map[string]string) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
	}
	cfg := config.DefaultConfig()
	cfg.VaultPath = dir
	cfg.Watcher.DebounceInterval = 20 * time.Millisecond
	cfg.Watcher.FlushInterval = 100 * time.Millisecond

	eng, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(eng.Close)
	return eng, dir
}

func TestStartBuildsAndSyncs(t *testing.T) {
	eng, dir := testEngine(t, map[string]string{
		"clients/Acme Corp.md": "Key client.\n",
		"daily/log.md":         "Met [[Acme Corp]].\n",
	})
	require.NoError(t, eng.Start(context.Background()))

	assert.Equal(t, index.StateReady, eng.Index().State())
	assert.Equal(t, 2, eng.Index().NoteCount())

	// Entities materialised in the store.
	entities, err := eng.Store().ListEntities()
	require.NoError(t, err)
	assert.NotEmpty(t, entities)

	// Full-text rows synchronised.
	hits, err := eng.Store().Search("client", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)

	// The human-readable projection exists.
	assert.FileExists(t, filepath.Join(dir, ".mdvault", "entities.json"))

	// A metrics snapshot was recorded.
	snaps, err := eng.Store().RecentMetrics(1)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, 2, snaps[0].NoteCount)
}

func TestWatcherBatchCoalescesToSingleUpsert(t *testing.T) {
	eng, dir := testEngine(t, map[string]string{"seed.md": "seed\n"})
	require.NoError(t, eng.Start(context.Background()))

	// Write the file the events describe, then replay the raw event storm
	// through the pipeline: add, change, change, unlink, add.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "note.md"), []byte("[[seed]]\n"), 0644))
	w := eng.Watcher()
	for _, op := range []watcher.Op{watcher.OpAdd, watcher.OpChange, watcher.OpChange, watcher.OpUnlink, watcher.OpAdd} {
		w.Enqueue(watcher.Event{Path: "note.md", Op: op})
	}
	w.Flush()

	n, ok := eng.Index().Lookup("note.md")
	require.True(t, ok, "note.md not indexed after flush")
	assert.Len(t, n.Outlinks, 1)

	// The synthetic storm coalesced; the OS may deliver its own events for
	// the same write, so the counter is a floor, not an exact count.
	stats := w.GetStats()
	assert.GreaterOrEqual(t, stats.Upserts, 1)

	// The upsert also landed in the backlink index.
	links := eng.Index().Backlinks("seed.md")
	require.Len(t, links, 1)
	assert.Equal(t, "note.md", links[0].Source)
}

func TestWatcherDeleteRemovesNote(t *testing.T) {
	eng, dir := testEngine(t, map[string]string{"doomed.md": "bye\n"})
	require.NoError(t, eng.Start(context.Background()))

	require.NoError(t, os.Remove(filepath.Join(dir, "doomed.md")))
	w := eng.Watcher()
	w.Enqueue(watcher.Event{Path: "doomed.md", Op: watcher.OpUnlink})
	w.Flush()

	_, ok := eng.Index().Lookup("doomed.md")
	assert.False(t, ok)
}

func TestLiveFileChangePropagates(t *testing.T) {
	eng, dir := testEngine(t, map[string]string{"a.md": "original\n"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, eng.Start(ctx))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("now with [[b]]\n"), 0644))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if n, ok := eng.Index().Lookup("a.md"); ok && len(n.Outlinks) == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	n, _ := eng.Index().Lookup("a.md")
	t.Fatalf("change not propagated, note = %+v", n)
}

func TestMutationVisibleToSubsequentRead(t *testing.T) {
	eng, _ := testEngine(t, map[string]string{
		"daily/log.md": "## Log\n",
		"notes/X.md":   "target\n",
	})
	require.NoError(t, eng.Start(context.Background()))

	out, err := eng.Surface().AddToSection(tools.SectionWriteInput{
		Path: "daily/log.md", Section: "Log", Content: "A line.",
	})
	require.NoError(t, err)
	assert.True(t, out.Success)

	// A read that starts after the write returned observes it.
	sec, err := eng.Surface().GetSectionContent(tools.SectionContentInput{
		Path: "daily/log.md", Section: "Log",
	})
	require.NoError(t, err)
	assert.Contains(t, sec.Content, "A line.")
}
