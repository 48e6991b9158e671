package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *StateStore {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenCreatesSchema(t *testing.T) {
	st := openTestStore(t)

	version, err := st.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("version = %d, want %d", version, CurrentSchemaVersion)
	}

	// All spec tables exist.
	for _, table := range []string{
		"entities", "wikilink_applications", "wikilink_feedback",
		"wikilink_suppressions", "vault_metrics", "notes_fts", "schema_version",
	} {
		var count int
		err := st.DB().QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE name = ?", table).Scan(&count)
		if err != nil || count == 0 {
			t.Errorf("table %s missing (err=%v)", table, err)
		}
	}
}

func TestReopenIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	st.Close()

	st2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	version, _ := st2.SchemaVersion()
	if version != CurrentSchemaVersion {
		t.Errorf("version = %d", version)
	}
}

func TestRefusesDowngrade(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	st, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.DB().Exec("UPDATE schema_version SET version = ?", CurrentSchemaVersion+10); err != nil {
		t.Fatal(err)
	}
	st.Close()

	if _, err := Open(path); !errors.Is(err, ErrDowngrade) {
		t.Errorf("err = %v, want ErrDowngrade", err)
	}
}

func TestCloseIdempotent(t *testing.T) {
	st := openTestStore(t)
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestFTSRoundTrip(t *testing.T) {
	st := openTestStore(t)

	if err := st.IndexNote("notes/migrations.md", "Data Migrations",
		"Planning the database migration for the Acme project."); err != nil {
		t.Fatal(err)
	}
	if err := st.IndexNote("notes/unrelated.md", "Gardening",
		"Tomatoes and peppers."); err != nil {
		t.Fatal(err)
	}

	hits, err := st.Search("migration", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Path != "notes/migrations.md" {
		t.Fatalf("hits = %+v", hits)
	}
	if hits[0].Snippet == "" {
		t.Error("empty snippet")
	}

	// Porter stemming: "migrating" matches "migration".
	hits, err = st.Search("migrating", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("stemmed hits = %+v", hits)
	}

	// Prefix query.
	hits, err = st.Search("migr*", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Errorf("prefix hits = %+v", hits)
	}

	// Re-index replaces the row: the old body's words no longer match.
	if err := st.IndexNote("notes/migrations.md", "Data Migrations", "Completely different."); err != nil {
		t.Fatal(err)
	}
	hits, _ = st.Search("database", 10)
	if len(hits) != 0 {
		t.Errorf("stale hits = %+v", hits)
	}
}

func TestFTSRemoveAndRename(t *testing.T) {
	st := openTestStore(t)
	if err := st.IndexNote("a.md", "A", "searchable words here"); err != nil {
		t.Fatal(err)
	}
	if err := st.RenameNote("a.md", "b.md"); err != nil {
		t.Fatal(err)
	}
	hits, _ := st.Search("searchable", 10)
	if len(hits) != 1 || hits[0].Path != "b.md" {
		t.Fatalf("hits after rename = %+v", hits)
	}
	if err := st.RemoveNote("b.md"); err != nil {
		t.Fatal(err)
	}
	hits, _ = st.Search("searchable", 10)
	if len(hits) != 0 {
		t.Errorf("hits after remove = %+v", hits)
	}
}

func TestBuildMatchQuery(t *testing.T) {
	tests := []struct{ in, want string }{
		{"hello world", `"hello" "world"`},
		{"ab cd", ""},                   // below minimum token length
		{"hi migration", `"migration"`}, // short token dropped
		{`"exact phrase"`, `"exact phrase"`},
		{"migr*", `"migr"*`},
		{"", ""},
		{"c++ & stuff!!", `"stuff"`},
	}
	for _, tt := range tests {
		if got := BuildMatchQuery(tt.in); got != tt.want {
			t.Errorf("BuildMatchQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFeedbackAggregation(t *testing.T) {
	st := openTestStore(t)

	for i := 0; i < 4; i++ {
		if err := st.AddFeedback("Acme Corp", "daily-notes", VerdictCorrect); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.AddFeedback("Acme Corp", "daily-notes", VerdictIncorrect); err != nil {
		t.Fatal(err)
	}

	row, err := st.GetFeedback("Acme Corp", "daily-notes")
	if err != nil {
		t.Fatal(err)
	}
	if row.Correct != 4 || row.Incorrect != 1 {
		t.Errorf("row = %+v", row)
	}

	// The wildcard context aggregates alongside.
	global, _ := st.GetFeedback("Acme Corp", WildcardContext)
	if global.Correct != 4 || global.Incorrect != 1 {
		t.Errorf("global = %+v", global)
	}

	acc, err := st.GetAccuracy("Acme Corp", "daily-notes", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !acc.Sufficient || acc.Rate != 0.8 {
		t.Errorf("acc = %+v", acc)
	}

	// Below the minimum sample size accuracy is insufficient data.
	insufficient, _ := st.GetAccuracy("Acme Corp", "other-folder", 5)
	if insufficient.Sufficient {
		t.Errorf("insufficient = %+v", insufficient)
	}
}

func TestApplicationsLifecycle(t *testing.T) {
	st := openTestStore(t)

	id, err := st.RecordApplication("daily/log.md", "Acme Corp", "Acme", "daily")
	if err != nil {
		t.Fatal(err)
	}
	pending, err := st.PendingApplications("daily/log.md")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != id || pending[0].Verdict != VerdictPending {
		t.Fatalf("pending = %+v", pending)
	}

	if err := st.ResolveApplication(id, VerdictIncorrect); err != nil {
		t.Fatal(err)
	}
	pending, _ = st.PendingApplications("daily/log.md")
	if len(pending) != 0 {
		t.Errorf("still pending: %+v", pending)
	}

	row, _ := st.GetFeedback("Acme Corp", "daily")
	if row.Incorrect != 1 {
		t.Errorf("feedback row = %+v", row)
	}

	if err := st.ResolveApplication(id, "maybe"); err == nil {
		t.Error("invalid verdict accepted")
	}
}

func TestSuppressions(t *testing.T) {
	st := openTestStore(t)

	if err := st.AddSuppression("Acme Analytics Add-on", "daily-notes"); err != nil {
		t.Fatal(err)
	}
	// Duplicate insert is a no-op.
	if err := st.AddSuppression("Acme Analytics Add-on", "daily-notes"); err != nil {
		t.Fatal(err)
	}

	suppressed, err := st.IsSuppressed("Acme Analytics Add-on", "daily-notes")
	if err != nil {
		t.Fatal(err)
	}
	if !suppressed {
		t.Error("expected suppressed")
	}

	// A suppression in one folder does not leak into another.
	other, _ := st.IsSuppressed("Acme Analytics Add-on", "projects")
	if other {
		t.Error("suppression leaked across folders")
	}

	if err := st.ClearSuppression("Acme Analytics Add-on", "daily-notes"); err != nil {
		t.Fatal(err)
	}
	cleared, _ := st.IsSuppressed("Acme Analytics Add-on", "daily-notes")
	if cleared {
		t.Error("suppression not cleared")
	}
}

func TestEntitiesRoundTrip(t *testing.T) {
	st := openTestStore(t)

	rows := []EntityRow{
		{Name: "Acme Corp", Key: "acme corp", Path: "clients/Acme Corp.md", Aliases: []string{"Acme"}, Category: "client", HubScore: 1.5},
		{Name: "Sarah Mitchell", Key: "sarah mitchell", Path: "people/Sarah Mitchell.md"},
	}
	if err := st.ReplaceEntities(rows); err != nil {
		t.Fatal(err)
	}
	got, err := st.ListEntities()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Name != "Acme Corp" || got[0].Aliases[0] != "Acme" {
		t.Fatalf("entities = %+v", got)
	}

	if err := st.DeleteEntitiesForPath("clients/Acme Corp.md"); err != nil {
		t.Fatal(err)
	}
	got, _ = st.ListEntities()
	if len(got) != 1 || got[0].Key != "sarah mitchell" {
		t.Errorf("entities after delete = %+v", got)
	}
}

func TestMetricsSnapshots(t *testing.T) {
	st := openTestStore(t)
	for i := 1; i <= 3; i++ {
		if err := st.RecordMetrics(MetricsSnapshot{NoteCount: i * 10, TagCount: i, LinkCount: i * 5}); err != nil {
			t.Fatal(err)
		}
	}
	recent, err := st.RecentMetrics(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 2 || recent[0].NoteCount != 30 {
		t.Errorf("recent = %+v", recent)
	}
}
