package tools

import (
	"sort"
	"time"

	"mdvault/internal/index"
)

// VaultStats is the vault-statistics resource.
type VaultStats struct {
	NoteCount    int       `json:"note_count"`
	EntityCount  int       `json:"entity_count"`
	TagCount     int       `json:"tag_count"`
	LinkCount    int       `json:"link_count"`
	OrphanCount  int       `json:"orphan_count"`
	BrokenLinks  int       `json:"broken_links"`
	IndexState   string    `json:"index_state"`
	IndexBuiltAt time.Time `json:"index_built_at"`
}

// Stats assembles the vault-statistics resource from the index.
func (s *Surface) Stats() VaultStats {
	return VaultStats{
		NoteCount:    s.ix.NoteCount(),
		EntityCount:  s.ix.EntityCount(),
		TagCount:     len(s.ix.AllTags()),
		LinkCount:    s.ix.LinkCount(),
		OrphanCount:  len(s.ix.OrphanNotes(index.OrphanBoth)),
		BrokenLinks:  len(s.ix.UnresolvedBacklinks()),
		IndexState:   string(s.ix.State()),
		IndexBuiltAt: s.ix.BuiltAt(),
	}
}

// RecentNote is one entry of the recent-notes resource.
type RecentNote struct {
	Path     string    `json:"path"`
	Title    string    `json:"title"`
	Modified time.Time `json:"modified"`
}

// RecentNotes returns the newest notes by modification time.
func (s *Surface) RecentNotes(limit int) []RecentNote {
	if limit <= 0 {
		limit = 10
	}
	notes := s.ix.AllNotes()
	sort.SliceStable(notes, func(i, j int) bool {
		return notes[i].Modified.After(notes[j].Modified)
	})
	if len(notes) > limit {
		notes = notes[:limit]
	}
	out := make([]RecentNote, 0, len(notes))
	for _, n := range notes {
		out = append(out, RecentNote{Path: n.Path, Title: n.Title, Modified: n.Modified})
	}
	return out
}

// SchemaSummary is the schema resource: the frontmatter schema plus tag and
// folder shape, for callers that want a one-call vault orientation.
type SchemaSummary struct {
	Fields  []FrontmatterField `json:"fields"`
	Tags    map[string]int     `json:"tags"`
	Folders map[string]int     `json:"folders"`
}

// Schema assembles the schema summary resource.
func (s *Surface) Schema() (*SchemaSummary, error) {
	schema, err := s.GetFrontmatterSchema()
	if err != nil {
		return nil, err
	}
	folders := make(map[string]int)
	for _, n := range s.ix.AllNotes() {
		folders[n.Folder()]++
	}
	return &SchemaSummary{
		Fields:  schema.Fields,
		Tags:    s.ix.AllTags(),
		Folders: folders,
	}, nil
}
