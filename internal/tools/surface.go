package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"mdvault/internal/feedback"
	"mdvault/internal/index"
	"mdvault/internal/logging"
	"mdvault/internal/mutate"
	"mdvault/internal/note"
	"mdvault/internal/resolver"
	"mdvault/internal/scanner"
	"mdvault/internal/store"
)

// Surface exposes the named operations. One instance serves a single vault.
type Surface struct {
	ix     *index.VaultIndex
	st     *store.StateStore
	fb     *feedback.Loop
	link   *resolver.Engine
	mut    *mutate.Engine
	sc     *scanner.Scanner
	preset Preset
}

// NewSurface wires the operation surface.
func NewSurface(ix *index.VaultIndex, st *store.StateStore, fb *feedback.Loop,
	link *resolver.Engine, mut *mutate.Engine, sc *scanner.Scanner, preset Preset) *Surface {
	return &Surface{ix: ix, st: st, fb: fb, link: link, mut: mut, sc: sc, preset: preset}
}

// Visible returns the operations enabled by the session preset.
func (s *Surface) Visible() []OpInfo {
	var out []OpInfo
	for _, info := range Registry {
		if s.preset.Allows(info) {
			out = append(out, info)
		}
	}
	return out
}

// gate enforces index readiness: writes require ready, reads tolerate dirty.
func (s *Surface) gate(write bool) error {
	state := s.ix.State()
	if state == index.StateReady {
		return nil
	}
	if !write && state == index.StateDirty {
		return nil
	}
	return &OpError{
		Kind:    KindNotReady,
		Message: fmt.Sprintf("index state is %s", state),
		Err:     index.ErrNotReady,
	}
}

// Dispatch decodes the input for a named operation, runs it, and returns the
// typed output. Unknown operations and preset-hidden operations are input
// errors.
func (s *Surface) Dispatch(op Op, input json.RawMessage) (any, error) {
	info, ok := Info(op)
	if !ok {
		return nil, inputErr("unknown operation %q", op)
	}
	if !s.preset.Allows(info) {
		return nil, inputErr("operation %q is not enabled by the current preset", op)
	}
	if err := s.gate(info.Write); err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryTools, string(op))
	defer timer.Stop()

	decode := func(v any) error {
		if len(input) == 0 {
			return nil
		}
		if err := json.Unmarshal(input, v); err != nil {
			return inputErr("decode %s input: %v", op, err)
		}
		return nil
	}

	switch op {
	case OpSearchNotes:
		var in SearchNotesInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.SearchNotes(in)
	case OpGetBacklinks:
		var in PathInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.GetBacklinks(in)
	case OpGetOutlinks:
		var in PathInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.GetOutlinks(in)
	case OpGetNoteMetadata:
		var in PathInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.GetNoteMetadata(in)
	case OpGetSectionContent:
		var in SectionContentInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.GetSectionContent(in)
	case OpFindHubNotes:
		var in HubNotesInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.FindHubNotes(in)
	case OpFindOrphanNotes:
		var in OrphanNotesInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.FindOrphanNotes(in)
	case OpGetShortestPath:
		var in ShortestPathInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.GetShortestPath(in)
	case OpGetFrontmatterSchema:
		return s.GetFrontmatterSchema()
	case OpSuggestWikilinks:
		var in SuggestInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.SuggestWikilinks(in)
	case OpListBrokenLinks:
		return s.ListBrokenLinks()
	case OpAddToSection:
		var in SectionWriteInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.AddToSection(in)
	case OpRemoveFromSection:
		var in SectionWriteInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.RemoveFromSection(in)
	case OpReplaceInSection:
		var in SectionWriteInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.ReplaceInSection(in)
	case OpUpdateFrontmatter:
		var in UpdateFrontmatterInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.UpdateFrontmatter(in)
	case OpCreateNote:
		var in CreateNoteInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.CreateNote(in)
	case OpRenameNote:
		var in RenameNoteInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.RenameNote(in)
	case OpDeleteNote:
		var in DeleteNoteInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.DeleteNote(in)
	case OpToggleTask:
		var in TaskInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.ToggleTask(in)
	case OpAddTask:
		var in TaskInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.AddTask(in)
	case OpRunPolicy:
		var in PolicyInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.RunPolicy(in)
	case OpReportFeedback:
		var in FeedbackInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.ReportFeedback(in)
	case OpListFeedback:
		var in ListFeedbackInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.ListFeedback(in)
	case OpClearSuppression:
		var in ClearSuppressionInput
		if err := decode(&in); err != nil {
			return nil, err
		}
		return s.ClearSuppression(in)
	default:
		return nil, inputErr("operation %q has no dispatcher", op)
	}
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// SearchNotes runs a scoped search with optional tag and folder filters.
func (s *Surface) SearchNotes(in SearchNotesInput) (*SearchNotesOutput, error) {
	if strings.TrimSpace(in.Query) == "" {
		return nil, inputErr("empty query")
	}
	scope := in.Scope
	if scope == "" {
		scope = ScopeAll
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}

	seen := make(map[string]bool)
	var hits []store.SearchHit

	if scope == ScopeContent || scope == ScopeAll {
		ftsHits, err := s.st.Search(in.Query, limit*2)
		if err != nil {
			return nil, classify(err, "")
		}
		for _, h := range ftsHits {
			if !seen[h.Path] {
				seen[h.Path] = true
				hits = append(hits, h)
			}
		}
	}

	if scope == ScopeMetadata || scope == ScopeAll {
		q := strings.ToLower(in.Query)
		for _, n := range s.ix.AllNotes() {
			if seen[n.Path] {
				continue
			}
			score := 0.0
			if strings.Contains(strings.ToLower(n.Title), q) {
				score = 4
			} else if n.HasTag(strings.TrimPrefix(q, "#")) {
				score = 3
			} else if frontmatterContains(n.Frontmatter, q) {
				score = 2
			}
			if score > 0 {
				seen[n.Path] = true
				hits = append(hits, store.SearchHit{Path: n.Path, Title: n.Title, Score: score})
			}
		}
	}

	if scope == ScopeEntities || scope == ScopeAll {
		q := strings.ToLower(in.Query)
		for _, e := range s.ix.Entities() {
			if seen[e.Path] {
				continue
			}
			if strings.Contains(e.Key, q) {
				seen[e.Path] = true
				title := e.Name
				if n, ok := s.ix.Lookup(e.Path); ok {
					title = n.Title
				}
				hits = append(hits, store.SearchHit{Path: e.Path, Title: title, Score: 2.5})
			}
		}
	}

	// Filters apply after scope union.
	filtered := hits[:0]
	for _, h := range hits {
		if in.Folder != "" && !strings.HasPrefix(h.Path, strings.TrimSuffix(in.Folder, "/")+"/") {
			continue
		}
		if in.Tag != "" {
			n, ok := s.ix.Lookup(h.Path)
			if !ok || !n.HasTag(in.Tag) {
				continue
			}
		}
		filtered = append(filtered, h)
	}

	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return &SearchNotesOutput{Results: filtered}, nil
}

func frontmatterContains(fm map[string]any, q string) bool {
	for _, v := range fm {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

// GetBacklinks returns the inbound links for a note path.
func (s *Surface) GetBacklinks(in PathInput) (*BacklinksOutput, error) {
	if _, ok := s.ix.Lookup(in.Path); !ok {
		return nil, inputErr("note not found: %s", in.Path)
	}
	return &BacklinksOutput{Backlinks: s.ix.Backlinks(in.Path)}, nil
}

// GetOutlinks returns the outbound links of a note with their resolutions.
func (s *Surface) GetOutlinks(in PathInput) (*OutlinksOutput, error) {
	n, ok := s.ix.Lookup(in.Path)
	if !ok {
		return nil, inputErr("note not found: %s", in.Path)
	}
	out := make([]Outlink, 0, len(n.Outlinks))
	for _, l := range n.Outlinks {
		o := Outlink{Target: l.Target, Line: l.Line}
		if path, ok := s.ix.Resolve(l.Target); ok {
			o.ResolvedPath = path
		}
		out = append(out, o)
	}
	return &OutlinksOutput{Outlinks: out}, nil
}

// GetNoteMetadata summarises one note without reading its body from disk.
func (s *Surface) GetNoteMetadata(in PathInput) (*NoteMetadataOutput, error) {
	n, ok := s.ix.Lookup(in.Path)
	if !ok {
		return nil, inputErr("note not found: %s", in.Path)
	}
	outline := make([]SectionOutline, 0, len(n.Sections))
	for _, sec := range n.Sections {
		outline = append(outline, SectionOutline{Heading: sec.Heading, Level: sec.Level, Line: sec.Line})
	}
	return &NoteMetadataOutput{
		Path:        n.Path,
		Title:       n.Title,
		Modified:    n.Modified.Format(time.RFC3339),
		Frontmatter: n.Frontmatter,
		Tags:        n.Tags,
		Aliases:     n.Aliases,
		Outline:     outline,
		LinkCount:   len(n.Outlinks),
		BacklinkCnt: len(s.ix.Backlinks(n.Path)),
		TaskCount:   len(n.Tasks),
	}, nil
}

// GetSectionContent reads the raw body of one section from disk.
func (s *Surface) GetSectionContent(in SectionContentInput) (*SectionContentOutput, error) {
	entry, err := s.sc.Stat(in.Path)
	if err != nil {
		return nil, inputErr("note not found: %s", in.Path)
	}
	data, err := readAll(entry.AbsPath)
	if err != nil {
		return nil, classify(err, in.Path)
	}
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	n, _ := note.Parse([]byte(text), in.Path, entry.Modified)
	sec, err := mutate.ResolveSection(n, in.Section)
	if err != nil {
		return nil, classify(err, in.Path)
	}
	start, end := sec.ContentStart, sec.End
	if start > len(text) {
		start = len(text)
	}
	if end > len(text) {
		end = len(text)
	}
	return &SectionContentOutput{Path: in.Path, Section: sec.Heading, Content: text[start:end]}, nil
}

// FindHubNotes ranks notes by degree.
func (s *Surface) FindHubNotes(in HubNotesInput) (*HubNotesOutput, error) {
	k := in.TopK
	if k <= 0 {
		k = 10
	}
	return &HubNotesOutput{Hubs: s.ix.HubNotes(k)}, nil
}

// FindOrphanNotes lists notes isolated in the requested direction.
func (s *Surface) FindOrphanNotes(in OrphanNotesInput) (*OrphanNotesOutput, error) {
	dir := in.Direction
	if dir == "" {
		dir = index.OrphanBoth
	}
	return &OrphanNotesOutput{Orphans: s.ix.OrphanNotes(dir)}, nil
}

// GetShortestPath walks the link graph between two notes.
func (s *Surface) GetShortestPath(in ShortestPathInput) (*ShortestPathOutput, error) {
	if in.From == "" || in.To == "" {
		return nil, inputErr("both from and to are required")
	}
	path := s.ix.ShortestPath(in.From, in.To, in.Weighted)
	if path == nil {
		path = []string{}
	}
	return &ShortestPathOutput{Path: path}, nil
}

// GetFrontmatterSchema aggregates observed frontmatter fields across the
// vault with their value shapes and counts.
func (s *Surface) GetFrontmatterSchema() (*FrontmatterSchemaOutput, error) {
	fields := make(map[string]*FrontmatterField)
	for _, n := range s.ix.AllNotes() {
		for key, value := range n.Frontmatter {
			f := fields[key]
			if f == nil {
				f = &FrontmatterField{Name: key, Types: make(map[string]int)}
				fields[key] = f
			}
			f.Count++
			f.Types[yamlShape(value)]++
		}
	}
	out := make([]FrontmatterField, 0, len(fields))
	for _, f := range fields {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	return &FrontmatterSchemaOutput{Fields: out}, nil
}

func yamlShape(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case int, int64, float64:
		return "number"
	case bool:
		return "bool"
	case []any, []string:
		return "list"
	case map[string]any:
		return "map"
	case nil:
		return "null"
	default:
		return "other"
	}
}

// SuggestWikilinks scores the matchable spans of a note's current body.
func (s *Surface) SuggestWikilinks(in SuggestInput) (*SuggestOutput, error) {
	entry, err := s.sc.Stat(in.Path)
	if err != nil {
		return nil, inputErr("note not found: %s", in.Path)
	}
	data, err := readAll(entry.AbsPath)
	if err != nil {
		return nil, classify(err, in.Path)
	}
	_, body, _ := note.SplitFrontmatter(strings.ReplaceAll(string(data), "\r\n", "\n"))
	suggestions := s.link.Suggest(in.Path, body, in.Limit)
	if suggestions == nil {
		suggestions = []resolver.Suggestion{}
	}
	return &SuggestOutput{Suggestions: suggestions}, nil
}

// ListBrokenLinks surfaces backlinks whose target no longer resolves.
func (s *Surface) ListBrokenLinks() (*BrokenLinksOutput, error) {
	return &BrokenLinksOutput{Broken: s.ix.UnresolvedBacklinks()}, nil
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// AddToSection inserts content into a section.
func (s *Surface) AddToSection(in SectionWriteInput) (*WriteOutput, error) {
	res, err := s.mut.AddToSection(in.Path, in.Section, in.Content, in.Format, in.Pos)
	if err != nil {
		return nil, classify(err, in.Path)
	}
	return &WriteOutput{Success: true, Path: res.Path, Diff: res.Diff, Applied: res.Applied}, nil
}

// RemoveFromSection removes a matching line from a section.
func (s *Surface) RemoveFromSection(in SectionWriteInput) (*WriteOutput, error) {
	res, err := s.mut.RemoveFromSection(in.Path, in.Section, in.Content)
	if err != nil {
		return nil, classify(err, in.Path)
	}
	return &WriteOutput{Success: true, Path: res.Path, Diff: res.Diff}, nil
}

// ReplaceInSection swaps text inside a section.
func (s *Surface) ReplaceInSection(in SectionWriteInput) (*WriteOutput, error) {
	res, err := s.mut.ReplaceInSection(in.Path, in.Section, in.Old, in.New)
	if err != nil {
		return nil, classify(err, in.Path)
	}
	return &WriteOutput{Success: true, Path: res.Path, Diff: res.Diff, Applied: res.Applied}, nil
}

// UpdateFrontmatter merges frontmatter fields.
func (s *Surface) UpdateFrontmatter(in UpdateFrontmatterInput) (*WriteOutput, error) {
	res, err := s.mut.UpdateFrontmatter(in.Path, in.Updates)
	if err != nil {
		return nil, classify(err, in.Path)
	}
	return &WriteOutput{Success: true, Path: res.Path, Diff: res.Diff}, nil
}

// CreateNote creates a new note.
func (s *Surface) CreateNote(in CreateNoteInput) (*WriteOutput, error) {
	res, err := s.mut.CreateNote(in.Path, in.Frontmatter, in.Content)
	if err != nil {
		return nil, classify(err, in.Path)
	}
	return &WriteOutput{Success: true, Path: res.Path, Diff: res.Diff, Applied: res.Applied}, nil
}

// RenameNote renames a note, rewriting backlinks when requested.
func (s *Surface) RenameNote(in RenameNoteInput) (*RenameNoteOutput, error) {
	report, err := s.mut.RenameNote(in.OldPath, in.NewPath, in.UpdateBacklinks)
	if err != nil {
		return nil, classify(err, in.OldPath)
	}
	return &RenameNoteOutput{Success: report.Complete(), Report: *report}, nil
}

// DeleteNote deletes a note, warning about surviving backlinks.
func (s *Surface) DeleteNote(in DeleteNoteInput) (*DeleteNoteOutput, error) {
	report, err := s.mut.DeleteNote(in.Path, in.Force)
	if err != nil {
		out := &DeleteNoteOutput{Success: false}
		if report != nil {
			out.Backlinks = report.Backlinks
		}
		return out, classify(err, in.Path)
	}
	return &DeleteNoteOutput{Success: report.Deleted, Backlinks: report.Backlinks}, nil
}

// ToggleTask flips a checkbox task.
func (s *Surface) ToggleTask(in TaskInput) (*WriteOutput, error) {
	res, err := s.mut.ToggleTask(in.Path, in.Content)
	if err != nil {
		return nil, classify(err, in.Path)
	}
	return &WriteOutput{Success: true, Path: res.Path, Diff: res.Diff}, nil
}

// AddTask appends an unchecked task to a section.
func (s *Surface) AddTask(in TaskInput) (*WriteOutput, error) {
	res, err := s.mut.AddTask(in.Path, in.Section, in.Content)
	if err != nil {
		return nil, classify(err, in.Path)
	}
	return &WriteOutput{Success: true, Path: res.Path, Diff: res.Diff, Applied: res.Applied}, nil
}

// RunPolicy chains mutations against one note. Success is the conjunction of
// step statuses.
func (s *Surface) RunPolicy(in PolicyInput) (*PolicyOutput, error) {
	if len(in.Steps) == 0 {
		return nil, inputErr("policy has no steps")
	}
	report, err := s.mut.RunPolicy(in.Path, in.Steps)
	out := &PolicyOutput{Success: err == nil, Report: *report}
	if err != nil {
		return out, classify(err, in.Path)
	}
	return out, nil
}

// =============================================================================
// FEEDBACK OPERATIONS
// =============================================================================

// ReportFeedback records an explicit verdict and returns updated accuracy.
func (s *Surface) ReportFeedback(in FeedbackInput) (*FeedbackOutput, error) {
	if in.Target == "" {
		return nil, inputErr("target entity is required")
	}
	if in.Verdict != store.VerdictCorrect && in.Verdict != store.VerdictIncorrect {
		return nil, inputErr("verdict must be %q or %q", store.VerdictCorrect, store.VerdictIncorrect)
	}
	acc, err := s.fb.ReportVerdict(in.Target, in.Context, in.Verdict)
	if err != nil {
		return nil, classify(err, "")
	}
	return &FeedbackOutput{Accuracy: acc}, nil
}

// ListFeedback returns the aggregated rows and suppressions.
func (s *Surface) ListFeedback(in ListFeedbackInput) (*ListFeedbackOutput, error) {
	rows, err := s.fb.ListFeedback(in.Target)
	if err != nil {
		return nil, classify(err, "")
	}
	sups, err := s.fb.ListSuppressions()
	if err != nil {
		return nil, classify(err, "")
	}
	return &ListFeedbackOutput{Rows: rows, Suppressions: sups}, nil
}

// ClearSuppression removes a suppression explicitly.
func (s *Surface) ClearSuppression(in ClearSuppressionInput) (*OkOutput, error) {
	if in.Target == "" {
		return nil, inputErr("target entity is required")
	}
	if err := s.fb.ClearSuppression(in.Target, in.Context); err != nil {
		return nil, classify(err, "")
	}
	return &OkOutput{Success: true}, nil
}
