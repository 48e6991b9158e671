package tools

import (
	"mdvault/internal/index"
	"mdvault/internal/mutate"
	"mdvault/internal/resolver"
	"mdvault/internal/store"
)

// Op identifies one named operation on the surface.
type Op string

const (
	OpSearchNotes          Op = "search_notes"
	OpGetBacklinks         Op = "get_backlinks"
	OpGetOutlinks          Op = "get_outlinks"
	OpGetNoteMetadata      Op = "get_note_metadata"
	OpGetSectionContent    Op = "get_section_content"
	OpFindHubNotes         Op = "find_hub_notes"
	OpFindOrphanNotes      Op = "find_orphan_notes"
	OpGetShortestPath      Op = "get_shortest_path"
	OpGetFrontmatterSchema Op = "get_frontmatter_schema"
	OpSuggestWikilinks     Op = "suggest_wikilinks"
	OpListBrokenLinks      Op = "list_broken_links"

	OpAddToSection      Op = "vault_add_to_section"
	OpRemoveFromSection Op = "vault_remove_from_section"
	OpReplaceInSection  Op = "vault_replace_in_section"
	OpUpdateFrontmatter Op = "vault_update_frontmatter"
	OpCreateNote        Op = "vault_create_note"
	OpRenameNote        Op = "vault_rename_note"
	OpDeleteNote        Op = "vault_delete_note"
	OpToggleTask        Op = "vault_toggle_task"
	OpAddTask           Op = "vault_add_task"
	OpRunPolicy         Op = "vault_run_policy"

	OpReportFeedback   Op = "report_wikilink_feedback"
	OpListFeedback     Op = "list_wikilink_feedback"
	OpClearSuppression Op = "clear_wikilink_suppression"
)

// Category groups operations for preset filtering.
type Category string

const (
	CategorySearch    Category = "search"
	CategoryBacklinks Category = "backlinks"
	CategoryNotes     Category = "notes"
	CategoryTasks     Category = "tasks"
	CategoryGraph     Category = "graph"
	CategoryHealth    Category = "health"
	CategoryFeedback  Category = "feedback"
	CategoryWrite     Category = "write"
)

// CostClass declares what an operation touches.
type CostClass string

const (
	CostMetadata CostClass = "metadata"  // in-memory counters only
	CostIndex    CostClass = "index"     // index or store queries
	CostFileRead CostClass = "file-read" // touches note bytes on disk
)

// OpInfo is the static description of one operation.
type OpInfo struct {
	Name     Op        `json:"name"`
	Category Category  `json:"category"`
	Cost     CostClass `json:"cost"`
	Write    bool      `json:"write"`
	Brief    string    `json:"brief"`
}

// Registry is the full operation set, the authoritative enumeration the
// dispatcher matches over.
var Registry = []OpInfo{
	{OpSearchNotes, CategorySearch, CostIndex, false, "Ranked full-text and metadata search"},
	{OpGetBacklinks, CategoryBacklinks, CostIndex, false, "Inbound links for a note"},
	{OpGetOutlinks, CategoryBacklinks, CostIndex, false, "Outbound links of a note"},
	{OpGetNoteMetadata, CategoryNotes, CostIndex, false, "Frontmatter, tags, outline, counts"},
	{OpGetSectionContent, CategoryNotes, CostFileRead, false, "Raw body of one section"},
	{OpFindHubNotes, CategoryGraph, CostIndex, false, "Top notes by degree"},
	{OpFindOrphanNotes, CategoryGraph, CostIndex, false, "Notes with no links"},
	{OpGetShortestPath, CategoryGraph, CostIndex, false, "Shortest link path between notes"},
	{OpGetFrontmatterSchema, CategoryNotes, CostIndex, false, "Observed frontmatter fields with types"},
	{OpSuggestWikilinks, CategorySearch, CostFileRead, false, "Ranked link candidates with score breakdown"},
	{OpListBrokenLinks, CategoryHealth, CostIndex, false, "Backlinks whose target does not resolve"},

	{OpAddToSection, CategoryWrite, CostFileRead, true, "Insert content into a section"},
	{OpRemoveFromSection, CategoryWrite, CostFileRead, true, "Remove a line from a section"},
	{OpReplaceInSection, CategoryWrite, CostFileRead, true, "Replace text inside a section"},
	{OpUpdateFrontmatter, CategoryWrite, CostFileRead, true, "Merge frontmatter fields"},
	{OpCreateNote, CategoryWrite, CostFileRead, true, "Create a new note"},
	{OpRenameNote, CategoryWrite, CostFileRead, true, "Rename a note, rewriting backlinks"},
	{OpDeleteNote, CategoryWrite, CostFileRead, true, "Delete a note"},
	{OpToggleTask, CategoryTasks, CostFileRead, true, "Toggle a checkbox task"},
	{OpAddTask, CategoryTasks, CostFileRead, true, "Append a task to a section"},
	{OpRunPolicy, CategoryWrite, CostFileRead, true, "Chain mutations transactionally per note"},

	{OpReportFeedback, CategoryFeedback, CostIndex, true, "Record a correct/incorrect verdict"},
	{OpListFeedback, CategoryFeedback, CostIndex, false, "Aggregated feedback rows"},
	{OpClearSuppression, CategoryFeedback, CostIndex, true, "Remove a suppression"},
}

// Info returns the registry entry for an op.
func Info(op Op) (OpInfo, bool) {
	for _, info := range Registry {
		if info.Name == op {
			return info, true
		}
	}
	return OpInfo{}, false
}

// =============================================================================
// TYPED INPUTS AND OUTPUTS
// =============================================================================

// SearchScope selects which indexes search_notes consults.
type SearchScope string

const (
	ScopeMetadata SearchScope = "metadata"
	ScopeContent  SearchScope = "content"
	ScopeEntities SearchScope = "entities"
	ScopeAll      SearchScope = "all"
)

// SearchNotesInput parameterises search_notes.
type SearchNotesInput struct {
	Query  string      `json:"query"`
	Scope  SearchScope `json:"scope,omitempty"`
	Tag    string      `json:"tag,omitempty"`
	Folder string      `json:"folder,omitempty"`
	Limit  int         `json:"limit,omitempty"`
}

// SearchNotesOutput is the ranked result list.
type SearchNotesOutput struct {
	Results []store.SearchHit `json:"results"`
}

// PathInput addresses a single note.
type PathInput struct {
	Path string `json:"path"`
}

// BacklinksOutput lists inbound references.
type BacklinksOutput struct {
	Backlinks []index.Backlink `json:"backlinks"`
}

// Outlink is one outbound reference with its resolution, if any.
type Outlink struct {
	Target       string `json:"target"`
	ResolvedPath string `json:"resolved_path,omitempty"`
	Line         int    `json:"line"`
}

// OutlinksOutput lists outbound references.
type OutlinksOutput struct {
	Outlinks []Outlink `json:"outlinks"`
}

// SectionOutline is one heading in a note outline.
type SectionOutline struct {
	Heading string `json:"heading"`
	Level   int    `json:"level"`
	Line    int    `json:"line"`
}

// NoteMetadataOutput summarises one note without its body.
type NoteMetadataOutput struct {
	Path        string           `json:"path"`
	Title       string           `json:"title"`
	Modified    string           `json:"modified"`
	Frontmatter map[string]any   `json:"frontmatter,omitempty"`
	Tags        []string         `json:"tags,omitempty"`
	Aliases     []string         `json:"aliases,omitempty"`
	Outline     []SectionOutline `json:"outline,omitempty"`
	LinkCount   int              `json:"link_count"`
	BacklinkCnt int              `json:"backlink_count"`
	TaskCount   int              `json:"task_count"`
}

// SectionContentInput addresses one section of one note.
type SectionContentInput struct {
	Path    string `json:"path"`
	Section string `json:"section"`
}

// SectionContentOutput carries a raw section body.
type SectionContentOutput struct {
	Path    string `json:"path"`
	Section string `json:"section"`
	Content string `json:"content"`
}

// HubNotesInput bounds the hub ranking.
type HubNotesInput struct {
	TopK int `json:"top_k,omitempty"`
}

// HubNotesOutput is the degree ranking.
type HubNotesOutput struct {
	Hubs []index.HubNote `json:"hubs"`
}

// OrphanNotesInput selects the isolation direction.
type OrphanNotesInput struct {
	Direction index.OrphanDirection `json:"direction,omitempty"`
}

// OrphanNotesOutput lists isolated notes.
type OrphanNotesOutput struct {
	Orphans []string `json:"orphans"`
}

// ShortestPathInput parameterises the graph walk.
type ShortestPathInput struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Weighted bool   `json:"weighted,omitempty"`
}

// ShortestPathOutput is the ordered path, empty when unreachable.
type ShortestPathOutput struct {
	Path []string `json:"path"`
}

// FrontmatterField is one observed field of the vault-wide schema.
type FrontmatterField struct {
	Name  string         `json:"name"`
	Types map[string]int `json:"types"` // observed YAML shape -> count
	Count int            `json:"count"`
}

// FrontmatterSchemaOutput is the vault-wide frontmatter summary.
type FrontmatterSchemaOutput struct {
	Fields []FrontmatterField `json:"fields"`
}

// SuggestInput parameterises suggest_wikilinks.
type SuggestInput struct {
	Path  string `json:"path"`
	Limit int    `json:"limit,omitempty"`
}

// SuggestOutput carries ranked candidates with their breakdowns.
type SuggestOutput struct {
	Suggestions []resolver.Suggestion `json:"suggestions"`
}

// BrokenLinksOutput lists backlinks with no resolvable target.
type BrokenLinksOutput struct {
	Broken []index.Backlink `json:"broken"`
}

// SectionWriteInput parameterises the section mutations.
type SectionWriteInput struct {
	Path    string          `json:"path"`
	Section string          `json:"section"`
	Content string          `json:"content,omitempty"`
	Old     string          `json:"old,omitempty"`
	New     string          `json:"new,omitempty"`
	Format  mutate.Format   `json:"format,omitempty"`
	Pos     mutate.Position `json:"pos,omitempty"`
}

// WriteOutput is the shared mutation result.
type WriteOutput struct {
	Success bool               `json:"success"`
	Path    string             `json:"path"`
	Diff    string             `json:"diff,omitempty"`
	Applied []resolver.Applied `json:"applied,omitempty"`
}

// UpdateFrontmatterInput parameterises vault_update_frontmatter.
type UpdateFrontmatterInput struct {
	Path    string         `json:"path"`
	Updates map[string]any `json:"updates"`
}

// CreateNoteInput parameterises vault_create_note.
type CreateNoteInput struct {
	Path        string         `json:"path"`
	Frontmatter map[string]any `json:"frontmatter,omitempty"`
	Content     string         `json:"content"`
}

// RenameNoteInput parameterises vault_rename_note.
type RenameNoteInput struct {
	OldPath         string `json:"old_path"`
	NewPath         string `json:"new_path"`
	UpdateBacklinks bool   `json:"update_backlinks"`
}

// RenameNoteOutput reports success or the partial-failure breakdown.
type RenameNoteOutput struct {
	Success bool                `json:"success"`
	Report  mutate.RenameReport `json:"report"`
}

// DeleteNoteInput parameterises vault_delete_note.
type DeleteNoteInput struct {
	Path  string `json:"path"`
	Force bool   `json:"force,omitempty"`
}

// DeleteNoteOutput carries the backlink warning list.
type DeleteNoteOutput struct {
	Success   bool             `json:"success"`
	Backlinks []index.Backlink `json:"backlinks,omitempty"`
}

// TaskInput parameterises the task mutations.
type TaskInput struct {
	Path    string `json:"path"`
	Section string `json:"section,omitempty"`
	Content string `json:"content"`
}

// PolicyInput parameterises vault_run_policy.
type PolicyInput struct {
	Path  string              `json:"path"`
	Steps []mutate.PolicyStep `json:"steps"`
}

// PolicyOutput is the per-step outcome report.
type PolicyOutput struct {
	Success bool                `json:"success"`
	Report  mutate.PolicyReport `json:"report"`
}

// FeedbackInput parameterises report_wikilink_feedback.
type FeedbackInput struct {
	Target  string `json:"target"`            // entity name
	Context string `json:"context,omitempty"` // folder, or * for global
	Verdict string `json:"verdict"`           // correct | incorrect
}

// FeedbackOutput returns the updated accuracy for the pairing.
type FeedbackOutput struct {
	Accuracy store.Accuracy `json:"accuracy"`
}

// ListFeedbackInput filters list_wikilink_feedback.
type ListFeedbackInput struct {
	Target string `json:"target,omitempty"`
}

// ListFeedbackOutput returns the aggregated rows and active suppressions.
type ListFeedbackOutput struct {
	Rows         []store.FeedbackRow `json:"rows"`
	Suppressions []store.Suppression `json:"suppressions,omitempty"`
}

// ClearSuppressionInput parameterises clear_wikilink_suppression.
type ClearSuppressionInput struct {
	Target  string `json:"target"`
	Context string `json:"context"`
}

// OkOutput is the minimal acknowledgement.
type OkOutput struct {
	Success bool `json:"success"`
}
