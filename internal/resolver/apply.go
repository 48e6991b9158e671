package resolver

import (
	"sort"
	"strings"
	"sync"
	"time"

	"mdvault/internal/index"
	"mdvault/internal/logging"
	"mdvault/internal/note"
)

// FeedbackProvider supplies frozen feedback state for scoring. Implemented by
// the feedback loop; a no-op implementation serves tests and offline scoring.
type FeedbackProvider interface {
	Snapshot(entityName, folder string) FeedbackSnapshot
}

// NopFeedback is a FeedbackProvider with no history.
type NopFeedback struct{}

// Snapshot returns an empty snapshot.
func (NopFeedback) Snapshot(string, string) FeedbackSnapshot { return FeedbackSnapshot{} }

// Applied records one rewrite performed by ApplyLinks.
type Applied struct {
	Entity  string `json:"entity"`  // canonical entity name
	Span    string `json:"span"`    // original surface text
	Start   int    `json:"start"`   // byte offset in the input text
	Display bool   `json:"display"` // rewritten with a |display alias
}

// Suggestion is one ranked candidate returned by Suggest.
type Suggestion struct {
	Span   string      `json:"span"`
	Result ScoreResult `json:"result"`
}

// Engine combines the surface resolver, the index, and the feedback provider
// into the auto-wikilink engine used by the mutation engine and the
// suggestion operation.
type Engine struct {
	mu  sync.RWMutex
	ix  *index.VaultIndex
	res *Resolver
	fb  FeedbackProvider

	applyFloor      float64
	suggestionCount int
}

// NewEngine builds the engine over the current index state.
func NewEngine(ix *index.VaultIndex, fb FeedbackProvider, applyFloor float64, suggestionCount int) *Engine {
	if fb == nil {
		fb = NopFeedback{}
	}
	if suggestionCount <= 0 {
		suggestionCount = 2
	}
	e := &Engine{
		ix:              ix,
		fb:              fb,
		applyFloor:      applyFloor,
		suggestionCount: suggestionCount,
	}
	e.Refresh()
	return e
}

// Refresh rebuilds the surface trie from the index. Call after the entity set
// changes (note insert/remove/rename).
func (e *Engine) Refresh() {
	res := NewFromIndex(e.ix)
	e.mu.Lock()
	e.res = res
	e.mu.Unlock()
}

func (e *Engine) resolver() *Resolver {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.res
}

// candidateInfo assembles the pure-scoring inputs for one entity from the
// current index snapshot. Co-occurrence counts both directions: entities the
// candidate's note links, and entities whose notes link the candidate.
func (e *Engine) candidateInfo(ent index.Entity) CandidateInfo {
	info := CandidateInfo{
		Entity:      ent,
		HubScore:    e.ix.HubScore(ent.Path),
		Cooccurring: make(map[string]bool),
	}
	if n, ok := e.ix.Lookup(ent.Path); ok {
		info.Modified = n.Modified
		for _, link := range n.Outlinks {
			info.Cooccurring[note.NormalizeKey(link.Target)] = true
		}
	}
	for _, bl := range e.ix.Backlinks(ent.Path) {
		info.Cooccurring[strings.ToLower(note.Stem(bl.Source))] = true
	}
	return info
}

// windowEntities extracts the entity keys already linked in a window of text.
func (e *Engine) windowEntities(windowText string) map[string]bool {
	out := make(map[string]bool)
	for _, m := range wikilinkRegion.FindAllString(note.MaskInert(windowText), -1) {
		target := strings.TrimPrefix(m, "[[")
		target = strings.TrimSuffix(target, "]]")
		if idx := strings.IndexAny(target, "|#"); idx >= 0 {
			target = target[:idx]
		}
		key := note.NormalizeKey(target)
		if key == "" {
			continue
		}
		if ent, ok := e.ix.Entity(key); ok {
			out[ent.Key] = true
		} else {
			out[key] = true
		}
	}
	return out
}

// scoreSpan scores every candidate for a span in the given destination.
// window carries the entity keys already present around the insertion point,
// including entities matched elsewhere in the same new text.
func (e *Engine) scoreSpan(span Span, destPath string, window map[string]bool, now time.Time) []ScoreResult {
	res := e.resolver()
	candidates := res.Candidates(span.Text)
	if len(candidates) == 0 {
		// The trie matched a folded surface even if the raw text differs in
		// punctuation; fall back to the folded surface.
		candidates = res.Candidates(span.Surface)
	}
	if len(candidates) == 0 {
		return nil
	}

	destFolder := folderOf(destPath)
	ctx := Context{
		Span:           span.Text,
		DestPath:       destPath,
		DestFolder:     destFolder,
		WindowEntities: window,
		Now:            now,
	}

	results := make([]ScoreResult, 0, len(candidates))
	for _, cand := range candidates {
		fb := e.fb.Snapshot(cand.Name, destFolder)
		results = append(results, Score(e.candidateInfo(cand), ctx, fb))
	}
	return Rank(results, destFolder)
}

// spanWindow unions the destination window with the entities the new text
// itself names: two mentions in one sentence co-occur even before either is
// linked.
func (e *Engine) spanWindow(spans []Span, windowText string) map[string]bool {
	window := e.windowEntities(windowText)
	res := e.resolver()
	for _, span := range spans {
		for _, cand := range res.Candidates(span.Text) {
			window[cand.Key] = true
		}
		for _, cand := range res.Candidates(span.Surface) {
			window[cand.Key] = true
		}
	}
	return window
}

// ApplyLinks rewrites qualifying spans in text to wikilink form. Text inside
// code fences and existing wikilinks is never modified. windowText provides
// the co-occurrence context (typically the destination section's current
// body). Returns the rewritten text and the applications performed.
func (e *Engine) ApplyLinks(text, destPath, windowText string) (string, []Applied) {
	spans := e.resolver().FindSpans(text)
	if len(spans) == 0 {
		return text, nil
	}
	now := time.Now()
	window := e.spanWindow(spans, windowText)

	var applied []Applied
	// Rewrite right-to-left so earlier offsets stay valid.
	out := text
	for i := len(spans) - 1; i >= 0; i-- {
		span := spans[i]
		ranked := e.scoreSpan(span, destPath, window, now)
		if len(ranked) == 0 {
			continue
		}
		winner := ranked[0]
		if winner.Score < e.applyFloor {
			logging.ResolverDebug("span %q below floor (%.1f < %.1f)", span.Text, winner.Score, e.applyFloor)
			continue
		}
		// Never link a note to itself.
		if winner.Path == destPath {
			continue
		}

		replacement, withDisplay := linkFor(winner.Entity, span.Text)
		out = out[:span.Start] + replacement + out[span.End:]
		applied = append(applied, Applied{
			Entity:  winner.Entity.Name,
			Span:    span.Text,
			Start:   span.Start,
			Display: withDisplay,
		})
	}

	// Applications were collected right-to-left; present them in text order.
	sort.Slice(applied, func(i, j int) bool { return applied[i].Start < applied[j].Start })
	return out, applied
}

// linkFor builds the wikilink for a span. Aliases and partial surfaces name
// the same thing shorter, so they collapse into the canonical [[Name]]; only
// a surface unrelated to the name keeps its original text as the display.
func linkFor(ent index.Entity, surface string) (string, bool) {
	folded := strings.ToLower(strings.TrimSpace(surface))
	name := ent.Name
	switch {
	case strings.EqualFold(name, surface):
		return "[[" + name + "]]", false
	case strings.Contains(strings.ToLower(name), folded):
		return "[[" + name + "]]", false
	default:
		return "[[" + name + "|" + surface + "]]", true
	}
}

// Suggest scores every matchable span in a note's current body and returns
// the ranked candidates with their breakdowns. The winner and the next
// runners-up per span are included, best spans first.
func (e *Engine) Suggest(destPath, body string, limit int) []Suggestion {
	spans := e.resolver().FindSpans(body)
	now := time.Now()
	window := e.spanWindow(spans, body)

	var suggestions []Suggestion
	seen := make(map[string]bool)
	for _, span := range spans {
		ranked := e.scoreSpan(span, destPath, window, now)
		max := e.suggestionCount + 1
		if len(ranked) < max {
			max = len(ranked)
		}
		for _, r := range ranked[:max] {
			if r.Path == destPath || seen[r.Path+"|"+span.Text] {
				continue
			}
			seen[r.Path+"|"+span.Text] = true
			suggestions = append(suggestions, Suggestion{Span: span.Text, Result: r})
		}
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Result.Score > suggestions[j].Result.Score
	})
	if limit > 0 && len(suggestions) > limit {
		suggestions = suggestions[:limit]
	}
	return suggestions
}
