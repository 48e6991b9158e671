package resolver

import (
	"regexp"
	"sort"
	"strings"

	"mdvault/internal/index"
	"mdvault/internal/logging"
	"mdvault/internal/note"
)

// Span is a free-text region that matched an entity surface.
type Span struct {
	Start   int    // byte offset in the text
	End     int    // exclusive byte offset
	Text    string // original surface, case preserved
	Surface string // case-folded matched surface
}

// Resolver matches spans against the current entity set. It is rebuilt from
// the index whenever the entity set changes; matching itself never touches
// the index.
type Resolver struct {
	trie     *surfaceTrie
	entities map[string]index.Entity // case-folded surface -> entity
}

// wikilinkRegion matches an existing [[...]] so spans inside it are skipped.
var wikilinkRegion = regexp.MustCompile(`\[\[[^\]]*\]\]`)

// NewFromIndex builds a resolver over every entity surface in the index.
// Besides names and aliases, multi-word names register their token suffixes
// (at least two tokens long) so a span like "Data Migration" can still land
// on "Acme Data Migration"; the scorer's proximity layer prices the partial
// coverage.
func NewFromIndex(ix *index.VaultIndex) *Resolver {
	r := &Resolver{
		trie:     newSurfaceTrie(),
		entities: make(map[string]index.Entity),
	}
	entities := ix.Entities()
	// Every surface resolves to the stem entity of the note that declares it,
	// so an alias span lands on the canonical name and its alias list.
	canonical := make(map[string]index.Entity)
	for _, e := range entities {
		if e.IsStem {
			canonical[e.Path] = e
		}
	}
	owner := func(e index.Entity) index.Entity {
		if c, ok := canonical[e.Path]; ok {
			return c
		}
		return e
	}
	for _, e := range entities {
		r.addSurface(e.Name, owner(e))
		for _, alias := range e.Aliases {
			r.addSurface(alias, owner(e))
		}
	}
	// Sub-surfaces register last so they can never shadow a real surface.
	// Prefixes may be a single token ("Sarah" for "Sarah Mitchell"); suffixes
	// need at least two ("Data Migration", but never a bare "Migration").
	for _, e := range entities {
		words := tokenizeWords(strings.ToLower(e.Name))
		for keep := 1; keep < len(words); keep++ {
			r.addSurface(strings.Join(words[:keep], " "), owner(e))
		}
		for drop := 1; len(words)-drop >= 2; drop++ {
			r.addSurface(strings.Join(words[drop:], " "), owner(e))
		}
	}
	logging.ResolverDebug("resolver built over %d surfaces", len(r.entities))
	return r
}

func (r *Resolver) addSurface(surface string, e index.Entity) {
	if !index.ValidEntityName(surface) {
		return
	}
	folded := strings.ToLower(strings.TrimSpace(surface))
	if _, claimed := r.entities[folded]; claimed {
		// The index already arbitrated surface ownership; first wins here too.
		return
	}
	r.entities[folded] = e
	r.trie.add(surface)
}

// Candidates returns the entity registered for the span's surface (a name,
// an alias, or a name prefix or suffix), case-folded. The stop filter applies
// before any candidate lookup.
func (r *Resolver) Candidates(span string) []index.Entity {
	span = strings.TrimSpace(span)
	if !passesStopFilter(span) {
		return nil
	}
	e, ok := r.entities[strings.ToLower(span)]
	if !ok {
		return nil
	}
	return []index.Entity{e}
}

// FindSpans scans body text for entity-surface matches. Regions inside code
// fences, inline code, and existing wikilinks are never considered. Matching
// is longest-first: "Acme Data Migration" wins over "Acme".
func (r *Resolver) FindSpans(text string) []Span {
	masked := note.MaskInert(text)
	masked = maskWikilinks(masked)

	tokens := tokenize(masked)
	var spans []Span
	i := 0
	for i < len(tokens) {
		surface, consumed := r.trie.match(tokens, i)
		if consumed == 0 {
			i++
			continue
		}
		start := tokens[i].start
		end := tokens[i+consumed-1].end
		original := text[start:end]
		if passesStopFilter(original) {
			spans = append(spans, Span{
				Start:   start,
				End:     end,
				Text:    original,
				Surface: surface,
			})
		}
		i += consumed
	}
	return spans
}

// maskWikilinks blanks existing [[...]] regions, including their targets, so
// already-linked text is never re-matched.
func maskWikilinks(text string) string {
	out := []byte(text)
	for _, m := range wikilinkRegion.FindAllStringIndex(text, -1) {
		for i := m[0]; i < m[1]; i++ {
			if out[i] != '\n' && out[i] != '\r' {
				out[i] = ' '
			}
		}
	}
	return string(out)
}

// passesStopFilter rejects spans that must never resolve: stop-list tokens,
// spans shorter than two characters, and date-shaped spans.
func passesStopFilter(span string) bool {
	return index.ValidEntityName(span)
}

// Surfaces returns all registered surfaces, for diagnostics.
func (r *Resolver) Surfaces() []string {
	out := make([]string, 0, len(r.entities))
	for s := range r.entities {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
