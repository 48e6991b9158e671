package tools

import (
	"os"
	"sort"
	"strings"
)

// Preset controls which operations are visible in a session. A preset is the
// union of the categories it names; bundles expand to category sets.
type Preset struct {
	categories map[Category]bool
	all        bool
}

// bundles map convenience names to category unions.
var bundles = map[string][]Category{
	"all": {CategorySearch, CategoryBacklinks, CategoryNotes, CategoryTasks,
		CategoryGraph, CategoryHealth, CategoryFeedback, CategoryWrite},
	"minimal": {CategorySearch, CategoryNotes},
	"read": {CategorySearch, CategoryBacklinks, CategoryNotes, CategoryTasks,
		CategoryGraph, CategoryHealth},
}

// knownCategories guards against typos in preset strings.
var knownCategories = map[Category]bool{
	CategorySearch: true, CategoryBacklinks: true, CategoryNotes: true,
	CategoryTasks: true, CategoryGraph: true, CategoryHealth: true,
	CategoryFeedback: true, CategoryWrite: true,
}

// ParsePreset expands a comma-separated list of category and bundle names.
// Empty input means the maximal set. Unknown names are ignored rather than
// fatal so a stale preset string cannot brick the surface.
func ParsePreset(spec string) Preset {
	spec = strings.TrimSpace(spec)
	if spec == "" || spec == "all" {
		return Preset{all: true}
	}

	p := Preset{categories: make(map[Category]bool)}
	for _, name := range strings.Split(spec, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		if cats, ok := bundles[name]; ok {
			for _, c := range cats {
				p.categories[c] = true
			}
			continue
		}
		if c := Category(name); knownCategories[c] {
			p.categories[c] = true
		}
	}
	if len(p.categories) == 0 {
		return Preset{all: true}
	}
	return p
}

// Allows reports whether an operation is visible under this preset.
func (p Preset) Allows(info OpInfo) bool {
	if p.all {
		return true
	}
	return p.categories[info.Category]
}

// Names returns the enabled category names, sorted, or ["all"].
func (p Preset) Names() []string {
	if p.all {
		return []string{"all"}
	}
	out := make([]string, 0, len(p.categories))
	for c := range p.categories {
		out = append(out, string(c))
	}
	sort.Strings(out)
	return out
}

// readAll is the surface's file reader, separated for test substitution.
var readAll = os.ReadFile
