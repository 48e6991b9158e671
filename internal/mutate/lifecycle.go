package mutate

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mdvault/internal/index"
	"mdvault/internal/logging"
	"mdvault/internal/note"
)

// CreateNote writes a new note with optional frontmatter, auto-linking the
// body. Fails if the path already exists.
func (e *Engine) CreateNote(relPath string, frontmatter map[string]any, content string) (*Result, error) {
	if !strings.HasSuffix(relPath, ".md") {
		return nil, fmt.Errorf("%w: %q is not a markdown path", ErrInvalidInput, relPath)
	}
	if _, err := os.Stat(e.sc.Abs(relPath)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoteExists, relPath)
	}

	linked, applied := e.link.ApplyLinks(content, relPath, content)

	var text strings.Builder
	if len(frontmatter) > 0 {
		data, err := yaml.Marshal(frontmatter)
		if err != nil {
			return nil, fmt.Errorf("marshal frontmatter: %w", err)
		}
		text.WriteString("---\n")
		text.Write(data)
		text.WriteString("---\n")
	}
	text.WriteString(linked)
	if !strings.HasSuffix(linked, "\n") {
		text.WriteString("\n")
	}

	if _, err := e.commit(relPath, "", text.String(), false, applied); err != nil {
		return nil, err
	}
	logging.Mutate("created note %s", relPath)
	return &Result{Path: relPath, Diff: "+ " + relPath, Applied: applied}, nil
}

// RenameReport is the partial-failure report of a rename. Already-written
// files are not rolled back; Remaining lists the sources still untouched
// when the operation stopped.
type RenameReport struct {
	OldPath   string            `json:"old_path"`
	NewPath   string            `json:"new_path"`
	Updated   []string          `json:"updated,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
	Remaining []string          `json:"remaining,omitempty"`
}

// Complete reports whether every referencing note was rewritten.
func (r *RenameReport) Complete() bool {
	return len(r.Failed) == 0 && len(r.Remaining) == 0
}

// RenameNote moves a note and, when updateBacklinks is set, rewrites every
// [[OldName]] reference (stem and path forms, fragment and display preserved)
// to the new canonical name. Links written through one of the note's aliases
// are not rewritten. File writes are individually atomic; on a
// per-file failure the report lists successes, failures, and remaining work.
func (e *Engine) RenameNote(oldPath, newPath string, updateBacklinks bool) (*RenameReport, error) {
	timer := logging.StartTimer(logging.CategoryMutate, "RenameNote")
	defer timer.StopWithInfo()

	if !strings.HasSuffix(newPath, ".md") {
		return nil, fmt.Errorf("%w: %q is not a markdown path", ErrInvalidInput, newPath)
	}
	if _, ok := e.ix.Lookup(oldPath); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoteNotFound, oldPath)
	}
	if _, err := os.Stat(e.sc.Abs(newPath)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoteExists, newPath)
	}

	report := &RenameReport{OldPath: oldPath, NewPath: newPath, Failed: map[string]string{}}

	// Move the note itself first: write new, then unlink old.
	text, crlf, err := e.readRaw(oldPath)
	if err != nil {
		return nil, err
	}
	if err := e.writeAtomic(newPath, text, crlf); err != nil {
		return nil, fmt.Errorf("write %s: %w", newPath, err)
	}
	if err := os.Remove(e.sc.Abs(oldPath)); err != nil {
		report.Failed[oldPath] = fmt.Sprintf("remove old file: %v", err)
	}

	// Patch the index and stores for the moved note before rewriting sources
	// so that re-parsed sources resolve against the new entity.
	entry, statErr := e.sc.Stat(newPath)
	modified := time.Now()
	if statErr == nil {
		modified = entry.Modified
	}
	moved, _ := note.Parse([]byte(text), newPath, modified)
	e.ix.Remove(oldPath)
	e.ix.Insert(moved)
	e.link.Refresh()
	if e.st != nil {
		if err := e.st.RenameNote(oldPath, newPath); err != nil {
			logging.Get(logging.CategoryStore).Warn("fts rename %s: %v", oldPath, err)
		}
	}

	if !updateBacklinks {
		return report, nil
	}

	sources := referencingSources(e.ix, oldPath)
	oldStem := note.Stem(oldPath)
	newStem := note.Stem(newPath)
	rewrites := renamePatterns(oldPath, oldStem, newStem, newPath)

	for i, source := range sources {
		if source == oldPath || source == newPath {
			continue
		}
		srcText, srcCRLF, err := e.readRaw(source)
		if err != nil {
			report.Failed[source] = err.Error()
			report.Remaining = sources[i+1:]
			break
		}
		updated := srcText
		for _, rw := range rewrites {
			updated = rewriteOutsideFences(updated, rw)
		}
		if updated == srcText {
			continue
		}
		if err := e.writeAtomic(source, updated, srcCRLF); err != nil {
			report.Failed[source] = err.Error()
			report.Remaining = sources[i+1:]
			break
		}
		report.Updated = append(report.Updated, source)

		// Patch the index from the successful write.
		n, _ := note.Parse([]byte(updated), source, time.Now())
		e.ix.Insert(n)
		if e.st != nil {
			if err := e.st.IndexNote(source, n.Title, splitForFTS(updated)); err != nil {
				logging.Get(logging.CategoryStore).Warn("fts update %s: %v", source, err)
			}
		}
	}
	e.link.Refresh()

	logging.Mutate("renamed %s -> %s (updated %d sources, %d failures)",
		oldPath, newPath, len(report.Updated), len(report.Failed))
	return report, nil
}

type rewrite struct {
	pattern     *regexp.Regexp
	replacement string
}

// rewriteOutsideFences applies one link rewrite, leaving spans inside code
// fences and inline code preserved verbatim. Matches are located on the
// masked text (masking preserves offsets) and spliced right-to-left.
func rewriteOutsideFences(text string, rw rewrite) string {
	masked := note.MaskInert(text)
	matches := rw.pattern.FindAllStringSubmatchIndex(masked, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		expanded := rw.pattern.ExpandString(nil, rw.replacement, text, m)
		text = text[:m[0]] + string(expanded) + text[m[1]:]
	}
	return text
}

// renamePatterns builds the link rewrites for a rename: the stem form and
// the path form, case-insensitive, fragment and display preserved. Targets
// inside code fences are left alone because rewriteOutsideFences matches on
// the masked text.
func renamePatterns(oldPath, oldStem, newStem, newPath string) []rewrite {
	oldPathKey := strings.TrimSuffix(oldPath, ".md")
	newPathKey := strings.TrimSuffix(newPath, ".md")
	return []rewrite{
		{
			pattern: regexp.MustCompile(
				`(?i)\[\[` + regexp.QuoteMeta(oldStem) + `((?:#[^\]|]*)?)((?:\|[^\]]*)?)\]\]`),
			replacement: `[[` + newStem + `${1}${2}]]`,
		},
		{
			pattern: regexp.MustCompile(
				`(?i)\[\[` + regexp.QuoteMeta(oldPathKey) + `(?:\.md)?((?:#[^\]|]*)?)((?:\|[^\]]*)?)\]\]`),
			replacement: `[[` + newPathKey + `${1}${2}]]`,
		},
	}
}

// referencingSources returns the distinct notes whose outlinks land on the
// given path, sorted for deterministic processing order.
func referencingSources(ix *index.VaultIndex, path string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, bl := range ix.Backlinks(path) {
		if !seen[bl.Source] {
			seen[bl.Source] = true
			out = append(out, bl.Source)
		}
	}
	sort.Strings(out)
	return out
}

// DeleteReport carries the outcome of a delete, including the backlink
// warning list when the target is still referenced.
type DeleteReport struct {
	Path      string           `json:"path"`
	Deleted   bool             `json:"deleted"`
	Backlinks []index.Backlink `json:"backlinks,omitempty"`
}

// DeleteNote removes a note. A note with inbound links is refused unless
// force is set; the remaining backlinks become broken links surfaced by
// health checks.
func (e *Engine) DeleteNote(relPath string, force bool) (*DeleteReport, error) {
	if _, ok := e.ix.Lookup(relPath); !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoteNotFound, relPath)
	}

	report := &DeleteReport{Path: relPath, Backlinks: e.ix.Backlinks(relPath)}
	if len(report.Backlinks) > 0 && !force {
		return report, fmt.Errorf("%w: %s has %d backlink(s); pass force to delete",
			ErrConflict, relPath, len(report.Backlinks))
	}

	if err := os.Remove(e.sc.Abs(relPath)); err != nil && !os.IsNotExist(err) {
		return report, fmt.Errorf("remove %s: %w", relPath, err)
	}

	e.ix.Remove(relPath)
	e.link.Refresh()
	if e.st != nil {
		if err := e.st.RemoveNote(relPath); err != nil {
			logging.Get(logging.CategoryStore).Warn("fts remove %s: %v", relPath, err)
		}
		if err := e.st.DeleteEntitiesForPath(relPath); err != nil {
			logging.Get(logging.CategoryStore).Warn("entity remove %s: %v", relPath, err)
		}
	}

	report.Deleted = true
	logging.Mutate("deleted note %s (%d backlinks remain)", relPath, len(report.Backlinks))
	return report, nil
}
