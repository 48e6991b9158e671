// Package mutate implements the safe mutation engine: section-aware,
// code-fence-aware Markdown edits with atomic writes, auto-wikilink
// application, and link-integrity preservation under rename.
package mutate

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mdvault/internal/feedback"
	"mdvault/internal/index"
	"mdvault/internal/logging"
	"mdvault/internal/note"
	"mdvault/internal/resolver"
	"mdvault/internal/scanner"
	"mdvault/internal/store"
)

// Sentinel errors. The operation surface maps these onto its error kinds.
var (
	ErrNoteNotFound    = errors.New("note not found")
	ErrNoteExists      = errors.New("note already exists")
	ErrSectionNotFound = errors.New("section not found")
	ErrAmbiguous       = errors.New("section address is ambiguous")
	ErrConflict        = errors.New("insertion would land in a protected region")
	ErrInvalidInput    = errors.New("invalid input")
)

// Format selects how inserted content is decorated.
type Format string

const (
	FormatPlain           Format = "plain"
	FormatBullet          Format = "bullet"
	FormatTimestampBullet Format = "timestamp-bullet"
	FormatTask            Format = "task"
)

// Position addresses where inside a section content is inserted.
type Position struct {
	At     string `json:"at,omitempty"`     // "end" (default), "start", "before", "after"
	Anchor string `json:"anchor,omitempty"` // line text for before/after
}

// Result describes one successful mutation.
type Result struct {
	Path    string             `json:"path"`
	Diff    string             `json:"diff,omitempty"`
	Applied []resolver.Applied `json:"applied,omitempty"`
}

// Engine performs all writes. It borrows the index read-only for planning and
// patches it synchronously after each successful write.
type Engine struct {
	sc   *scanner.Scanner
	ix   *index.VaultIndex
	link *resolver.Engine
	fb   *feedback.Loop
	st   *store.StateStore

	// clock is stubbed in tests for timestamp-bullet formatting.
	clock func() time.Time
}

// New wires the mutation engine.
func New(sc *scanner.Scanner, ix *index.VaultIndex, link *resolver.Engine, fb *feedback.Loop, st *store.StateStore) *Engine {
	return &Engine{
		sc:    sc,
		ix:    ix,
		link:  link,
		fb:    fb,
		st:    st,
		clock: time.Now,
	}
}

// =============================================================================
// SECTION ADDRESSING
// =============================================================================

// ResolveSection finds the section named by an address. An address is a
// heading text, optionally qualified by ancestor headings:
// "Log", "## Work > ### Standup". An unqualified address matching more than
// one section is rejected as ambiguous.
func ResolveSection(n *note.Note, address string) (note.Section, error) {
	parts := splitAddress(address)
	if len(parts) == 0 {
		return note.Section{}, fmt.Errorf("%w: empty section address", ErrInvalidInput)
	}

	leaf := parts[len(parts)-1]
	var matches []note.Section
	for i, s := range n.Sections {
		if !strings.EqualFold(s.Heading, leaf.text) {
			continue
		}
		if leaf.level > 0 && s.Level != leaf.level {
			continue
		}
		if ancestorsMatch(n.Sections, i, parts[:len(parts)-1]) {
			matches = append(matches, s)
		}
	}

	switch len(matches) {
	case 0:
		return note.Section{}, fmt.Errorf("%w: %q in %s", ErrSectionNotFound, address, n.Path)
	case 1:
		return matches[0], nil
	default:
		return note.Section{}, fmt.Errorf("%w: %q matches %d sections in %s; qualify with an ancestor path",
			ErrAmbiguous, address, len(matches), n.Path)
	}
}

type addressPart struct {
	text  string
	level int // 0 when the address does not pin a level
}

// splitAddress parses "## A > ### B" into qualified parts.
func splitAddress(address string) []addressPart {
	var parts []addressPart
	for _, raw := range strings.Split(address, ">") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		level := 0
		for level < len(raw) && raw[level] == '#' {
			level++
		}
		text := strings.TrimSpace(raw[level:])
		if text == "" {
			continue
		}
		parts = append(parts, addressPart{text: text, level: level})
	}
	return parts
}

// ancestorsMatch verifies that the qualified ancestor chain appears, in
// order, among the headings enclosing section i.
func ancestorsMatch(sections []note.Section, i int, ancestors []addressPart) bool {
	if len(ancestors) == 0 {
		return true
	}
	// Walk backwards collecting enclosing headings (strictly shallower levels).
	var chain []note.Section
	level := sections[i].Level
	for j := i - 1; j >= 0; j-- {
		if sections[j].Level < level {
			chain = append([]note.Section{sections[j]}, chain...)
			level = sections[j].Level
		}
	}
	ai := 0
	for _, s := range chain {
		if ai >= len(ancestors) {
			break
		}
		a := ancestors[ai]
		if strings.EqualFold(s.Heading, a.text) && (a.level == 0 || s.Level == a.level) {
			ai++
		}
	}
	return ai == len(ancestors)
}

// =============================================================================
// PROTECTED REGIONS
// =============================================================================

// insideProtectedRegion reports whether a byte offset falls inside a fenced
// code block, a blockquote, or the YAML frontmatter. Insertions there fail
// with a conflict. An offset at EOF with a fence still open counts as inside
// the fence.
func insideProtectedRegion(text string, offset int) bool {
	if offset < 0 || offset > len(text) {
		return true
	}

	// Frontmatter.
	if fm, _, bodyOffset := note.SplitFrontmatter(text); fm != "" && offset < bodyOffset {
		return true
	}

	// Walk lines tracking fence state up to the line holding the offset.
	inFence := false
	var fenceChar byte
	var fenceLen int
	lineStart := 0
	for lineStart <= len(text) {
		lineEnd := strings.IndexByte(text[lineStart:], '\n')
		if lineEnd < 0 {
			lineEnd = len(text)
		} else {
			lineEnd += lineStart
		}
		line := strings.TrimRight(text[lineStart:lineEnd], "\r")
		wasFenceLine := updateFenceState(line, &inFence, &fenceChar, &fenceLen)

		if offset <= lineEnd {
			if inFence || wasFenceLine {
				return true
			}
			return strings.HasPrefix(strings.TrimLeft(line, " \t"), ">")
		}
		if lineEnd == len(text) {
			break
		}
		lineStart = lineEnd + 1
	}
	// Offset at EOF: protected only if a fence is still open.
	return inFence
}

// updateFenceState advances the fence tracking for one line and reports
// whether the line itself is a fence delimiter.
func updateFenceState(line string, inFence *bool, fenceChar *byte, fenceLen *int) bool {
	trimmed := strings.TrimLeft(line, " ")
	indent := len(line) - len(trimmed)
	if indent > 3 || len(trimmed) < 3 {
		return false
	}
	c := trimmed[0]
	if c != '`' && c != '~' {
		return false
	}
	run := 0
	for run < len(trimmed) && trimmed[run] == c {
		run++
	}
	if run < 3 {
		return false
	}
	if !*inFence {
		*inFence = true
		*fenceChar = c
		*fenceLen = run
		return true
	}
	if c == *fenceChar && run >= *fenceLen && strings.TrimSpace(trimmed[run:]) == "" {
		*inFence = false
		return true
	}
	return false
}

// =============================================================================
// FORMATTING
// =============================================================================

// formatContent decorates content per the requested mode, matching the
// indentation of the deepest existing list item in the section body.
func (e *Engine) formatContent(content string, format Format, sectionBody string) (string, error) {
	indent := deepestListIndent(sectionBody)

	switch format {
	case FormatPlain, "":
		return content, nil
	case FormatBullet:
		return indent + "- " + content, nil
	case FormatTimestampBullet:
		return indent + "- " + e.clock().Format("15:04") + " - " + content, nil
	case FormatTask:
		return indent + "- [ ] " + content, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q", ErrInvalidInput, format)
	}
}

// deepestListIndent returns the indentation of the deepest list item in a
// section body. A section with no list items gets no indentation.
func deepestListIndent(body string) string {
	deepest := -1
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimLeft(line, " \t")
		if !strings.HasPrefix(trimmed, "- ") && !strings.HasPrefix(trimmed, "* ") {
			continue
		}
		width := len(line) - len(trimmed)
		if width > deepest {
			deepest = width
		}
	}
	if deepest < 0 {
		return ""
	}
	return strings.Repeat(" ", deepest)
}

// =============================================================================
// ATOMIC WRITE
// =============================================================================

// writeAtomic writes the buffer to a sibling temp file, fsyncs, and renames
// over the target. The newline style of the original file is preserved.
func (e *Engine) writeAtomic(relPath, content string, crlf bool) error {
	if crlf {
		content = strings.ReplaceAll(strings.ReplaceAll(content, "\r\n", "\n"), "\n", "\r\n")
	}

	abs := e.sc.Abs(relPath)
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".mdvault-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("rename over %s: %w", relPath, err)
	}
	logging.MutateDebug("atomic write: %s (%d bytes)", relPath, len(content))
	return nil
}

// readRaw loads a note's bytes as LF-normalised text plus the CRLF flag.
func (e *Engine) readRaw(relPath string) (string, bool, error) {
	data, err := os.ReadFile(e.sc.Abs(relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, fmt.Errorf("%w: %s", ErrNoteNotFound, relPath)
		}
		return "", false, fmt.Errorf("read %s: %w", relPath, err)
	}
	text := string(data)
	crlf := strings.Contains(text, "\r\n")
	if crlf {
		text = strings.ReplaceAll(text, "\r\n", "\n")
	}
	return text, crlf, nil
}

// commit finalises a successful content change: observe the previous
// application set, atomically write, re-parse, patch the index and the
// full-text store, and record the new applications.
func (e *Engine) commit(relPath, oldText, newText string, crlf bool, applied []resolver.Applied) (*note.Note, error) {
	folder := folderOf(relPath)

	// Implicit feedback: diff the note's surviving links against the last
	// recorded application set before this write replaces it.
	if e.fb != nil {
		if err := e.fb.ObserveMutation(relPath, folder, currentLinkSet(oldText, e.ix)); err != nil {
			logging.Get(logging.CategoryFeedback).Warn("observe mutation %s: %v", relPath, err)
		}
	}

	if err := e.writeAtomic(relPath, newText, crlf); err != nil {
		return nil, err
	}

	entry, err := e.sc.Stat(relPath)
	modified := time.Now()
	if err == nil {
		modified = entry.Modified
	}

	n, warnings := note.Parse([]byte(newText), relPath, modified)
	for _, w := range warnings {
		logging.Get(logging.CategoryParse).Warn("%s: %s", relPath, w)
	}
	e.ix.Insert(n)
	e.link.Refresh()

	if e.st != nil {
		if err := e.st.IndexNote(relPath, n.Title, splitForFTS(newText)); err != nil {
			logging.Get(logging.CategoryStore).Warn("fts update %s: %v", relPath, err)
		}
	}

	if e.fb != nil && len(applied) > 0 {
		if err := e.fb.RecordApplications(relPath, folder, applied); err != nil {
			logging.Get(logging.CategoryFeedback).Warn("record applications %s: %v", relPath, err)
		}
	}

	return n, nil
}

func splitForFTS(text string) string {
	_, body, _ := note.SplitFrontmatter(text)
	return body
}

// currentLinkSet extracts the canonical entity names currently linked in a
// note's text.
func currentLinkSet(text string, ix *index.VaultIndex) map[string]bool {
	n, _ := note.Parse([]byte(text), "", time.Time{})
	out := make(map[string]bool, len(n.Outlinks))
	for _, l := range n.Outlinks {
		if e, ok := ix.Entity(l.Target); ok {
			out[e.Name] = true
		} else {
			out[l.Target] = true
		}
	}
	return out
}

func folderOf(relPath string) string {
	if idx := strings.LastIndex(relPath, "/"); idx >= 0 {
		return relPath[:idx]
	}
	return ""
}

// unifiedSnippet renders a compact before/after diff of the changed region.
func unifiedSnippet(before, after string) string {
	if before == after {
		return ""
	}
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(before, "\n"), "\n") {
		if line != "" {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	for _, line := range strings.Split(strings.TrimRight(after, "\n"), "\n") {
		if line != "" {
			fmt.Fprintf(&b, "+ %s\n", line)
		}
	}
	return b.String()
}
