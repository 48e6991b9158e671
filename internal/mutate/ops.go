package mutate

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mdvault/internal/logging"
	"mdvault/internal/note"
)

// AddToSection inserts content into the named section, auto-linking the new
// text. Content lands at the end of the section unless pos says otherwise.
func (e *Engine) AddToSection(relPath, section, content string, format Format, pos Position) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryMutate, "AddToSection")
	defer timer.Stop()

	text, crlf, err := e.readRaw(relPath)
	if err != nil {
		return nil, err
	}
	n, _ := note.Parse([]byte(text), relPath, time.Time{})

	sec, err := ResolveSection(n, section)
	if err != nil {
		return nil, err
	}
	body := sectionBody(text, sec)

	insertAt, err := insertionOffset(text, sec, pos)
	if err != nil {
		return nil, err
	}
	if insideProtectedRegion(text, insertAt) {
		return nil, fmt.Errorf("%w: offset %d in %s", ErrConflict, insertAt, relPath)
	}

	linked, applied := e.link.ApplyLinks(content, relPath, body)
	formatted, err := e.formatContent(linked, format, body)
	if err != nil {
		return nil, err
	}

	insertion := formatted + "\n"
	if insertAt > 0 && text[insertAt-1] != '\n' {
		insertion = "\n" + insertion
	}
	newText := text[:insertAt] + insertion + text[insertAt:]

	if _, err := e.commit(relPath, text, newText, crlf, applied); err != nil {
		return nil, err
	}
	return &Result{Path: relPath, Diff: "+ " + formatted, Applied: applied}, nil
}

// RemoveFromSection deletes the first line inside the section whose content
// matches the given text (exact trimmed match first, then substring).
func (e *Engine) RemoveFromSection(relPath, section, match string) (*Result, error) {
	text, crlf, err := e.readRaw(relPath)
	if err != nil {
		return nil, err
	}
	n, _ := note.Parse([]byte(text), relPath, time.Time{})

	sec, err := ResolveSection(n, section)
	if err != nil {
		return nil, err
	}

	lineStart, lineEnd, found := findLine(text, sec, match)
	if !found {
		return nil, fmt.Errorf("%w: no line matching %q in section %q", ErrInvalidInput, match, section)
	}
	removed := text[lineStart:lineEnd]
	end := lineEnd
	if end < len(text) && text[end] == '\n' {
		end++
	}
	newText := text[:lineStart] + text[end:]

	if _, err := e.commit(relPath, text, newText, crlf, nil); err != nil {
		return nil, err
	}
	return &Result{Path: relPath, Diff: "- " + strings.TrimSpace(removed)}, nil
}

// ReplaceInSection swaps the first occurrence of old within the section body
// for new, auto-linking the replacement.
func (e *Engine) ReplaceInSection(relPath, section, old, new string) (*Result, error) {
	if old == "" {
		return nil, fmt.Errorf("%w: empty search text", ErrInvalidInput)
	}
	text, crlf, err := e.readRaw(relPath)
	if err != nil {
		return nil, err
	}
	n, _ := note.Parse([]byte(text), relPath, time.Time{})

	sec, err := ResolveSection(n, section)
	if err != nil {
		return nil, err
	}
	body := sectionBody(text, sec)

	rel := strings.Index(body, old)
	if rel < 0 {
		return nil, fmt.Errorf("%w: %q not found in section %q", ErrInvalidInput, old, section)
	}
	at := sec.ContentStart + rel
	if insideProtectedRegion(text, at) {
		return nil, fmt.Errorf("%w: match at offset %d is protected", ErrConflict, at)
	}

	linked, applied := e.link.ApplyLinks(new, relPath, body)
	newText := text[:at] + linked + text[at+len(old):]

	if _, err := e.commit(relPath, text, newText, crlf, applied); err != nil {
		return nil, err
	}
	return &Result{Path: relPath, Diff: unifiedSnippet(old, linked), Applied: applied}, nil
}

// UpdateFrontmatter merges updates into the note's frontmatter. A nil value
// deletes the key. Changing the shape of an existing value (scalar vs list)
// is a conflict.
func (e *Engine) UpdateFrontmatter(relPath string, updates map[string]any) (*Result, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("%w: no updates given", ErrInvalidInput)
	}
	text, crlf, err := e.readRaw(relPath)
	if err != nil {
		return nil, err
	}

	fmRaw, body, _ := note.SplitFrontmatter(text)
	current := map[string]any{}
	if fmRaw != "" {
		if err := yaml.Unmarshal([]byte(fmRaw), &current); err != nil {
			// Malformed frontmatter is replaced wholesale rather than merged.
			logging.Get(logging.CategoryMutate).Warn("replacing malformed frontmatter in %s: %v", relPath, err)
			current = map[string]any{}
		}
		if current == nil {
			current = map[string]any{}
		}
	} else {
		body = text
	}

	for key, value := range updates {
		if value == nil {
			delete(current, key)
			continue
		}
		if existing, ok := current[key]; ok {
			if listValue(existing) != listValue(value) {
				return nil, fmt.Errorf("%w: field %q changes shape (%T -> %T)", ErrConflict, key, existing, value)
			}
		}
		current[key] = value
	}

	var newText string
	if len(current) == 0 {
		newText = body
	} else {
		data, err := yaml.Marshal(current)
		if err != nil {
			return nil, fmt.Errorf("marshal frontmatter: %w", err)
		}
		newText = "---\n" + string(data) + "---\n" + body
	}

	if _, err := e.commit(relPath, text, newText, crlf, nil); err != nil {
		return nil, err
	}
	return &Result{Path: relPath, Diff: fmt.Sprintf("~ frontmatter: %d field(s)", len(updates))}, nil
}

func listValue(v any) bool {
	switch v.(type) {
	case []any, []string:
		return true
	default:
		return false
	}
}

// ToggleTask flips the checkbox of the first task whose text contains match.
func (e *Engine) ToggleTask(relPath, match string) (*Result, error) {
	text, crlf, err := e.readRaw(relPath)
	if err != nil {
		return nil, err
	}
	n, _ := note.Parse([]byte(text), relPath, time.Time{})

	for _, t := range n.Tasks {
		if !strings.Contains(t.Text, match) {
			continue
		}
		lineStart, lineEnd := lineBounds(text, t.Line)
		line := text[lineStart:lineEnd]
		var newLine string
		if t.Checked {
			newLine = strings.Replace(strings.Replace(line, "- [x] ", "- [ ] ", 1), "- [X] ", "- [ ] ", 1)
		} else {
			newLine = strings.Replace(line, "- [ ] ", "- [x] ", 1)
		}
		newText := text[:lineStart] + newLine + text[lineEnd:]
		if _, err := e.commit(relPath, text, newText, crlf, nil); err != nil {
			return nil, err
		}
		return &Result{Path: relPath, Diff: unifiedSnippet(line, newLine)}, nil
	}
	return nil, fmt.Errorf("%w: no task matching %q in %s", ErrInvalidInput, match, relPath)
}

// AddTask appends an unchecked task to the named section.
func (e *Engine) AddTask(relPath, section, content string) (*Result, error) {
	return e.AddToSection(relPath, section, content, FormatTask, Position{})
}

// =============================================================================
// POLICY RUNNER
// =============================================================================

// PolicyStep is one operation in a per-note policy chain.
type PolicyStep struct {
	Op      string         `json:"op"` // add, remove, replace, frontmatter, toggle_task, add_task
	Section string         `json:"section,omitempty"`
	Content string         `json:"content,omitempty"`
	Old     string         `json:"old,omitempty"`
	New     string         `json:"new,omitempty"`
	Format  Format         `json:"format,omitempty"`
	Updates map[string]any `json:"updates,omitempty"`
}

// PolicyReport carries the per-step outcomes of a policy run. Success is the
// conjunction of step statuses.
type PolicyReport struct {
	Path    string   `json:"path"`
	Results []Result `json:"results"`
	Failed  int      `json:"failed"`
	Err     string   `json:"error,omitempty"`
}

// RunPolicy chains steps against one note, stopping at the first failure.
func (e *Engine) RunPolicy(relPath string, steps []PolicyStep) (*PolicyReport, error) {
	report := &PolicyReport{Path: relPath}
	for i, step := range steps {
		var res *Result
		var err error
		switch step.Op {
		case "add":
			res, err = e.AddToSection(relPath, step.Section, step.Content, step.Format, Position{})
		case "remove":
			res, err = e.RemoveFromSection(relPath, step.Section, step.Content)
		case "replace":
			res, err = e.ReplaceInSection(relPath, step.Section, step.Old, step.New)
		case "frontmatter":
			res, err = e.UpdateFrontmatter(relPath, step.Updates)
		case "toggle_task":
			res, err = e.ToggleTask(relPath, step.Content)
		case "add_task":
			res, err = e.AddTask(relPath, step.Section, step.Content)
		default:
			err = fmt.Errorf("%w: unknown policy op %q", ErrInvalidInput, step.Op)
		}
		if err != nil {
			report.Failed = len(steps) - i
			report.Err = err.Error()
			return report, fmt.Errorf("policy step %d (%s): %w", i+1, step.Op, err)
		}
		report.Results = append(report.Results, *res)
	}
	return report, nil
}

// =============================================================================
// TEXT HELPERS
// =============================================================================

// sectionBody extracts the body of a section (content between the heading
// line and the section end).
func sectionBody(text string, sec note.Section) string {
	start := sec.ContentStart
	end := sec.End
	if start > len(text) {
		start = len(text)
	}
	if end > len(text) {
		end = len(text)
	}
	if start >= end {
		return ""
	}
	return text[start:end]
}

// insertionOffset computes the byte offset where new content lands.
func insertionOffset(text string, sec note.Section, pos Position) (int, error) {
	switch pos.At {
	case "", "end":
		// After the last non-blank line of the section body.
		end := sec.End
		if end > len(text) {
			end = len(text)
		}
		at := end
		for at > sec.ContentStart {
			prev := strings.LastIndexByte(text[:at-1], '\n') + 1
			if strings.TrimSpace(text[prev:at]) != "" {
				return at, nil
			}
			at = prev
		}
		return sec.ContentStart, nil
	case "start":
		return sec.ContentStart, nil
	case "before", "after":
		if pos.Anchor == "" {
			return 0, fmt.Errorf("%w: %s position requires an anchor line", ErrInvalidInput, pos.At)
		}
		lineStart, lineEnd, found := findLine(text, sec, pos.Anchor)
		if !found {
			return 0, fmt.Errorf("%w: anchor %q not found in section", ErrInvalidInput, pos.Anchor)
		}
		if pos.At == "before" {
			return lineStart, nil
		}
		if lineEnd < len(text) && text[lineEnd] == '\n' {
			lineEnd++
		}
		return lineEnd, nil
	default:
		return 0, fmt.Errorf("%w: unknown position %q", ErrInvalidInput, pos.At)
	}
}

// findLine locates the first line within a section matching text, preferring
// exact trimmed matches over substring matches.
func findLine(text string, sec note.Section, match string) (start, end int, found bool) {
	match = strings.TrimSpace(match)
	body := sectionBody(text, sec)

	subStart, subEnd := -1, -1
	offset := sec.ContentStart
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == match {
			return offset, offset + len(line), true
		}
		if subStart < 0 && trimmed != "" && strings.Contains(trimmed, match) {
			subStart, subEnd = offset, offset+len(line)
		}
		offset += len(line) + 1
	}
	if subStart >= 0 {
		return subStart, subEnd, true
	}
	return 0, 0, false
}

// lineBounds returns the byte bounds of a 1-based line number.
func lineBounds(text string, line int) (start, end int) {
	current := 1
	start = 0
	for start <= len(text) {
		idx := strings.IndexByte(text[start:], '\n')
		if current == line {
			if idx < 0 {
				return start, len(text)
			}
			return start, start + idx
		}
		if idx < 0 {
			return len(text), len(text)
		}
		start += idx + 1
		current++
	}
	return len(text), len(text)
}
