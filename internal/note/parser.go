package note

import (
	"bytes"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"mdvault/internal/logging"
)

// Warnings emitted for degenerate inputs. The parser never fails: a binary or
// malformed file still yields a Note, just an empty one plus a warning.
const (
	WarnEmptyFile     = "Empty file"
	WarnNotUTF8       = "Not UTF-8"
	WarnBadFrontmatter = "Malformed frontmatter"
)

// wikiLinkPattern matches [[Title]], [[Title#Heading]], [[Title#^block-id]],
// [[Title|Display]], and the fragment+display combinations.
var wikiLinkPattern = regexp.MustCompile(`\[\[([^\]#|]+?)(?:#(\^?[^\]|]*))?(?:\|([^\]]*))?\]\]`)

// inlineTagPattern matches #tag where tag is one or more of [A-Za-z0-9_-].
// The leading group keeps URL anchors and mid-word hashes from matching.
var inlineTagPattern = regexp.MustCompile(`(^|[^0-9A-Za-z_#&/])#([A-Za-z0-9_-]+)`)

// headingPattern matches an ATX heading line.
var headingPattern = regexp.MustCompile(`^(#{1,6})[ \t]+(.*?)[ \t]*#*[ \t]*$`)

// taskPattern matches a markdown checkbox list item.
var taskPattern = regexp.MustCompile(`^([ \t]*)[-*] \[([ xX])\] (.*)$`)

// Parse turns a raw byte buffer into a Note. It never returns an error;
// degenerate inputs produce an empty note and a warning list.
func Parse(data []byte, relPath string, modified time.Time) (*Note, []string) {
	n := &Note{
		Path:        relPath,
		Title:       Stem(relPath),
		Modified:    modified,
		Frontmatter: map[string]any{},
	}
	var warnings []string

	if len(data) == 0 {
		return n, append(warnings, WarnEmptyFile)
	}
	if !utf8.Valid(data) {
		return n, append(warnings, WarnNotUTF8)
	}

	n.CRLF = bytes.Contains(data, []byte("\r\n"))

	text := string(data)
	fm, body, bodyOffset := SplitFrontmatter(text)
	if fm != "" {
		if err := yaml.Unmarshal([]byte(fm), &n.Frontmatter); err != nil {
			logging.ParseDebug("frontmatter error in %s: %v", relPath, err)
			n.Frontmatter = map[string]any{}
			warnings = append(warnings, WarnBadFrontmatter)
		}
		if n.Frontmatter == nil {
			n.Frontmatter = map[string]any{}
		}
	}

	if t, ok := n.Frontmatter["title"].(string); ok && strings.TrimSpace(t) != "" {
		n.Title = strings.TrimSpace(t)
	}
	n.Aliases = stringList(n.Frontmatter["aliases"])

	// Line of the first body byte (frontmatter lines precede it).
	bodyFirstLine := 1 + strings.Count(text[:bodyOffset], "\n")

	masked := MaskInert(body)

	n.Outlinks = extractWikilinks(masked, bodyFirstLine)
	n.Tags = mergeTags(stringList(n.Frontmatter["tags"]), extractInlineTags(masked))
	n.Sections = extractSections(body, masked, bodyFirstLine, bodyOffset)
	n.Tasks = extractTasks(body, masked, bodyFirstLine)

	return n, warnings
}

// SplitFrontmatter separates a leading --- delimited frontmatter block from
// the body. Returns the raw frontmatter (without delimiters), the body, and
// the byte offset of the body within the original text.
func SplitFrontmatter(text string) (fm string, body string, bodyOffset int) {
	const delim = "---"
	firstEnd := strings.IndexByte(text, '\n')
	if firstEnd < 0 {
		return "", text, 0
	}
	if strings.TrimRight(text[:firstEnd], "\r") != delim {
		return "", text, 0
	}
	// Find the closing --- line.
	offset := firstEnd + 1
	rest := text[offset:]
	for {
		lineEnd := strings.IndexByte(rest, '\n')
		var line string
		if lineEnd < 0 {
			line = rest
		} else {
			line = rest[:lineEnd]
		}
		if strings.TrimRight(line, "\r") == delim {
			fmEnd := offset
			if lineEnd < 0 {
				return text[firstEnd+1 : fmEnd], "", len(text)
			}
			bodyOffset = offset + lineEnd + 1
			return text[firstEnd+1 : fmEnd], text[bodyOffset:], bodyOffset
		}
		if lineEnd < 0 {
			// No closing delimiter: treat the whole file as body.
			return "", text, 0
		}
		offset += lineEnd + 1
		rest = text[offset:]
	}
}

// MaskInert blanks out fenced code blocks (``` and ~~~) and inline code
// spans, preserving byte offsets and newlines so that line numbers computed
// on the masked text match the original.
func MaskInert(body string) string {
	out := []byte(body)
	lines := strings.Split(body, "\n")

	offset := 0
	inFence := false
	var fenceChar byte
	var fenceLen int

	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " ")
		indent := len(line) - len(trimmed)

		isFenceLine := false
		if indent <= 3 && len(trimmed) >= 3 {
			c := trimmed[0]
			if c == '`' || c == '~' {
				run := 0
				for run < len(trimmed) && trimmed[run] == c {
					run++
				}
				if run >= 3 {
					if !inFence {
						inFence = true
						fenceChar = c
						fenceLen = run
						isFenceLine = true
					} else if c == fenceChar && run >= fenceLen && strings.TrimSpace(trimmed[run:]) == "" {
						inFence = false
						isFenceLine = true
					}
				}
			}
		}

		if inFence || isFenceLine {
			maskRange(out, offset, offset+len(line))
		} else {
			maskInlineCode(out, line, offset)
		}
		offset += len(line) + 1
	}
	return string(out)
}

// maskInlineCode blanks `code` spans within a single line.
func maskInlineCode(out []byte, line string, offset int) {
	i := 0
	for i < len(line) {
		if line[i] != '`' {
			i++
			continue
		}
		// Opening run of backticks; the span closes at an equal-length run.
		run := 0
		for i+run < len(line) && line[i+run] == '`' {
			run++
		}
		closer := strings.Repeat("`", run)
		rest := line[i+run:]
		end := strings.Index(rest, closer)
		if end < 0 {
			i += run
			continue
		}
		maskRange(out, offset+i, offset+i+run+end+run)
		i += run + end + run
	}
}

// maskRange overwrites [start, end) with spaces, leaving newlines intact.
func maskRange(out []byte, start, end int) {
	for i := start; i < end && i < len(out); i++ {
		if out[i] != '\n' && out[i] != '\r' {
			out[i] = ' '
		}
	}
}

func extractWikilinks(masked string, firstLine int) []WikiLink {
	matches := wikiLinkPattern.FindAllStringSubmatchIndex(masked, -1)
	if len(matches) == 0 {
		return nil
	}
	links := make([]WikiLink, 0, len(matches))
	for _, m := range matches {
		wl := WikiLink{
			Target: strings.TrimSpace(masked[m[2]:m[3]]),
			Line:   firstLine + strings.Count(masked[:m[0]], "\n"),
		}
		if wl.Target == "" {
			continue
		}
		if m[4] >= 0 {
			fragment := masked[m[4]:m[5]]
			if strings.HasPrefix(fragment, "^") {
				wl.BlockID = fragment[1:]
			} else {
				wl.Heading = fragment
			}
		}
		if m[6] >= 0 {
			wl.Display = masked[m[6]:m[7]]
		}
		links = append(links, wl)
	}
	return links
}

func extractInlineTags(masked string) []string {
	matches := inlineTagPattern.FindAllStringSubmatch(masked, -1)
	if len(matches) == 0 {
		return nil
	}
	tags := make([]string, 0, len(matches))
	for _, m := range matches {
		tags = append(tags, m[2])
	}
	return tags
}

// mergeTags unions frontmatter and inline tags, deduplicated case-insensitively
// with the first-seen casing preserved.
func mergeTags(frontmatter, inline []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range append(frontmatter, inline...) {
		t = strings.TrimSpace(strings.TrimPrefix(t, "#"))
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// extractSections finds every ATX heading outside code fences and computes
// the span each section covers. Offsets are relative to the whole file, so
// the mutation engine can splice sections without re-parsing.
func extractSections(body, masked string, firstLine, bodyOffset int) []Section {
	var sections []Section
	offset := 0
	lineNo := firstLine
	for _, maskedLine := range strings.Split(masked, "\n") {
		if m := headingPattern.FindStringSubmatch(strings.TrimRight(maskedLine, "\r")); m != nil {
			// Heading text comes from the unmasked body at the same offsets.
			raw := body[offset : offset+len(maskedLine)]
			rawMatch := headingPattern.FindStringSubmatch(strings.TrimRight(raw, "\r"))
			headingText := strings.TrimSpace(m[2])
			if rawMatch != nil {
				headingText = strings.TrimSpace(rawMatch[2])
			}
			sections = append(sections, Section{
				Heading:      headingText,
				Level:        len(m[1]),
				Line:         lineNo,
				Start:        bodyOffset + offset,
				ContentStart: bodyOffset + offset + len(maskedLine) + 1,
			})
		}
		offset += len(maskedLine) + 1
		lineNo++
	}

	fileEnd := bodyOffset + len(body)
	for i := range sections {
		sections[i].End = fileEnd
		for j := i + 1; j < len(sections); j++ {
			if sections[j].Level <= sections[i].Level {
				sections[i].End = sections[j].Start
				break
			}
		}
		if sections[i].ContentStart > fileEnd {
			sections[i].ContentStart = fileEnd
		}
	}
	return sections
}

func extractTasks(body, masked string, firstLine int) []Task {
	var tasks []Task
	offset := 0
	lineNo := firstLine
	for _, maskedLine := range strings.Split(masked, "\n") {
		if m := taskPattern.FindStringSubmatch(strings.TrimRight(maskedLine, "\r")); m != nil {
			raw := strings.TrimRight(body[offset:offset+len(maskedLine)], "\r")
			text := m[3]
			if rm := taskPattern.FindStringSubmatch(raw); rm != nil {
				text = rm[3]
			}
			tasks = append(tasks, Task{
				Text:    text,
				Checked: m[2] == "x" || m[2] == "X",
				Line:    lineNo,
				Indent:  len(m[1]),
			})
		}
		offset += len(maskedLine) + 1
		lineNo++
	}
	return tasks
}

// stringList coerces a frontmatter value that may be a scalar or a list of
// scalars into a string slice.
func stringList(v any) []string {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return []string{strings.TrimSpace(t)}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []string:
		return t
	default:
		return nil
	}
}
