package index

import (
	"regexp"
	"strings"
)

// stopEntities are tokens that must never be treated as entities even when a
// filename or alias matches them case-insensitively. Process-wide constant.
var stopEntities = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"if": true, "then": true, "else": true, "for": true, "nor": true, "so": true,
	"of": true, "in": true, "on": true, "at": true, "by": true, "to": true,
	"up": true, "out": true, "off": true, "as": true, "is": true, "it": true,
	"be": true, "do": true, "go": true, "no": true, "not": true, "yes": true,
	"ok": true, "okay": true, "me": true, "my": true, "we": true, "he": true,
	"she": true, "his": true, "her": true, "they": true, "them": true,
	"this": true, "that": true, "these": true, "those": true,
	"was": true, "are": true, "has": true, "had": true, "have": true,
	"can": true, "may": true, "will": true, "all": true, "any": true,
	"new": true, "old": true, "now": true, "here": true, "there": true,
	"note": true, "notes": true, "todo": true, "index": true, "inbox": true,
	"misc": true, "tmp": true, "etc": true, "n/a": true, "na": true,
}

// Date-shaped names are never entities: daily notes (2025-01-01) and weekly
// notes (2025-W17) would otherwise swallow every date mention in the vault.
var (
	dailyPattern  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	weeklyPattern = regexp.MustCompile(`^\d{4}-[Ww]\d{2}$`)
)

// IsStopEntity reports whether a name is on the process-wide stop list.
func IsStopEntity(name string) bool {
	return stopEntities[strings.ToLower(strings.TrimSpace(name))]
}

// IsDatePattern reports whether a name looks like a daily or weekly note.
func IsDatePattern(name string) bool {
	name = strings.TrimSpace(name)
	return dailyPattern.MatchString(name) || weeklyPattern.MatchString(name)
}

// ValidEntityName applies the registration filter: stop-listed, one-character,
// and date-shaped names are rejected.
func ValidEntityName(name string) bool {
	name = strings.TrimSpace(name)
	if len(name) < 2 {
		return false
	}
	if IsStopEntity(name) {
		return false
	}
	return !IsDatePattern(name)
}
