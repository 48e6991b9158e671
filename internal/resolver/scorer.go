package resolver

import (
	"math"
	"sort"
	"strings"
	"time"

	"mdvault/internal/index"
	"mdvault/internal/store"
)

// Signal layers, in the fixed evaluation order.
const (
	LayerExactMatch = iota + 1
	LayerAliasMatch
	LayerProximity
	LayerFolder
	LayerCooccurrence
	LayerHub
	LayerRecency
	LayerFolderPrior
	LayerGlobalAccuracy
	LayerSuppression
)

var layerNames = map[int]string{
	LayerExactMatch:     "exact_match",
	LayerAliasMatch:     "alias_match",
	LayerProximity:      "proximity",
	LayerFolder:         "folder",
	LayerCooccurrence:   "cooccurrence",
	LayerHub:            "hub",
	LayerRecency:        "recency",
	LayerFolderPrior:    "folder_prior",
	LayerGlobalAccuracy: "global_accuracy",
	LayerSuppression:    "suppression",
}

// Tier classifies a final score for callers that only need a coarse answer.
type Tier string

const (
	TierStrong   Tier = "strong"
	TierModerate Tier = "moderate"
	TierWeak     Tier = "weak"
)

// Signal is one layer's contribution in a score breakdown.
type Signal struct {
	Layer int     `json:"layer"`
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// CandidateInfo carries everything the pure scoring function needs to know
// about one candidate, assembled from an index snapshot.
type CandidateInfo struct {
	Entity      index.Entity
	HubScore    float64         // damped in-degree from the index
	Modified    time.Time       // candidate note's last modification
	Cooccurring map[string]bool // entity keys linked from, or linking to, the candidate's note
}

// Context describes the destination of a potential link.
type Context struct {
	Span           string          // the surface text being resolved
	DestPath       string          // destination note path
	DestFolder     string          // destination folder ("" for vault root)
	WindowEntities map[string]bool // entity keys already linked in the window
	Now            time.Time
}

// FeedbackSnapshot is the frozen feedback state for one (entity, context).
type FeedbackSnapshot struct {
	Folder     store.Accuracy
	Global     store.Accuracy
	Suppressed bool
}

// ScoreResult is a scored candidate with its structured breakdown.
type ScoreResult struct {
	Entity       index.Entity `json:"-"`
	Name         string       `json:"name"`
	Path         string       `json:"path"`
	Score        float64      `json:"score"`
	Tier         Tier         `json:"tier"`
	Breakdown    []Signal     `json:"breakdown"`
	Disqualified bool         `json:"disqualified,omitempty"`
}

// Score evaluates the ten layered signals for one candidate. It is pure:
// identical inputs always yield identical results.
func Score(cand CandidateInfo, ctx Context, fb FeedbackSnapshot) ScoreResult {
	result := ScoreResult{
		Entity: cand.Entity,
		Name:   cand.Entity.Name,
		Path:   cand.Entity.Path,
	}
	add := func(layer int, value float64) {
		result.Breakdown = append(result.Breakdown, Signal{
			Layer: layer,
			Name:  layerNames[layer],
			Value: value,
		})
		result.Score += value
	}

	span := strings.TrimSpace(ctx.Span)
	foldedSpan := strings.ToLower(span)

	// Layer 1: exact surface match against the canonical name.
	if foldedSpan == strings.ToLower(cand.Entity.Name) {
		add(LayerExactMatch, 10)
	} else {
		add(LayerExactMatch, 0)
	}

	// Layer 2: alias match.
	aliasHit := false
	for _, alias := range cand.Entity.Aliases {
		if foldedSpan == strings.ToLower(alias) {
			aliasHit = true
			break
		}
	}
	if aliasHit {
		add(LayerAliasMatch, 7)
	} else {
		add(LayerAliasMatch, 0)
	}

	// Layer 3: prefix/substring proximity, scaled by covered fraction.
	add(LayerProximity, proximity(foldedSpan, strings.ToLower(cand.Entity.Name)))

	// Layer 4: same folder preferred over cross-folder.
	add(LayerFolder, folderAffinity(folderOf(cand.Entity.Path), ctx.DestFolder))

	// Layer 5: co-occurrence with entities already present in the window.
	add(LayerCooccurrence, cooccurrence(cand, ctx))

	// Layer 6: hub score, degree-normalised into 0..3.
	add(LayerHub, math.Min(3, cand.HubScore))

	// Layer 7: recency of the candidate's last modification.
	add(LayerRecency, recency(cand.Modified, ctx.Now))

	// Layer 8: folder-stratified prior.
	add(LayerFolderPrior, folderPrior(fb.Folder))

	// Layer 9: global feedback accuracy tier.
	add(LayerGlobalAccuracy, accuracyTier(fb.Global))

	// Layer 10: suppression hard-zeros and disqualifies.
	if fb.Suppressed {
		result.Score = 0
		result.Disqualified = true
		add(LayerSuppression, 0)
	}

	result.Tier = classify(result.Score)
	return result
}

func classify(score float64) Tier {
	switch {
	case score >= 10:
		return TierStrong
	case score >= 6:
		return TierModerate
	default:
		return TierWeak
	}
}

// proximity rewards spans that partially cover the candidate name: prefix
// matches (a first name, a leading word pair) carry a base reward plus the
// covered fraction; interior substrings score by coverage alone.
func proximity(span, name string) float64 {
	if span == "" || name == "" || span == name {
		return 0
	}
	coverage := float64(len(span)) / float64(len(name))
	if coverage > 1 {
		return 0
	}
	var v float64
	switch {
	case strings.HasPrefix(name, span):
		v = 1.5 + 1.5*coverage
	case strings.Contains(name, span):
		v = 2 * coverage
	}
	return math.Min(3, v)
}

func folderOf(path string) string {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

func folderAffinity(candFolder, destFolder string) float64 {
	switch {
	case candFolder == destFolder:
		return 2
	case candFolder == "" || destFolder == "":
		// Root-level notes are folder-neutral.
		return 0
	case topSegment(candFolder) == topSegment(destFolder):
		return 0
	default:
		return -2
	}
}

func topSegment(folder string) string {
	if idx := strings.Index(folder, "/"); idx >= 0 {
		return folder[:idx]
	}
	return folder
}

// cooccurrence counts window entities in the candidate's Cooccurring set
// (linked from or linking to its note), 1.25 points each, capped at 5.
func cooccurrence(cand CandidateInfo, ctx Context) float64 {
	if len(ctx.WindowEntities) == 0 || len(cand.Cooccurring) == 0 {
		return 0
	}
	count := 0
	for key := range ctx.WindowEntities {
		if key == cand.Entity.Key {
			continue
		}
		if cand.Cooccurring[key] {
			count++
		}
	}
	return math.Min(5, float64(count)*1.25)
}

func recency(modified, now time.Time) float64 {
	if modified.IsZero() {
		return 0
	}
	age := now.Sub(modified)
	switch {
	case age <= 7*24*time.Hour:
		return 2
	case age <= 30*24*time.Hour:
		return 1
	default:
		return 0
	}
}

// folderPrior maps folder-stratified accuracy into −3…+3, centred at 50 %.
func folderPrior(acc store.Accuracy) float64 {
	if !acc.Sufficient {
		return 0
	}
	v := (acc.Rate - 0.5) * 6
	return math.Max(-3, math.Min(3, v))
}

// accuracyTier maps global accuracy into the fixed −4…+5 ladder. Below the
// minimum sample size the layer contributes nothing.
func accuracyTier(acc store.Accuracy) float64 {
	if !acc.Sufficient {
		return 0
	}
	switch {
	case acc.Rate >= 0.95:
		return 5
	case acc.Rate >= 0.80:
		return 2
	case acc.Rate >= 0.60:
		return 0
	case acc.Rate >= 0.40:
		return -2
	default:
		return -4
	}
}

// Rank orders scored candidates: higher score, then destination-folder match,
// then shorter canonical name, then earlier insertion order. Disqualified
// candidates are dropped.
func Rank(results []ScoreResult, destFolder string) []ScoreResult {
	kept := results[:0]
	for _, r := range results {
		if !r.Disqualified {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		aSame := folderOf(a.Path) == destFolder
		bSame := folderOf(b.Path) == destFolder
		if aSame != bSame {
			return aSame
		}
		if len(a.Name) != len(b.Name) {
			return len(a.Name) < len(b.Name)
		}
		return a.Entity.Order < b.Entity.Order
	})
	return kept
}
