// Package feedback tracks the fate of auto-applied wikilinks: applications,
// implicit removals, explicit votes, and the suppressions promoted from
// repeated negatives. It is the bridge between the mutation engine and the
// suggestion scorer.
package feedback

import (
	"fmt"

	"mdvault/internal/config"
	"mdvault/internal/logging"
	"mdvault/internal/resolver"
	"mdvault/internal/store"
)

// Loop owns the feedback state machine over the state store.
type Loop struct {
	st  *store.StateStore
	cfg config.FeedbackConfig
}

// New creates a feedback loop over the store.
func New(st *store.StateStore, cfg config.FeedbackConfig) *Loop {
	return &Loop{st: st, cfg: cfg}
}

// Snapshot implements resolver.FeedbackProvider: the frozen feedback state
// for an (entity, folder) pairing at scoring time.
func (l *Loop) Snapshot(entityName, folder string) resolver.FeedbackSnapshot {
	var snap resolver.FeedbackSnapshot

	contextKey := ContextKey(folder)
	if acc, err := l.st.GetAccuracy(entityName, contextKey, l.cfg.MinSampleSize); err == nil {
		snap.Folder = acc
	}
	if acc, err := l.st.GetAccuracy(entityName, store.WildcardContext, l.cfg.MinSampleSize); err == nil {
		snap.Global = acc
	}
	if suppressed, err := l.st.IsSuppressed(entityName, contextKey); err == nil {
		snap.Suppressed = suppressed
	}
	return snap
}

// ContextKey maps a folder to its feedback context key; the vault root uses
// the wildcard.
func ContextKey(folder string) string {
	if folder == "" {
		return store.WildcardContext
	}
	return folder
}

// RecordApplications persists the rewrites performed during one mutation.
func (l *Loop) RecordApplications(sourcePath, folder string, applied []resolver.Applied) error {
	contextKey := ContextKey(folder)
	for _, a := range applied {
		if _, err := l.st.RecordApplication(sourcePath, a.Entity, a.Span, contextKey); err != nil {
			return fmt.Errorf("record application for %s: %w", a.Entity, err)
		}
	}
	return nil
}

// ObserveMutation diffs the note's current wikilink set against its pending
// applications. A previously applied link now absent is an implicit negative
// for (entity, folder); one still present is an implicit positive.
func (l *Loop) ObserveMutation(sourcePath, folder string, currentLinks map[string]bool) error {
	pending, err := l.st.PendingApplications(sourcePath)
	if err != nil {
		return fmt.Errorf("load pending applications: %w", err)
	}
	for _, app := range pending {
		verdict := store.VerdictCorrect
		if !currentLinks[app.TargetEntity] {
			verdict = store.VerdictIncorrect
			logging.Feedback("implicit removal of [[%s]] in %s", app.TargetEntity, sourcePath)
		}
		if err := l.st.ResolveApplication(app.ID, verdict); err != nil {
			return fmt.Errorf("resolve application %s: %w", app.ID, err)
		}
		if verdict == store.VerdictIncorrect {
			if err := l.maybePromoteSuppression(app.TargetEntity, folder); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReportVerdict records an explicit correct/incorrect vote and returns the
// updated accuracy for the pairing.
func (l *Loop) ReportVerdict(entityName, folder, verdict string) (store.Accuracy, error) {
	contextKey := ContextKey(folder)
	if err := l.st.AddFeedback(entityName, contextKey, verdict); err != nil {
		return store.Accuracy{}, err
	}
	if verdict == store.VerdictIncorrect {
		if err := l.maybePromoteSuppression(entityName, folder); err != nil {
			return store.Accuracy{}, err
		}
	}
	return l.st.GetAccuracy(entityName, contextKey, l.cfg.MinSampleSize)
}

// maybePromoteSuppression creates a suppression once an (entity, folder)
// pairing accumulates enough negatives with poor accuracy.
func (l *Loop) maybePromoteSuppression(entityName, folder string) error {
	contextKey := ContextKey(folder)
	row, err := l.st.GetFeedback(entityName, contextKey)
	if err != nil {
		return err
	}
	if row.Incorrect < l.cfg.SuppressionThreshold {
		return nil
	}
	total := row.Correct + row.Incorrect
	if total == 0 {
		return nil
	}
	accuracy := float64(row.Correct) / float64(total)
	if accuracy >= l.cfg.SuppressionAccuracy {
		return nil
	}
	return l.st.AddSuppression(entityName, contextKey)
}

// ListFeedback returns the aggregated rows, optionally filtered by entity.
func (l *Loop) ListFeedback(entityName string) ([]store.FeedbackRow, error) {
	return l.st.ListFeedback(entityName)
}

// ListSuppressions returns all active suppressions.
func (l *Loop) ListSuppressions() ([]store.Suppression, error) {
	return l.st.ListSuppressions()
}

// ClearSuppression removes a suppression explicitly.
func (l *Loop) ClearSuppression(entityName, folder string) error {
	return l.st.ClearSuppression(entityName, ContextKey(folder))
}

// Accuracy returns the current accuracy for an (entity, folder) pairing.
func (l *Loop) Accuracy(entityName, folder string) (store.Accuracy, error) {
	return l.st.GetAccuracy(entityName, ContextKey(folder), l.cfg.MinSampleSize)
}
