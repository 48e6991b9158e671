package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mdvault/internal/logging"
)

// Verdicts recorded against a wikilink application.
const (
	VerdictPending   = "pending"
	VerdictCorrect   = "correct"
	VerdictIncorrect = "incorrect"
)

// WildcardContext stratifies feedback that is not folder-specific.
const WildcardContext = "*"

// Application records one auto-link rewrite performed by the mutation engine.
type Application struct {
	ID           string    `json:"id"`
	SourcePath   string    `json:"source_path"`
	TargetEntity string    `json:"target_entity"`
	SpanText     string    `json:"span_text"`
	ContextKey   string    `json:"context_key"`
	AppliedAt    time.Time `json:"applied_at"`
	Verdict      string    `json:"verdict"`
}

// FeedbackRow aggregates verdicts for one (entity, context) pairing.
type FeedbackRow struct {
	TargetEntity string `json:"target_entity"`
	ContextKey   string `json:"context_key"`
	Correct      int    `json:"correct"`
	Incorrect    int    `json:"incorrect"`
}

// Suppression marks an (entity, context) pairing as never-suggest.
type Suppression struct {
	TargetEntity string    `json:"target_entity"`
	ContextKey   string    `json:"context_key"`
	CreatedAt    time.Time `json:"created_at"`
}

// Accuracy is the computed hit rate for an (entity, context) pairing.
// Sufficient is false until the sample size reaches the configured minimum.
type Accuracy struct {
	Correct    int     `json:"correct"`
	Incorrect  int     `json:"incorrect"`
	Rate       float64 `json:"rate"`
	Sufficient bool    `json:"sufficient"`
}

// RecordApplication persists a new pending application and returns its ID.
func (s *StateStore) RecordApplication(sourcePath, targetEntity, spanText, contextKey string) (string, error) {
	id := uuid.NewString()
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO wikilink_applications (id, source_path, target_entity, span_text, context_key)
			VALUES (?, ?, ?, ?, ?)`,
			id, sourcePath, targetEntity, spanText, contextKey)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("record application: %w", err)
	}
	logging.FeedbackDebug("recorded application %s: %s -> [[%s]]", id, sourcePath, targetEntity)
	return id, nil
}

// PendingApplications returns the applications for a source note that have
// not yet received a verdict.
func (s *StateStore) PendingApplications(sourcePath string) ([]Application, error) {
	rows, err := s.db.Query(`
		SELECT id, source_path, target_entity, span_text, context_key, applied_at, verdict
		FROM wikilink_applications
		WHERE source_path = ? AND verdict = ?`, sourcePath, VerdictPending)
	if err != nil {
		return nil, fmt.Errorf("query applications: %w", err)
	}
	defer rows.Close()
	return scanApplications(rows)
}

// ResolveApplication sets the verdict on an application and folds it into
// the aggregated feedback for both the folder context and the wildcard.
func (s *StateStore) ResolveApplication(id, verdict string) error {
	if verdict != VerdictCorrect && verdict != VerdictIncorrect {
		return fmt.Errorf("invalid verdict %q", verdict)
	}
	return s.withTx(func(tx *sql.Tx) error {
		var target, contextKey string
		err := tx.QueryRow(`
			SELECT target_entity, context_key FROM wikilink_applications WHERE id = ?`, id).
			Scan(&target, &contextKey)
		if err != nil {
			return fmt.Errorf("load application %s: %w", id, err)
		}
		if _, err := tx.Exec(`UPDATE wikilink_applications SET verdict = ? WHERE id = ?`, verdict, id); err != nil {
			return fmt.Errorf("update application %s: %w", id, err)
		}
		if err := addFeedbackTx(tx, target, contextKey, verdict); err != nil {
			return err
		}
		return addFeedbackTx(tx, target, WildcardContext, verdict)
	})
}

// AddFeedback adjusts the aggregated verdict counts for an (entity, context)
// pairing directly, for explicit report operations. The wildcard context row
// is updated alongside the stratified one.
func (s *StateStore) AddFeedback(targetEntity, contextKey, verdict string) error {
	if verdict != VerdictCorrect && verdict != VerdictIncorrect {
		return fmt.Errorf("invalid verdict %q", verdict)
	}
	return s.withTx(func(tx *sql.Tx) error {
		if err := addFeedbackTx(tx, targetEntity, contextKey, verdict); err != nil {
			return err
		}
		if contextKey != WildcardContext {
			return addFeedbackTx(tx, targetEntity, WildcardContext, verdict)
		}
		return nil
	})
}

func addFeedbackTx(tx *sql.Tx, targetEntity, contextKey, verdict string) error {
	correct, incorrect := 0, 0
	if verdict == VerdictCorrect {
		correct = 1
	} else {
		incorrect = 1
	}
	_, err := tx.Exec(`
		INSERT INTO wikilink_feedback (target_entity, context_key, correct, incorrect)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (target_entity, context_key)
		DO UPDATE SET correct = correct + excluded.correct,
		              incorrect = incorrect + excluded.incorrect`,
		targetEntity, contextKey, correct, incorrect)
	if err != nil {
		return fmt.Errorf("upsert feedback (%s, %s): %w", targetEntity, contextKey, err)
	}
	return nil
}

// GetFeedback returns the aggregated row for an (entity, context) pairing.
// A missing row reads as zero counts.
func (s *StateStore) GetFeedback(targetEntity, contextKey string) (FeedbackRow, error) {
	row := FeedbackRow{TargetEntity: targetEntity, ContextKey: contextKey}
	err := s.db.QueryRow(`
		SELECT correct, incorrect FROM wikilink_feedback
		WHERE target_entity = ? AND context_key = ?`, targetEntity, contextKey).
		Scan(&row.Correct, &row.Incorrect)
	if err == sql.ErrNoRows {
		return row, nil
	}
	if err != nil {
		return row, fmt.Errorf("query feedback: %w", err)
	}
	return row, nil
}

// ListFeedback returns all aggregated feedback rows, optionally filtered by
// entity.
func (s *StateStore) ListFeedback(targetEntity string) ([]FeedbackRow, error) {
	query := `SELECT target_entity, context_key, correct, incorrect FROM wikilink_feedback`
	args := []any{}
	if targetEntity != "" {
		query += ` WHERE target_entity = ?`
		args = append(args, targetEntity)
	}
	query += ` ORDER BY target_entity, context_key`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	defer rows.Close()

	var out []FeedbackRow
	for rows.Next() {
		var r FeedbackRow
		if err := rows.Scan(&r.TargetEntity, &r.ContextKey, &r.Correct, &r.Incorrect); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetAccuracy computes the accuracy for an (entity, context) pairing.
func (s *StateStore) GetAccuracy(targetEntity, contextKey string, minSample int) (Accuracy, error) {
	row, err := s.GetFeedback(targetEntity, contextKey)
	if err != nil {
		return Accuracy{}, err
	}
	return computeAccuracy(row, minSample), nil
}

func computeAccuracy(row FeedbackRow, minSample int) Accuracy {
	acc := Accuracy{Correct: row.Correct, Incorrect: row.Incorrect}
	total := row.Correct + row.Incorrect
	if total < minSample {
		return acc
	}
	acc.Sufficient = true
	acc.Rate = float64(row.Correct) / float64(total)
	return acc
}

// AddSuppression marks (entity, context) as never-suggest.
func (s *StateStore) AddSuppression(targetEntity, contextKey string) error {
	err := s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO wikilink_suppressions (target_entity, context_key)
			VALUES (?, ?)`, targetEntity, contextKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("add suppression: %w", err)
	}
	logging.Feedback("suppressed [[%s]] in context %s", targetEntity, contextKey)
	return nil
}

// ClearSuppression removes a suppression.
func (s *StateStore) ClearSuppression(targetEntity, contextKey string) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			DELETE FROM wikilink_suppressions
			WHERE target_entity = ? AND context_key = ?`, targetEntity, contextKey)
		return err
	})
}

// IsSuppressed reports whether (entity, context) or (entity, *) is suppressed.
func (s *StateStore) IsSuppressed(targetEntity, contextKey string) (bool, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM wikilink_suppressions
		WHERE target_entity = ? AND context_key IN (?, ?)`,
		targetEntity, contextKey, WildcardContext).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("query suppression: %w", err)
	}
	return count > 0, nil
}

// ListSuppressions returns all suppressions.
func (s *StateStore) ListSuppressions() ([]Suppression, error) {
	rows, err := s.db.Query(`
		SELECT target_entity, context_key, created_at FROM wikilink_suppressions
		ORDER BY target_entity, context_key`)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []Suppression
	for rows.Next() {
		var sp Suppression
		if err := rows.Scan(&sp.TargetEntity, &sp.ContextKey, &sp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

func scanApplications(rows *sql.Rows) ([]Application, error) {
	var out []Application
	for rows.Next() {
		var a Application
		if err := rows.Scan(&a.ID, &a.SourcePath, &a.TargetEntity, &a.SpanText,
			&a.ContextKey, &a.AppliedAt, &a.Verdict); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
