package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"steward/internal/logging"
)

// Outcome values recorded in the execution log.
const (
	OutcomeCompleted        = "completed"
	OutcomeValidationFailed = "validation_failed"
	OutcomeNoCandidate      = "no_candidate"
	OutcomeConflict         = "conflict"
	OutcomeFailed           = "failed"
)

// Review flags on log entries.
const (
	FlagUnconfirmed = "unconfirmed"  // executed under a provisional evolution
	FlagNeedsReview = "needs-review" // the evolution was later rejected
	FlagUnresolved  = "unresolved"   // re-logged after an evolution rollback
)

// LogEntry is one immutable execution log record: the source of truth for
// learning and audit. Entries are append-only; only the review flag may be
// updated after the fact.
type LogEntry struct {
	ID              string    `json:"id"`
	RequestText     string    `json:"request_text"`
	WorkflowID      string    `json:"workflow_id,omitempty"`
	WorkflowVersion int64     `json:"workflow_version,omitempty"`
	SchemaVersion   int64     `json:"schema_version,omitempty"`
	Outcome         string    `json:"outcome"`
	DetailJSON      string    `json:"detail_json,omitempty"` // chosen binding, mutation ids, failure reasons
	Flag            string    `json:"flag,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// AppendLog records a log entry outside any entity mutation (NoCandidate,
// ValidationFailed). Mutating executions pass their entry to Transact instead.
func (s *Store) AppendLog(ctx context.Context, entry *LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendLogTx(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func appendLogTx(ctx context.Context, tx *sql.Tx, entry *LogEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO execution_log (id, request_text, workflow_id, workflow_version, schema_version, outcome, detail_json, flag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RequestText, entry.WorkflowID, entry.WorkflowVersion,
		entry.SchemaVersion, entry.Outcome, entry.DetailJSON, entry.Flag, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return nil
}

// RecentLog returns the newest entries, most recent first.
func (s *Store) RecentLog(ctx context.Context, limit int) ([]LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_text, workflow_id, workflow_version, schema_version, outcome, detail_json, flag, created_at
		FROM execution_log ORDER BY created_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.RequestText, &e.WorkflowID, &e.WorkflowVersion,
			&e.SchemaVersion, &e.Outcome, &e.DetailJSON, &e.Flag, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FlagEntriesForReview re-flags every entry committed under the given
// workflow version as needs-review. Called when a human rejects a provisional
// evolution after requests already executed under it; the entity mutations
// are not auto-reverted.
func (s *Store) FlagEntriesForReview(ctx context.Context, workflowID string, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE execution_log SET flag = ?
		WHERE workflow_id = ? AND workflow_version = ? AND outcome = ?`,
		FlagNeedsReview, workflowID, version, OutcomeCompleted)
	if err != nil {
		return 0, fmt.Errorf("flag entries for review: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("Flagged %d execution log entries for review (%s@%d)", n, workflowID, version)
	}
	return n, nil
}
