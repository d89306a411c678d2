package store

import (
	"context"
	"fmt"
)

// RunLogEntry is one row of the per-run audit trail.
type RunLogEntry struct {
	ID           string `json:"id"`
	TargetID     string `json:"target_id"`
	Status       string `json:"status"`
	PagesOK      int    `json:"pages_ok"`
	PagesFailed  int    `json:"pages_failed"`
	Extracted    int    `json:"extracted"`
	Committed    int    `json:"committed"`
	ErrorMessage string `json:"error_message,omitempty"`
	DurationMS   int64  `json:"duration_ms"`
	RanAt        int64  `json:"ran_at"`
}

// InsertRunLog appends one run attempt to the log.
func (st *Store) InsertRunLog(ctx context.Context, e RunLogEntry) error {
	_, err := st.DB.ExecContext(ctx,
		`INSERT INTO run_log (id, target_id, status, pages_ok, pages_failed,
		 extracted, committed, error_message, duration_ms, ran_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TargetID, e.Status, e.PagesOK, e.PagesFailed,
		e.Extracted, e.Committed, e.ErrorMessage, e.DurationMS, e.RanAt)
	if err != nil {
		return fmt.Errorf("insert run log: %w", err)
	}
	return nil
}

// RunHistory returns the most recent run attempts for a target, newest
// first.
func (st *Store) RunHistory(ctx context.Context, targetID string, limit int) ([]RunLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := st.DB.QueryContext(ctx,
		`SELECT id, target_id, status, pages_ok, pages_failed, extracted,
		 committed, error_message, duration_ms, ran_at
		 FROM run_log WHERE target_id = ?
		 ORDER BY ran_at DESC, id DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RunLogEntry
	for rows.Next() {
		var e RunLogEntry
		if err := rows.Scan(&e.ID, &e.TargetID, &e.Status, &e.PagesOK, &e.PagesFailed,
			&e.Extracted, &e.Committed, &e.ErrorMessage, &e.DurationMS, &e.RanAt); err != nil {
			return nil, fmt.Errorf("scan run log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
