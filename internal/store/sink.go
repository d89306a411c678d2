package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/internal/record"
)

// ErrSinkWrite marks a persistence failure in the record sink. Callers
// treat it as a run failure for the whole target.
var ErrSinkWrite = errors.New("store: sink write failed")

// seenChunk bounds the size of the IN clause in SeenFingerprints.
const seenChunk = 500

// StoredRecord is a committed record as read back from the database.
type StoredRecord struct {
	ID          string            `json:"id"`
	TargetID    string            `json:"target_id"`
	Fingerprint string            `json:"fingerprint"`
	Fields      map[string]string `json:"fields"`
	PageURL     string            `json:"page_url"`
	ExtractedAt int64             `json:"extracted_at"`
}

// CommitDelta persists a batch of new records and registers their
// fingerprints in a single transaction. Returns the number of records
// actually inserted. INSERT OR IGNORE on the fingerprint keys makes a
// replayed commit a no-op, so a crash between commit and run-state save
// cannot duplicate records.
func (st *Store) CommitDelta(ctx context.Context, targetID string, records []record.Normalized, newID func() string) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	now := time.Now().UnixMilli()
	committed := 0

	err := dbopen.RunTx(ctx, st.DB, func(tx *sql.Tx) error {
		committed = 0
		for _, rec := range records {
			fieldsJSON, err := json.Marshal(rec.Fields)
			if err != nil {
				return fmt.Errorf("marshal fields: %w", err)
			}
			res, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO records (id, target_id, fingerprint, fields_json, page_url, extracted_at)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				newID(), targetID, rec.Fingerprint, string(fieldsJSON), rec.PageURL, now)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			committed += int(n)

			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO fingerprints (fingerprint, target_id, first_seen_at)
				 VALUES (?, ?, ?)`, rec.Fingerprint, targetID, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSinkWrite, err)
	}
	return committed, nil
}

// SeenFingerprints returns which of the given fingerprints are already
// registered. Queries in chunks to stay under SQLite's bound-parameter
// limit.
func (st *Store) SeenFingerprints(ctx context.Context, fingerprints []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(fingerprints))
	for start := 0; start < len(fingerprints); start += seenChunk {
		end := min(start+seenChunk, len(fingerprints))
		chunk := fingerprints[start:end]

		placeholders := strings.Repeat("?,", len(chunk)-1) + "?"
		args := make([]any, len(chunk))
		for i, fp := range chunk {
			args[i] = fp
		}
		rows, err := st.DB.QueryContext(ctx,
			`SELECT fingerprint FROM fingerprints WHERE fingerprint IN (`+placeholders+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var fp string
			if err := rows.Scan(&fp); err != nil {
				rows.Close()
				return nil, err
			}
			seen[fp] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return seen, nil
}

// ListRecords returns the most recent committed records for a target,
// newest first.
func (st *Store) ListRecords(ctx context.Context, targetID string, limit int) ([]StoredRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := st.DB.QueryContext(ctx,
		`SELECT id, target_id, fingerprint, fields_json, page_url, extracted_at
		 FROM records WHERE target_id = ?
		 ORDER BY extracted_at DESC, id DESC LIMIT ?`, targetID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredRecord
	for rows.Next() {
		var r StoredRecord
		var fieldsJSON string
		if err := rows.Scan(&r.ID, &r.TargetID, &r.Fingerprint, &fieldsJSON, &r.PageURL, &r.ExtractedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if err := json.Unmarshal([]byte(fieldsJSON), &r.Fields); err != nil {
			return nil, fmt.Errorf("decode fields for %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecords returns the number of committed records for a target.
func (st *Store) CountRecords(ctx context.Context, targetID string) (int, error) {
	var n int
	err := st.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE target_id = ?`, targetID).Scan(&n)
	return n, err
}
