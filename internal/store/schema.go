package store

import "database/sql"

// Schema is the complete moisson schema.
const Schema = `
-- Per-target execution history: drives non-overlap, backoff, and disable
-- decisions, and survives process restart.
CREATE TABLE IF NOT EXISTS run_states (
    target_id         TEXT PRIMARY KEY,
    last_run_at       INTEGER,
    last_success_at   INTEGER,
    last_status       TEXT NOT NULL DEFAULT 'pending',
    last_error        TEXT NOT NULL DEFAULT '',
    fail_count        INTEGER NOT NULL DEFAULT 0,
    backoff_remaining INTEGER NOT NULL DEFAULT 0,
    disabled          INTEGER NOT NULL DEFAULT 0,
    updated_at        INTEGER NOT NULL
);

-- Append-only set of record fingerprints already persisted. Grows
-- monotonically; never shrinks during operation.
CREATE TABLE IF NOT EXISTS fingerprints (
    fingerprint   TEXT PRIMARY KEY,
    target_id     TEXT NOT NULL,
    first_seen_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_target ON fingerprints(target_id);

-- Committed records. The UNIQUE fingerprint makes re-commits idempotent.
CREATE TABLE IF NOT EXISTS records (
    id           TEXT PRIMARY KEY,
    target_id    TEXT NOT NULL,
    fingerprint  TEXT NOT NULL UNIQUE,
    fields_json  TEXT NOT NULL,
    page_url     TEXT NOT NULL DEFAULT '',
    extracted_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_target ON records(target_id, extracted_at DESC);

-- One row per run attempt (observability).
CREATE TABLE IF NOT EXISTS run_log (
    id            TEXT PRIMARY KEY,
    target_id     TEXT NOT NULL,
    status        TEXT NOT NULL,
    pages_ok      INTEGER NOT NULL DEFAULT 0,
    pages_failed  INTEGER NOT NULL DEFAULT 0,
    extracted     INTEGER NOT NULL DEFAULT 0,
    committed     INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms   INTEGER NOT NULL DEFAULT 0,
    ran_at        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_log_target ON run_log(target_id, ran_at DESC);
`

// ApplySchema creates all tables and indexes on the given database.
// Idempotent.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
