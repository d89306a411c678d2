// Package store is the data access layer for the moisson database: the
// fingerprint set, committed records, per-target run state, and the run
// log all live in one SQLite file so the sink commit can be atomic.
package store

import "database/sql"

// Store wraps the moisson database.
type Store struct {
	DB *sql.DB
}

// NewStore creates a Store from an already-opened database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{DB: db}
}
