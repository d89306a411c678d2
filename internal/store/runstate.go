package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// backoffCap bounds the number of skipped triggers after repeated
// failures, so a long outage does not push the next attempt out forever.
const backoffCap = 64

// RunState is one target's persisted execution history. Transitions are
// pure functions (RunState in, RunState out); only SaveRunState touches
// the database. This keeps the threshold logic testable without storage.
type RunState struct {
	TargetID         string `json:"target_id"`
	LastRunAt        int64  `json:"last_run_at"`
	LastSuccessAt    int64  `json:"last_success_at"`
	LastStatus       string `json:"last_status"`
	LastError        string `json:"last_error"`
	FailCount        int    `json:"fail_count"`
	BackoffRemaining int    `json:"backoff_remaining"`
	Disabled         bool   `json:"disabled"`
	UpdatedAt        int64  `json:"updated_at"`
}

// Succeed returns the state after a successful run: failure accounting
// cleared, timestamps advanced.
func (s RunState) Succeed(now int64) RunState {
	s.LastRunAt = now
	s.LastSuccessAt = now
	s.LastStatus = "ok"
	s.LastError = ""
	s.FailCount = 0
	s.BackoffRemaining = 0
	s.UpdatedAt = now
	return s
}

// Fail returns the state after a failed run. The next 2^(failCount-1)
// scheduled triggers are skipped (capped); reaching maxFailures
// consecutive failures disables the target until an operator re-enables it.
func (s RunState) Fail(now int64, errMsg string, maxFailures int) RunState {
	s.LastRunAt = now
	s.LastStatus = "failed"
	s.LastError = errMsg
	s.FailCount++
	backoff := 1 << (s.FailCount - 1)
	if backoff > backoffCap {
		backoff = backoffCap
	}
	s.BackoffRemaining = backoff
	if maxFailures > 0 && s.FailCount >= maxFailures {
		s.Disabled = true
	}
	s.UpdatedAt = now
	return s
}

// ConsumeBackoff returns the state after one skipped trigger. The skip
// occupies its interval slot: LastRunAt advances so the next credit is
// consumed one full interval later, not on the next scheduler tick.
func (s RunState) ConsumeBackoff(now int64) RunState {
	if s.BackoffRemaining > 0 {
		s.BackoffRemaining--
	}
	s.LastRunAt = now
	s.UpdatedAt = now
	return s
}

// Due reports whether the target should run at now given its interval.
// A target that never ran is always due. Backoff and disabled are decided
// by the scheduler, not here.
func (s RunState) Due(now int64, interval time.Duration) bool {
	if s.LastRunAt == 0 {
		return true
	}
	return s.LastRunAt+interval.Milliseconds() <= now
}

// EnsureRunState creates the row for targetID if absent and returns it.
func (st *Store) EnsureRunState(ctx context.Context, targetID string) (RunState, error) {
	now := time.Now().UnixMilli()
	_, err := st.DB.ExecContext(ctx,
		`INSERT OR IGNORE INTO run_states (target_id, last_status, updated_at)
		 VALUES (?, 'pending', ?)`, targetID, now)
	if err != nil {
		return RunState{}, fmt.Errorf("ensure run state: %w", err)
	}
	return st.GetRunState(ctx, targetID)
}

// GetRunState loads one target's state.
func (st *Store) GetRunState(ctx context.Context, targetID string) (RunState, error) {
	row := st.DB.QueryRowContext(ctx,
		`SELECT target_id, last_run_at, last_success_at, last_status, last_error,
		 fail_count, backoff_remaining, disabled, updated_at
		 FROM run_states WHERE target_id = ?`, targetID)
	return scanRunState(row)
}

// ListRunStates returns all run states keyed by target id.
func (st *Store) ListRunStates(ctx context.Context) (map[string]RunState, error) {
	rows, err := st.DB.QueryContext(ctx,
		`SELECT target_id, last_run_at, last_success_at, last_status, last_error,
		 fail_count, backoff_remaining, disabled, updated_at
		 FROM run_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]RunState)
	for rows.Next() {
		var s RunState
		var lastRun, lastSuccess sql.NullInt64
		var disabled int
		if err := rows.Scan(&s.TargetID, &lastRun, &lastSuccess, &s.LastStatus,
			&s.LastError, &s.FailCount, &s.BackoffRemaining, &disabled, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan run state: %w", err)
		}
		s.LastRunAt = lastRun.Int64
		s.LastSuccessAt = lastSuccess.Int64
		s.Disabled = disabled != 0
		states[s.TargetID] = s
	}
	return states, rows.Err()
}

// SaveRunState persists a state transition.
func (st *Store) SaveRunState(ctx context.Context, s RunState) error {
	disabled := 0
	if s.Disabled {
		disabled = 1
	}
	_, err := st.DB.ExecContext(ctx,
		`UPDATE run_states SET last_run_at=?, last_success_at=?, last_status=?,
		 last_error=?, fail_count=?, backoff_remaining=?, disabled=?, updated_at=?
		 WHERE target_id=?`,
		nullable(s.LastRunAt), nullable(s.LastSuccessAt), s.LastStatus,
		s.LastError, s.FailCount, s.BackoffRemaining, disabled, s.UpdatedAt,
		s.TargetID)
	return err
}

// SetDisabled flips the operator override. Enabling clears the failure
// accounting so the next trigger runs immediately.
func (st *Store) SetDisabled(ctx context.Context, targetID string, disabled bool) error {
	now := time.Now().UnixMilli()
	if disabled {
		_, err := st.DB.ExecContext(ctx,
			`UPDATE run_states SET disabled=1, updated_at=? WHERE target_id=?`, now, targetID)
		return err
	}
	_, err := st.DB.ExecContext(ctx,
		`UPDATE run_states SET disabled=0, fail_count=0, backoff_remaining=0,
		 last_error='', updated_at=? WHERE target_id=?`, now, targetID)
	return err
}

func scanRunState(row *sql.Row) (RunState, error) {
	var s RunState
	var lastRun, lastSuccess sql.NullInt64
	var disabled int
	err := row.Scan(&s.TargetID, &lastRun, &lastSuccess, &s.LastStatus,
		&s.LastError, &s.FailCount, &s.BackoffRemaining, &disabled, &s.UpdatedAt)
	if err != nil {
		return RunState{}, fmt.Errorf("scan run state: %w", err)
	}
	s.LastRunAt = lastRun.Int64
	s.LastSuccessAt = lastSuccess.Int64
	s.Disabled = disabled != 0
	return s, nil
}

func nullable(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
