// Package scheduler triggers target runs on a shared ticker with three
// guarantees: at most one run per target at a time (an overdue trigger
// is skipped, never queued), failure backoff counted in skipped
// triggers, and automatic disable after too many consecutive failures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/moisson/internal/store"
)

var (
	// ErrRunInFlight reports a manual trigger while the target's
	// previous run is still executing.
	ErrRunInFlight = errors.New("scheduler: run already in flight")
	// ErrTargetDisabled reports a trigger against a disabled target.
	ErrTargetDisabled = errors.New("scheduler: target disabled")
	// ErrUnknownTarget reports a trigger against an unregistered target.
	ErrUnknownTarget = errors.New("scheduler: unknown target")
	// ErrFailureThreshold reports that consecutive failures reached the
	// disable threshold.
	ErrFailureThreshold = errors.New("scheduler: consecutive failure threshold reached")
)

// Runner executes one run for one target and returns a summary error
// (nil on success). The scheduler owns all run-state bookkeeping; the
// runner only does the work.
type Runner func(ctx context.Context, targetID string) error

// Entry is one registered target.
type Entry struct {
	TargetID string
	Interval time.Duration
	Run      Runner
}

// Config configures the scheduler.
type Config struct {
	// Tick is the scheduler resolution. Default: 15 seconds.
	Tick time.Duration
	// JobTimeout bounds each run. Default: 10 minutes.
	JobTimeout time.Duration
	// MaxFailures disables a target after this many consecutive
	// failures. Default: 5. Zero from the caller means the default;
	// use -1 to never disable.
	MaxFailures int
	Logger      *slog.Logger
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = 15 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
}

// Scheduler drives registered targets from one ticker.
type Scheduler struct {
	cfg    Config
	states *store.Store
	logger *slog.Logger

	mu       sync.Mutex
	entries  map[string]Entry
	inflight map[string]bool
	wg       sync.WaitGroup
}

// New creates a Scheduler persisting run state through st.
func New(st *store.Store, cfg Config) *Scheduler {
	cfg.defaults()
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		states:   st,
		logger:   cfg.Logger,
		entries:  make(map[string]Entry),
		inflight: make(map[string]bool),
	}
}

// Register adds a target and ensures its run-state row exists.
func (s *Scheduler) Register(ctx context.Context, e Entry) error {
	if e.TargetID == "" || e.Run == nil || e.Interval <= 0 {
		return fmt.Errorf("scheduler: invalid entry %q", e.TargetID)
	}
	if _, err := s.states.EnsureRunState(ctx, e.TargetID); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[e.TargetID] = e
	s.mu.Unlock()
	return nil
}

// Run drives the ticker until ctx is cancelled, then waits for in-flight
// runs to finish.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every registered target once. Exposed so tests and the
// -once mode can drive the scheduler without wall-clock ticks.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, e := range entries {
		s.evaluate(ctx, e, now)
	}
}

// evaluate decides what this trigger means for one target: skip
// (disabled, in flight, not due, or backing off) or launch.
func (s *Scheduler) evaluate(ctx context.Context, e Entry, now int64) {
	state, err := s.states.GetRunState(ctx, e.TargetID)
	if err != nil {
		s.logger.Error("load run state", "target", e.TargetID, "error", err)
		return
	}
	if state.Disabled {
		return
	}
	if !state.Due(now, e.Interval) {
		return
	}

	s.mu.Lock()
	if s.inflight[e.TargetID] {
		s.mu.Unlock()
		s.logger.Warn("trigger skipped, run in flight", "target", e.TargetID)
		return
	}

	if state.BackoffRemaining > 0 {
		s.mu.Unlock()
		next := state.ConsumeBackoff(now)
		if err := s.states.SaveRunState(ctx, next); err != nil {
			s.logger.Error("save run state", "target", e.TargetID, "error", err)
		}
		s.logger.Info("trigger skipped, backing off",
			"target", e.TargetID, "remaining", next.BackoffRemaining)
		return
	}

	s.inflight[e.TargetID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(ctx, e)
}

// RunNow triggers a target immediately, bypassing interval and backoff.
// A disabled target or an in-flight run still refuses.
func (s *Scheduler) RunNow(ctx context.Context, targetID string) error {
	s.mu.Lock()
	e, ok := s.entries[targetID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}

	state, err := s.states.GetRunState(ctx, targetID)
	if err != nil {
		return err
	}
	if state.Disabled {
		return fmt.Errorf("%w: %s", ErrTargetDisabled, targetID)
	}

	s.mu.Lock()
	if s.inflight[targetID] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunInFlight, targetID)
	}
	s.inflight[targetID] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(ctx, e)
	return nil
}

// execute runs the target once and records the outcome. The in-flight
// flag is held for the full duration, which is what makes overlapping
// triggers impossible.
func (s *Scheduler) execute(ctx context.Context, e Entry) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, e.TargetID)
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	started := time.Now()
	err := e.Run(runCtx, e.TargetID)
	now := time.Now().UnixMilli()

	// The transition applies to the row as it is NOW, not as it was when
	// the run launched. An operator disable or enable issued mid-run must
	// not be reverted by a stale snapshot.
	state, loadErr := s.loadState(e.TargetID)
	if loadErr != nil {
		s.logger.Error("load run state", "target", e.TargetID, "error", loadErr)
		return
	}

	if err != nil {
		next := state.Fail(now, err.Error(), s.maxFailures())
		if next.Disabled && !state.Disabled {
			s.logger.Error("target disabled",
				"target", e.TargetID, "failures", next.FailCount,
				"error", ErrFailureThreshold)
		}
		if saveErr := s.saveState(next); saveErr != nil {
			s.logger.Error("save run state", "target", e.TargetID, "error", saveErr)
		}
		s.logger.Warn("run failed", "target", e.TargetID,
			"error", err, "duration", time.Since(started))
		return
	}

	if saveErr := s.saveState(state.Succeed(now)); saveErr != nil {
		s.logger.Error("save run state", "target", e.TargetID, "error", saveErr)
	}
	s.logger.Info("run completed", "target", e.TargetID, "duration", time.Since(started))
}

// saveState uses a background context so a cancelled run still records
// its outcome.
func (s *Scheduler) saveState(state store.RunState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.states.SaveRunState(ctx, state)
}

// loadState reads the current row on a background context so a cancelled
// run can still record its outcome against fresh state.
func (s *Scheduler) loadState(targetID string) (store.RunState, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.states.GetRunState(ctx, targetID)
}

func (s *Scheduler) maxFailures() int {
	if s.cfg.MaxFailures < 0 {
		return 0
	}
	return s.cfg.MaxFailures
}

// Wait blocks until all in-flight runs complete. Used by tests and the
// -once mode.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
