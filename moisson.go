// Package moisson is a scheduled stealth web-extraction pipeline: on a
// fixed interval it drives a browser or HTTP session against configured
// target pages, extracts structured records, deduplicates them against
// everything seen before, and commits only the delta to SQLite.
package moisson

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/hazyhaar/moisson/idgen"
	"github.com/hazyhaar/moisson/internal/adapter"
	"github.com/hazyhaar/moisson/internal/browser"
	"github.com/hazyhaar/moisson/internal/dedup"
	"github.com/hazyhaar/moisson/internal/httpfetch"
	"github.com/hazyhaar/moisson/internal/job"
	"github.com/hazyhaar/moisson/internal/mirror"
	"github.com/hazyhaar/moisson/internal/record"
	"github.com/hazyhaar/moisson/internal/scheduler"
	"github.com/hazyhaar/moisson/internal/scrape"
	"github.com/hazyhaar/moisson/internal/store"
)

// Opener produces a session for one target run. Overridable for tests.
type Opener func(ctx context.Context, t *Target) (job.Session, error)

// Service is the moisson orchestrator: it owns the scheduler, the store,
// the adapter registry, and both acquisition paths.
type Service struct {
	cfg      *Config
	store    *store.Store
	registry *adapter.Registry
	browser  *browser.Manager
	sched    *scheduler.Scheduler
	mirror   *mirror.Writer
	logger   *slog.Logger

	recID Generator
	runID Generator

	targets  map[string]*Target
	order    []string // target ids in config order
	adapters map[string]adapter.Adapter

	open Opener
}

// Generator aliases idgen.Generator for option signatures.
type Generator = idgen.Generator

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithOpener overrides session acquisition. Tests inject fake sessions
// through this.
func WithOpener(open Opener) ServiceOption {
	return func(svc *Service) { svc.open = open }
}

// WithIDGenerator overrides the record/run ID generator.
func WithIDGenerator(gen Generator) ServiceOption {
	return func(svc *Service) {
		svc.recID = idgen.Prefixed("rec_", gen)
		svc.runID = idgen.Prefixed("run_", gen)
	}
}

// New creates a Service on an already-opened database (the caller
// blank-imports the driver and owns the handle). Applies the schema,
// registers every configured target, and wires the scheduler.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("moisson: nil config")
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	if err := store.ApplySchema(db); err != nil {
		return nil, fmt.Errorf("moisson: apply schema: %w", err)
	}

	svc := &Service{
		cfg:      cfg,
		store:    store.NewStore(db),
		registry: adapter.NewRegistry(),
		logger:   logger,
		recID:    idgen.Prefixed("rec_", idgen.Default),
		runID:    idgen.Prefixed("run_", idgen.Default),
		targets:  make(map[string]*Target, len(cfg.Targets)),
		adapters: make(map[string]adapter.Adapter, len(cfg.Targets)),
	}

	svc.browser = browser.NewManager(browser.Config{
		RemoteURL:        cfg.BrowserRemoteURL,
		Headful:          cfg.Headful,
		NavTimeout:       time.Duration(cfg.NavTimeoutMs) * time.Millisecond,
		ResourceBlocking: cfg.BlockResources,
		Logger:           logger,
	})
	svc.open = svc.openSession

	for _, opt := range opts {
		opt(svc)
	}

	if cfg.MirrorDir != "" {
		svc.mirror = mirror.New(cfg.MirrorDir)
	}

	svc.sched = scheduler.New(svc.store, scheduler.Config{
		Tick:        time.Duration(cfg.TickMs) * time.Millisecond,
		JobTimeout:  time.Duration(cfg.JobTimeoutMs) * time.Millisecond,
		MaxFailures: cfg.MaxFailures,
		Logger:      logger,
	})

	ctx := context.Background()
	for _, t := range cfg.Targets {
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("moisson: %w", err)
		}
		ad, err := svc.registry.New(t.Adapter, t.Extract)
		if err != nil {
			return nil, fmt.Errorf("moisson: target %q: %w", t.ID, err)
		}
		svc.targets[t.ID] = t
		svc.order = append(svc.order, t.ID)
		svc.adapters[t.ID] = ad

		err = svc.sched.Register(ctx, scheduler.Entry{
			TargetID: t.ID,
			Interval: time.Duration(t.IntervalMs) * time.Millisecond,
			Run:      svc.runTarget,
		})
		if err != nil {
			return nil, fmt.Errorf("moisson: register %q: %w", t.ID, err)
		}
	}

	return svc, nil
}

// Start launches the background scheduler. Non-blocking.
func (svc *Service) Start(ctx context.Context) {
	go svc.sched.Run(ctx)
	svc.logger.Info("moisson: started", "targets", len(svc.targets))
}

// RunOnce evaluates every due target a single time and waits for the
// runs to finish. External-cron mode.
func (svc *Service) RunOnce(ctx context.Context) {
	svc.sched.Tick(ctx)
	svc.sched.Wait()
}

// Close waits for in-flight runs. The database handle belongs to the
// caller and is not closed here.
func (svc *Service) Close() error {
	svc.sched.Wait()
	svc.logger.Info("moisson: closed")
	return nil
}

// openSession is the default Opener: stealth level 0 uses the HTTP path,
// anything above launches a browser session.
func (svc *Service) openSession(_ context.Context, t *Target) (job.Session, error) {
	if t.StealthLevel == 0 {
		return httpfetch.New(httpfetch.Config{
			Timeout:   time.Duration(svc.cfg.NavTimeoutMs) * time.Millisecond,
			UserAgent: svc.cfg.UserAgent,
			Logger:    svc.logger,
		}), nil
	}
	return svc.browser.Open()
}

// runTarget executes one full run for one target: scrape, dedup, commit,
// mirror, log. The returned error is what the scheduler counts as a
// failure.
func (svc *Service) runTarget(ctx context.Context, targetID string) error {
	t := svc.targets[targetID]
	started := time.Now()

	res := svc.runJob(ctx, t)
	if res.Status == job.StatusFailed && errors.Is(res.Err, scrape.ErrDetection) &&
		svc.cfg.RetryDetectionWithFreshSession {
		svc.logger.Info("retrying detected run with fresh session", "target", targetID)
		res = svc.runJob(ctx, t)
	}

	entry := store.RunLogEntry{
		ID:          svc.runID(),
		TargetID:    targetID,
		PagesOK:     res.PagesOK,
		PagesFailed: res.PagesFailed,
		Extracted:   res.Extracted,
		RanAt:       started.UnixMilli(),
	}

	if res.Status == job.StatusFailed {
		entry.Status = "failed"
		entry.ErrorMessage = res.Err.Error()
		entry.DurationMS = time.Since(started).Milliseconds()
		svc.insertRunLog(entry)
		return res.Err
	}

	committed, err := svc.commitDelta(ctx, t, res.Records)
	if err != nil {
		entry.Status = "failed"
		entry.ErrorMessage = err.Error()
		entry.DurationMS = time.Since(started).Milliseconds()
		svc.insertRunLog(entry)
		return err
	}

	entry.Status = "ok"
	entry.Committed = committed
	entry.DurationMS = time.Since(started).Milliseconds()
	svc.insertRunLog(entry)

	svc.logger.Info("run summary", "target", targetID,
		"pages_ok", res.PagesOK, "pages_failed", res.PagesFailed,
		"extracted", res.Extracted, "committed", committed)
	return nil
}

func (svc *Service) runJob(ctx context.Context, t *Target) job.Result {
	return job.Run(ctx, job.Config{
		TargetID:   t.ID,
		URLs:       t.PageURLs(),
		Adapter:    svc.adapters[t.ID],
		Identity:   t.Identity,
		NavRetries: svc.cfg.NavRetries,
		RetryBase:  time.Duration(svc.cfg.NavRetryBaseMs) * time.Millisecond,
		Logger:     svc.logger,
	}, func(ctx context.Context) (job.Session, error) {
		return svc.open(ctx, t)
	})
}

// commitDelta filters the batch against the fingerprint set and commits
// only unseen records. Mirror write happens after the commit and never
// fails the run.
func (svc *Service) commitDelta(ctx context.Context, t *Target, records []record.Normalized) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	fps := make([]string, len(records))
	for i, r := range records {
		fps[i] = r.Fingerprint
	}
	seen, err := svc.store.SeenFingerprints(ctx, fps)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrSinkWrite, err)
	}

	fresh := dedup.Filter(records, seen)
	if len(fresh) == 0 {
		return 0, nil
	}

	committed, err := svc.store.CommitDelta(ctx, t.ID, fresh, svc.recID)
	if err != nil {
		return 0, err
	}

	if svc.mirror != nil {
		if err := svc.mirror.Append(t.ID, fresh, time.Now()); err != nil {
			svc.logger.Warn("mirror write failed", "target", t.ID, "error", err)
		}
	}
	return committed, nil
}

func (svc *Service) insertRunLog(e store.RunLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.store.InsertRunLog(ctx, e); err != nil {
		svc.logger.Error("insert run log", "target", e.TargetID, "error", err)
	}
}

// --- Operator operations ---

// Targets returns all configured targets with their run state, in config
// order.
func (svc *Service) Targets(ctx context.Context) ([]TargetStatus, error) {
	states, err := svc.store.ListRunStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]TargetStatus, 0, len(svc.order))
	for _, id := range svc.order {
		out = append(out, TargetStatus{Target: svc.targets[id], State: states[id]})
	}
	return out, nil
}

// TargetState returns one target's run state.
func (svc *Service) TargetState(ctx context.Context, targetID string) (RunState, error) {
	if _, ok := svc.targets[targetID]; !ok {
		return RunState{}, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	return svc.store.GetRunState(ctx, targetID)
}

// RunNow triggers an immediate run, bypassing interval and backoff.
func (svc *Service) RunNow(ctx context.Context, targetID string) error {
	return svc.sched.RunNow(ctx, targetID)
}

// Enable re-enables a disabled target and clears its failure state.
func (svc *Service) Enable(ctx context.Context, targetID string) error {
	if _, ok := svc.targets[targetID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	return svc.store.SetDisabled(ctx, targetID, false)
}

// Disable stops scheduling a target until Enable.
func (svc *Service) Disable(ctx context.Context, targetID string) error {
	if _, ok := svc.targets[targetID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	return svc.store.SetDisabled(ctx, targetID, true)
}

// Records returns the most recent committed records for a target.
func (svc *Service) Records(ctx context.Context, targetID string, limit int) ([]Record, error) {
	if _, ok := svc.targets[targetID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	return svc.store.ListRecords(ctx, targetID, limit)
}

// RunHistory returns the most recent run attempts for a target.
func (svc *Service) RunHistory(ctx context.Context, targetID string, limit int) ([]RunLogEntry, error) {
	if _, ok := svc.targets[targetID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, targetID)
	}
	return svc.store.RunHistory(ctx, targetID, limit)
}

// AdapterNames lists the registered extraction adapters.
func (svc *Service) AdapterNames() []string {
	names := svc.registry.Names()
	sort.Strings(names)
	return names
}
