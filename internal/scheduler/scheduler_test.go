package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	return store.NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
}

func newScheduler(t *testing.T, st *store.Store, maxFailures int) *Scheduler {
	t.Helper()
	return New(st, Config{
		Tick:        time.Hour, // ticks driven manually via Tick()
		JobTimeout:  5 * time.Second,
		MaxFailures: maxFailures,
	})
}

func register(t *testing.T, s *Scheduler, id string, run Runner) {
	t.Helper()
	err := s.Register(context.Background(), Entry{
		TargetID: id,
		Interval: time.Millisecond,
		Run:      run,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func TestTick_NonOverlap(t *testing.T) {
	// WHAT: a trigger that lands while the previous run is still
	// executing is skipped, not queued.
	st := testStore(t)
	s := newScheduler(t, st, -1)

	var runs atomic.Int32
	release := make(chan struct{})
	register(t, s, "t1", func(ctx context.Context, _ string) error {
		runs.Add(1)
		<-release
		return nil
	})

	ctx := context.Background()
	s.Tick(ctx)

	// Wait for the run to be in flight, then trigger again.
	deadline := time.After(2 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first run never started")
		case <-time.After(time.Millisecond):
		}
	}
	s.Tick(ctx)
	s.Tick(ctx)

	close(release)
	s.Wait()

	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 (overlapping triggers must be skipped)", got)
	}
}

func TestTick_BackoffCountsTriggers(t *testing.T) {
	// WHAT: after N consecutive failures the next 2^(N-1) triggers are
	// consumed as backoff instead of launching a run.
	st := testStore(t)
	s := newScheduler(t, st, -1)

	var runs atomic.Int32
	register(t, s, "t1", func(ctx context.Context, _ string) error {
		runs.Add(1)
		return fmt.Errorf("upstream broken")
	})

	ctx := context.Background()
	tickAndWait := func() {
		s.Tick(ctx)
		s.Wait()
		time.Sleep(2 * time.Millisecond) // past the 1ms interval
	}

	tickAndWait() // run 1 fails, backoff=1
	tickAndWait() // consumed
	tickAndWait() // run 2 fails, backoff=2
	tickAndWait() // consumed
	tickAndWait() // consumed
	tickAndWait() // run 3 fails

	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3 (backoff triggers must be skipped)", got)
	}

	state, err := st.GetRunState(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if state.FailCount != 3 || state.BackoffRemaining != 4 {
		t.Fatalf("state after 3 failures: count=%d backoff=%d", state.FailCount, state.BackoffRemaining)
	}
}

func TestTick_BackoffSkipHoldsForFullInterval(t *testing.T) {
	// WHAT: a consumed backoff credit claims its interval slot, so extra
	// ticks landing inside the same slot neither burn further credits
	// nor start the next run early.
	// WHY: the tick resolution is much finer than target intervals in
	// production; counting backoff per tick would collapse the delay to
	// a few seconds.
	st := testStore(t)
	s := newScheduler(t, st, -1)

	var runs atomic.Int32
	interval := 300 * time.Millisecond
	err := s.Register(context.Background(), Entry{
		TargetID: "t1",
		Interval: interval,
		Run: func(ctx context.Context, _ string) error {
			runs.Add(1)
			return fmt.Errorf("upstream broken")
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	s.Tick(ctx) // run 1 fails, backoff=1
	s.Wait()

	time.Sleep(interval + 20*time.Millisecond)
	s.Tick(ctx) // due: credit consumed, slot claimed
	s.Tick(ctx) // same slot: must be a no-op
	s.Tick(ctx)
	s.Wait()

	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1 (run 2 started before its scheduled trigger)", got)
	}
	state, err := st.GetRunState(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if state.BackoffRemaining != 0 {
		t.Fatalf("backoff = %d, want 0 after one due trigger", state.BackoffRemaining)
	}

	time.Sleep(interval + 20*time.Millisecond)
	s.Tick(ctx) // next slot: run 2
	s.Wait()
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2 after the next interval slot", got)
	}
}

func TestTick_DisableAtThreshold(t *testing.T) {
	st := testStore(t)
	s := newScheduler(t, st, 2)

	var runs atomic.Int32
	register(t, s, "t1", func(ctx context.Context, _ string) error {
		runs.Add(1)
		return fmt.Errorf("still broken")
	})

	ctx := context.Background()
	tickAndWait := func() {
		s.Tick(ctx)
		s.Wait()
		time.Sleep(2 * time.Millisecond)
	}

	tickAndWait() // failure 1, backoff=1
	tickAndWait() // consumed
	tickAndWait() // failure 2 -> disabled

	state, err := st.GetRunState(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !state.Disabled {
		t.Fatalf("not disabled after threshold: %+v", state)
	}

	// Further triggers are no-ops until an operator re-enables.
	tickAndWait()
	tickAndWait()
	if got := runs.Load(); got != 2 {
		t.Fatalf("runs = %d, want 2 after disable", got)
	}

	if err := st.SetDisabled(ctx, "t1", false); err != nil {
		t.Fatal(err)
	}
	tickAndWait()
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3 after re-enable", got)
	}
}

func TestTick_SuccessClearsFailureState(t *testing.T) {
	st := testStore(t)
	s := newScheduler(t, st, -1)

	fail := atomic.Bool{}
	fail.Store(true)
	register(t, s, "t1", func(ctx context.Context, _ string) error {
		if fail.Load() {
			return fmt.Errorf("transient")
		}
		return nil
	})

	ctx := context.Background()
	s.Tick(ctx)
	s.Wait()
	time.Sleep(2 * time.Millisecond)

	fail.Store(false)
	s.Tick(ctx) // consumes backoff
	s.Wait()
	time.Sleep(2 * time.Millisecond)
	s.Tick(ctx) // succeeds
	s.Wait()

	state, err := st.GetRunState(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if state.FailCount != 0 || state.LastStatus != "ok" || state.LastSuccessAt == 0 {
		t.Fatalf("success did not clear state: %+v", state)
	}
}

func TestRunNow(t *testing.T) {
	st := testStore(t)
	s := newScheduler(t, st, -1)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	register(t, s, "t1", func(ctx context.Context, _ string) error {
		started <- struct{}{}
		<-release
		return nil
	})

	ctx := context.Background()

	if err := s.RunNow(ctx, "missing"); !errors.Is(err, ErrUnknownTarget) {
		t.Fatalf("unknown target: err = %v", err)
	}

	if err := s.RunNow(ctx, "t1"); err != nil {
		t.Fatalf("first RunNow: %v", err)
	}
	<-started

	if err := s.RunNow(ctx, "t1"); !errors.Is(err, ErrRunInFlight) {
		t.Fatalf("in-flight RunNow: err = %v", err)
	}

	close(release)
	s.Wait()

	if err := st.SetDisabled(ctx, "t1", true); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow(ctx, "t1"); !errors.Is(err, ErrTargetDisabled) {
		t.Fatalf("disabled RunNow: err = %v", err)
	}
}

func TestExecute_OperatorDisableDuringRunSticks(t *testing.T) {
	// WHAT: a disable issued while the run is in flight survives the
	// run's own outcome save.
	// WHY: the outcome transition must apply to the row as it is after
	// the run, or the operator override is silently reverted.
	st := testStore(t)
	s := newScheduler(t, st, -1)

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	register(t, s, "t1", func(ctx context.Context, _ string) error {
		started <- struct{}{}
		<-release
		return nil
	})

	ctx := context.Background()
	if err := s.RunNow(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	<-started

	if err := st.SetDisabled(ctx, "t1", true); err != nil {
		t.Fatal(err)
	}
	close(release)
	s.Wait()

	state, err := st.GetRunState(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if !state.Disabled {
		t.Fatalf("mid-run disable was reverted: %+v", state)
	}
	if state.LastStatus != "ok" {
		t.Fatalf("run outcome lost: status = %q", state.LastStatus)
	}
}

func TestRegister_Validation(t *testing.T) {
	st := testStore(t)
	s := newScheduler(t, st, -1)
	ctx := context.Background()

	if err := s.Register(ctx, Entry{TargetID: "", Interval: time.Second, Run: func(context.Context, string) error { return nil }}); err == nil {
		t.Error("empty target id accepted")
	}
	if err := s.Register(ctx, Entry{TargetID: "t1", Interval: 0, Run: func(context.Context, string) error { return nil }}); err == nil {
		t.Error("zero interval accepted")
	}
	if err := s.Register(ctx, Entry{TargetID: "t1", Interval: time.Second}); err == nil {
		t.Error("nil runner accepted")
	}
}
