package moisson

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/internal/adapter"
	"github.com/hazyhaar/moisson/internal/job"
	"github.com/hazyhaar/moisson/internal/scrape"
)

// fakeSession serves canned HTML per URL. Mutating pages between runs
// simulates the target site changing.
type fakeSession struct {
	pages map[string]string
	errs  map[string]error
}

func (f *fakeSession) Navigate(_ context.Context, url string) (*scrape.Page, error) {
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	html, ok := f.pages[url]
	if !ok {
		return nil, fmt.Errorf("%w: no route %s", scrape.ErrNavigation, url)
	}
	return &scrape.Page{URL: url, HTML: []byte(html)}, nil
}

func (f *fakeSession) Close() error { return nil }

// listingHTML renders items as the markup the selector adapter expects.
func listingHTML(items ...[2]string) string {
	var b strings.Builder
	b.WriteString("<html><body><ul>")
	for _, it := range items {
		fmt.Fprintf(&b, `<li class="rec"><span class="id">%s</span><span class="name">%s</span></li>`, it[0], it[1])
	}
	b.WriteString("</ul></body></html>")
	return b.String()
}

func testTarget(urls ...string) *Target {
	return &Target{
		ID:        "ships",
		EntryURLs: urls,
		Adapter:   "selector",
		Extract: adapter.Config{
			List: "li.rec",
			Fields: map[string]string{
				"id":   ".id",
				"name": ".name",
			},
		},
		Identity: []string{"id"},
	}
}

func newTestService(t *testing.T, sess *fakeSession, target *Target) *Service {
	t.Helper()
	db := dbopen.OpenMemory(t)
	cfg := &Config{
		MaxFailures:    -1,
		NavRetries:     1,
		NavRetryBaseMs: 1,
		Targets:        []*Target{target},
	}
	svc, err := New(db, cfg, nil, WithOpener(func(context.Context, *Target) (job.Session, error) {
		return sess, nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func TestRunTarget_DeltaCommit(t *testing.T) {
	// WHAT: first run commits 5 records; a later run that sees those 5
	// plus 3 new ones commits exactly 3; an identical rerun commits 0.
	sess := &fakeSession{pages: map[string]string{
		"u1": listingHTML([2]string{"1", "a"}, [2]string{"2", "b"}, [2]string{"3", "c"},
			[2]string{"4", "d"}, [2]string{"5", "e"}),
	}}
	target := testTarget("u1")
	svc := newTestService(t, sess, target)
	ctx := context.Background()

	if err := svc.runTarget(ctx, "ships"); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	recs, err := svc.Records(ctx, "ships", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 5 {
		t.Fatalf("after run 1: %d records, want 5", len(recs))
	}

	sess.pages["u1"] = listingHTML([2]string{"1", "a"}, [2]string{"2", "b"}, [2]string{"3", "c"},
		[2]string{"4", "d"}, [2]string{"5", "e"}, [2]string{"6", "f"}, [2]string{"7", "g"}, [2]string{"8", "h"})

	if err := svc.runTarget(ctx, "ships"); err != nil {
		t.Fatalf("run 2: %v", err)
	}
	recs, err = svc.Records(ctx, "ships", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 8 {
		t.Fatalf("after run 2: %d records, want 8", len(recs))
	}

	if err := svc.runTarget(ctx, "ships"); err != nil {
		t.Fatalf("run 3: %v", err)
	}
	recs, err = svc.Records(ctx, "ships", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 8 {
		t.Fatalf("after identical rerun: %d records, want 8", len(recs))
	}

	hist, err := svc.RunHistory(ctx, "ships", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Fatalf("run log entries = %d, want 3", len(hist))
	}
	// Newest first: committed 0, 3, 5.
	wantCommitted := []int{0, 3, 5}
	for i, want := range wantCommitted {
		if hist[i].Committed != want {
			t.Errorf("run %d committed = %d, want %d", len(hist)-i, hist[i].Committed, want)
		}
	}
}

func TestRunTarget_PartialPageFailure(t *testing.T) {
	// WHAT: with 3 pages and page 2 dead, pages 1 and 3 still commit.
	sess := &fakeSession{
		pages: map[string]string{
			"u1": listingHTML([2]string{"1", "a"}),
			"u3": listingHTML([2]string{"3", "c"}),
		},
		errs: map[string]error{
			"u2": fmt.Errorf("%w: 502", scrape.ErrNavigation),
		},
	}
	target := testTarget("u1", "u2", "u3")
	svc := newTestService(t, sess, target)
	ctx := context.Background()

	if err := svc.runTarget(ctx, "ships"); err != nil {
		t.Fatalf("run: %v", err)
	}
	recs, err := svc.Records(ctx, "ships", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}

	hist, _ := svc.RunHistory(ctx, "ships", 1)
	if hist[0].PagesOK != 2 || hist[0].PagesFailed != 1 {
		t.Fatalf("run log pages: ok=%d failed=%d", hist[0].PagesOK, hist[0].PagesFailed)
	}
}

func TestRunTarget_DetectionFailsRun(t *testing.T) {
	sess := &fakeSession{
		errs: map[string]error{
			"u1": fmt.Errorf("%w: challenge", scrape.ErrDetection),
		},
	}
	target := testTarget("u1")
	svc := newTestService(t, sess, target)
	ctx := context.Background()

	err := svc.runTarget(ctx, "ships")
	if !errors.Is(err, ErrDetection) {
		t.Fatalf("err = %v, want ErrDetection", err)
	}
	recs, _ := svc.Records(ctx, "ships", 100)
	if len(recs) != 0 {
		t.Fatalf("detection committed %d records", len(recs))
	}
	hist, _ := svc.RunHistory(ctx, "ships", 1)
	if hist[0].Status != "failed" {
		t.Fatalf("run log status = %q", hist[0].Status)
	}
}

func TestRunTarget_DetectionRetryWithFreshSession(t *testing.T) {
	// WHAT: with the retry knob on, a detected run gets exactly one
	// more attempt with a new session.
	opens := 0
	db := dbopen.OpenMemory(t)
	target := testTarget("u1")
	cfg := &Config{
		MaxFailures:                    -1,
		NavRetries:                     1,
		NavRetryBaseMs:                 1,
		RetryDetectionWithFreshSession: true,
		Targets:                        []*Target{target},
	}
	svc, err := New(db, cfg, nil, WithOpener(func(context.Context, *Target) (job.Session, error) {
		opens++
		if opens == 1 {
			return &fakeSession{errs: map[string]error{
				"u1": fmt.Errorf("%w: challenge", scrape.ErrDetection),
			}}, nil
		}
		return &fakeSession{pages: map[string]string{
			"u1": listingHTML([2]string{"1", "a"}),
		}}, nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.runTarget(context.Background(), "ships"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if opens != 2 {
		t.Fatalf("sessions opened = %d, want 2", opens)
	}
	recs, _ := svc.Records(context.Background(), "ships", 10)
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
}

func TestService_UnknownTarget(t *testing.T) {
	sess := &fakeSession{}
	svc := newTestService(t, sess, testTarget("u1"))
	ctx := context.Background()

	if _, err := svc.TargetState(ctx, "nope"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("TargetState: %v", err)
	}
	if err := svc.Enable(ctx, "nope"); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("Enable: %v", err)
	}
	if _, err := svc.Records(ctx, "nope", 10); !errors.Is(err, ErrUnknownTarget) {
		t.Errorf("Records: %v", err)
	}
}

func TestService_DisableEnable(t *testing.T) {
	sess := &fakeSession{pages: map[string]string{"u1": listingHTML([2]string{"1", "a"})}}
	svc := newTestService(t, sess, testTarget("u1"))
	ctx := context.Background()

	if err := svc.Disable(ctx, "ships"); err != nil {
		t.Fatal(err)
	}
	if err := svc.RunNow(ctx, "ships"); !errors.Is(err, ErrTargetDisabled) {
		t.Fatalf("RunNow on disabled: %v", err)
	}

	if err := svc.Enable(ctx, "ships"); err != nil {
		t.Fatal(err)
	}
	if err := svc.RunNow(ctx, "ships"); err != nil {
		t.Fatalf("RunNow after enable: %v", err)
	}
	svc.Close()

	state, err := svc.TargetState(ctx, "ships")
	if err != nil {
		t.Fatal(err)
	}
	if state.LastStatus != "ok" {
		t.Fatalf("state after RunNow: %+v", state)
	}
}
