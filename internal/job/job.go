// Package job runs one scrape attempt for one target: open a session,
// visit the target's pages, extract and normalize records, and report
// the outcome. It knows nothing about scheduling or persistence.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/hazyhaar/moisson/internal/adapter"
	"github.com/hazyhaar/moisson/internal/record"
	"github.com/hazyhaar/moisson/internal/scrape"
)

// Job status values, in transition order.
const (
	StatusPending    = "pending"
	StatusNavigating = "navigating"
	StatusExtracting = "extracting"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Session is one browser or HTTP fetch session. Both transports satisfy
// it; the job does not care which it got.
type Session interface {
	Navigate(ctx context.Context, url string) (*scrape.Page, error)
	Close() error
}

// Opener produces a fresh Session. Opening may itself fail (Chrome did
// not launch), which the job reports as a whole-run failure.
type Opener func(ctx context.Context) (Session, error)

// Config parameterizes one job.
type Config struct {
	TargetID string
	URLs     []string
	Adapter  adapter.Adapter
	Identity []string

	// NavRetries is the number of additional attempts per page after a
	// navigation failure. Zero means the default; -1 disables retries.
	// Detection is never retried.
	NavRetries int
	// RetryBase is the first retry delay; doubled per attempt, jittered.
	RetryBase time.Duration
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.NavRetries == 0 {
		c.NavRetries = 2
	}
	if c.NavRetries < 0 {
		c.NavRetries = 0
	}
	if c.RetryBase == 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is the outcome of one job run.
type Result struct {
	Status      string
	PagesOK     int
	PagesFailed int
	Extracted   int
	Dropped     int
	Records     []record.Normalized
	Err         error
}

// Run executes the job: one session for all pages, per-page navigation
// retry, extraction, and normalization. A page that keeps failing is
// skipped and counted; the run fails only if every page failed, if the
// session could not be opened, or if detection fired anywhere. The
// session is always closed before Run returns.
func Run(ctx context.Context, cfg Config, open Opener) Result {
	cfg.defaults()
	log := cfg.Logger.With("target", cfg.TargetID)

	res := Result{Status: StatusPending}

	sess, err := open(ctx)
	if err != nil {
		res.Status = StatusFailed
		res.Err = err
		log.Error("session open failed", "error", err)
		return res
	}
	defer sess.Close()

	res.Status = StatusNavigating
	var pageErr error
	for _, url := range cfg.URLs {
		page, err := navigateWithRetry(ctx, sess, url, cfg.NavRetries, cfg.RetryBase, log)
		if err != nil {
			if errors.Is(err, scrape.ErrDetection) {
				// Detection means the session is burned. Abort the
				// whole run rather than hammering the site.
				res.Status = StatusFailed
				res.PagesFailed += remainingPages(cfg.URLs, url)
				res.Err = err
				log.Warn("detection triggered, aborting run", "url", url)
				return res
			}
			res.PagesFailed++
			pageErr = err
			log.Warn("page failed", "url", url, "error", err)
			continue
		}
		res.PagesOK++

		res.Status = StatusExtracting
		raws := cfg.Adapter.Extract(*page)
		res.Extracted += len(raws)
		for _, raw := range raws {
			norm, ok := record.Normalize(raw, page.URL, cfg.Identity)
			if !ok {
				res.Dropped++
				continue
			}
			res.Records = append(res.Records, norm)
		}
	}

	if res.PagesOK == 0 {
		res.Status = StatusFailed
		if pageErr == nil {
			pageErr = fmt.Errorf("%w: no pages to visit", scrape.ErrNavigation)
		}
		res.Err = pageErr
		return res
	}

	res.Status = StatusCompleted
	if res.Dropped > 0 {
		log.Info("records dropped during normalization", "dropped", res.Dropped)
	}
	return res
}

// navigateWithRetry retries navigation failures with doubling, jittered
// delays. Detection and context cancellation return immediately.
func navigateWithRetry(ctx context.Context, sess Session, url string, retries int, base time.Duration, log *slog.Logger) (*scrape.Page, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			delay := base << (attempt - 1)
			if half := int64(delay) / 2; half > 0 {
				delay += time.Duration(rand.Int63n(half))
			}
			log.Debug("retrying navigation", "url", url, "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		page, err := sess.Navigate(ctx, url)
		if err == nil {
			return page, nil
		}
		if errors.Is(err, scrape.ErrDetection) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func remainingPages(urls []string, from string) int {
	for i, u := range urls {
		if u == from {
			return len(urls) - i
		}
	}
	return 1
}
