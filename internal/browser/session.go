package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/moisson/internal/scrape"
)

// Session is one live browser automation session. Close is idempotent and
// must be called on every exit path; jobs defer it immediately after Open.
type Session struct {
	browser   *rod.Browser
	lnch      *launcher.Launcher
	cfg       Config
	closeOnce sync.Once
	closeErr  error
}

// Navigate opens a stealth tab, loads url, waits for readiness, and returns
// the rendered snapshot. The tab is closed before returning on every path.
//
// Classification: timeouts and load failures wrap scrape.ErrNavigation;
// anti-bot interstitials wrap scrape.ErrDetection.
func (s *Session) Navigate(ctx context.Context, url string) (*scrape.Page, error) {
	page, err := stealth.Page(s.browser)
	if err != nil {
		return nil, fmt.Errorf("%w: create tab: %v", scrape.ErrNavigation, err)
	}
	defer page.Close()

	if len(s.cfg.ResourceBlocking) > 0 {
		router := applyResourceBlocking(page, s.cfg.ResourceBlocking)
		defer router.Stop()
	}

	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(url); err != nil {
		return nil, fmt.Errorf("%w: navigate %s: %v", scrape.ErrNavigation, url, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		// A slow straggler resource should not fail the whole page; the
		// DOM snapshot below decides whether we got anything usable.
		s.cfg.Logger.Warn("browser: wait load timeout", "url", url, "error", err)
	}

	res, err := page.Context(navCtx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", scrape.ErrNavigation, url, err)
	}
	html := []byte(res.Value.Str())

	if scrape.Detected(html) {
		return nil, fmt.Errorf("%w: %s", scrape.ErrDetection, url)
	}

	return &scrape.Page{URL: url, HTML: html}, nil
}

// Close shuts down the browser and its Chrome process. Safe to call more
// than once; only the first call does work.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.browser != nil {
			s.closeErr = s.browser.Close()
		}
		if s.lnch != nil {
			s.lnch.Kill()
			s.lnch.Cleanup()
		}
	})
	return s.closeErr
}

// applyResourceBlocking intercepts requests and fails those whose resource
// type is configured as blocked. The caller stops the returned router when
// it is done with the tab.
func applyResourceBlocking(page *rod.Page, types []string) *rod.HijackRouter {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(blockSet, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	switch strings.ToLower(resType) {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	}
	return blockSet[strings.ToLower(resType)]
}
