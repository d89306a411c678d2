// Package httpfetch is the browserless acquisition path for targets that
// do not need JS rendering (stealth level 0). A resty client with the
// Cloudflare-bypass transport and a rotating User-Agent produces the same
// Page snapshots as the browser session, behind the same contract.
package httpfetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	ua "github.com/EDDYCJY/fake-useragent"
	"github.com/go-resty/resty/v2"
	"golang.org/x/net/publicsuffix"

	"github.com/hazyhaar/moisson/internal/scrape"
)

// Config configures the HTTP client.
type Config struct {
	// Timeout bounds one GET including body read. Default: 30s.
	Timeout time.Duration
	// UserAgent overrides the rotating User-Agent. Empty = random per client.
	UserAgent string
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client fetches pages over plain HTTP. It satisfies the same
// navigate/close contract as a browser session; Close is a no-op since
// there is no external process to reap.
type Client struct {
	rc  *resty.Client
	cfg Config
}

// New creates a Client with the anti-bot transport and a cookie jar
// (challenge cookies must persist across requests within one job).
func New(cfg Config) *Client {
	cfg.defaults()

	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})

	agent := cfg.UserAgent
	if agent == "" {
		agent = ua.Random()
	}

	rc := resty.New().
		SetTimeout(cfg.Timeout).
		SetCookieJar(jar).
		SetHeader("User-Agent", agent).
		SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8").
		SetHeader("Accept-Language", "en-US,en;q=0.5").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5))
	rc.SetTransport(cloudflarebp.AddCloudFlareByPass(http.DefaultTransport))

	return &Client{rc: rc, cfg: cfg}
}

// Navigate GETs url and returns the page snapshot.
//
// Classification mirrors the browser path: 403/429 and challenge bodies
// wrap scrape.ErrDetection; everything else transient wraps
// scrape.ErrNavigation.
func (c *Client) Navigate(ctx context.Context, url string) (*scrape.Page, error) {
	resp, err := c.rc.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", scrape.ErrNavigation, url, err)
	}

	status := resp.StatusCode()
	body := resp.Body()

	switch {
	case status == http.StatusForbidden || status == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: http %d on %s", scrape.ErrDetection, status, url)
	case status < 200 || status >= 400:
		return nil, fmt.Errorf("%w: http %d on %s", scrape.ErrNavigation, status, url)
	}

	if scrape.Detected(body) {
		return nil, fmt.Errorf("%w: %s", scrape.ErrDetection, url)
	}

	c.cfg.Logger.Debug("httpfetch: fetched", "url", url, "status", status, "size", len(body))
	return &scrape.Page{URL: url, HTML: body}, nil
}

// Close implements the session contract. Nothing to release.
func (c *Client) Close() error { return nil }
