package moisson

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/moisson/internal/adapter"
)

// Config configures the moisson service. Intervals and timeouts are in
// milliseconds so the YAML stays plain integers.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `yaml:"db_path"`

	// Listen is the operator HTTP address.
	Listen string `yaml:"listen"`

	// MirrorDir enables the per-day CSV mirror when non-empty.
	MirrorDir string `yaml:"mirror_dir"`

	// TickMs is the scheduler resolution. Default: 15000.
	TickMs int64 `yaml:"tick_ms"`
	// JobTimeoutMs bounds one run. Default: 600000.
	JobTimeoutMs int64 `yaml:"job_timeout_ms"`
	// MaxFailures disables a target after this many consecutive
	// failures. Default: 5. -1 = never disable.
	MaxFailures int `yaml:"max_failures"`

	// NavTimeoutMs bounds one page navigation. Default: 30000.
	NavTimeoutMs int64 `yaml:"nav_timeout_ms"`
	// NavRetries is the per-page retry count on navigation failure.
	// Default: 2. -1 = no retries. Detection is never retried in-session.
	NavRetries int `yaml:"nav_retries"`
	// NavRetryBaseMs is the first retry delay, doubled per attempt.
	// Default: 2000.
	NavRetryBaseMs int64 `yaml:"nav_retry_base_ms"`

	// BrowserRemoteURL connects to an external Chrome instead of
	// launching one.
	BrowserRemoteURL string `yaml:"browser_remote_url"`
	// Headful runs Chrome with a visible window.
	Headful bool `yaml:"headful"`
	// BlockResources lists resource types to block during navigation
	// (images, fonts, media, stylesheets).
	BlockResources []string `yaml:"block_resources"`
	// UserAgent pins the HTTP-path User-Agent. Empty = rotating.
	UserAgent string `yaml:"user_agent"`

	// RetryDetectionWithFreshSession retries a detected run once with a
	// brand-new session before counting it as a failure. Off by default:
	// hammering a site that just flagged you usually makes things worse.
	RetryDetectionWithFreshSession bool `yaml:"retry_detection_with_fresh_session"`

	Targets []*Target `yaml:"targets"`
}

// Target is one scrape target. Immutable during a run.
type Target struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	EntryURLs []string `yaml:"entry_urls"`
	Pages     PageRule `yaml:"pages"`

	// IntervalMs is the trigger interval. Default: 3600000 (1h).
	IntervalMs int64 `yaml:"interval_ms"`

	// StealthLevel selects the acquisition path: 0 = plain HTTP with
	// anti-bot transport, 1+ = stealth browser. Default: 1.
	StealthLevel int `yaml:"stealth_level"`

	// Adapter names the extraction adapter. Default: "selector".
	Adapter string `yaml:"adapter"`
	// Extract is the adapter configuration (list selector, field map).
	Extract adapter.Config `yaml:"extract"`

	// Identity lists the fields whose values identify a record for
	// dedup. Required.
	Identity []string `yaml:"identity"`
}

// PageRule expands entry URLs into a paginated page list.
type PageRule struct {
	// Param appends ?param=N to each entry URL for pages 2..Max.
	Param string `yaml:"param"`
	// Template is a printf URL pattern with one %d, generating pages
	// 1..Max on its own. Mutually exclusive with Param.
	Template string `yaml:"template"`
	// Max is the page count. 0 or 1 = entry URLs only.
	Max int `yaml:"max"`
}

func (c *Config) defaults() {
	if c.DBPath == "" {
		c.DBPath = "moisson.db"
	}
	if c.Listen == "" {
		c.Listen = ":8099"
	}
	if c.TickMs <= 0 {
		c.TickMs = 15_000
	}
	if c.JobTimeoutMs <= 0 {
		c.JobTimeoutMs = 600_000
	}
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.NavTimeoutMs <= 0 {
		c.NavTimeoutMs = 30_000
	}
	if c.NavRetries == 0 {
		c.NavRetries = 2
	}
	if c.NavRetryBaseMs <= 0 {
		c.NavRetryBaseMs = 2_000
	}
	for _, t := range c.Targets {
		t.defaults()
	}
}

func (t *Target) defaults() {
	if t.Name == "" {
		t.Name = t.ID
	}
	if t.IntervalMs <= 0 {
		t.IntervalMs = 3_600_000
	}
	if t.Adapter == "" {
		t.Adapter = "selector"
	}
	if t.StealthLevel < 0 {
		t.StealthLevel = 0
	}
}

func (t *Target) validate() error {
	if t.ID == "" {
		return fmt.Errorf("target with empty id")
	}
	if strings.ContainsAny(t.ID, "/\\ ") {
		return fmt.Errorf("target %q: id must not contain spaces or slashes", t.ID)
	}
	if len(t.EntryURLs) == 0 && t.Pages.Template == "" {
		return fmt.Errorf("target %q: no entry_urls and no page template", t.ID)
	}
	if t.Pages.Param != "" && t.Pages.Template != "" {
		return fmt.Errorf("target %q: pages.param and pages.template are mutually exclusive", t.ID)
	}
	if t.Pages.Template != "" && !strings.Contains(t.Pages.Template, "%d") {
		return fmt.Errorf("target %q: pages.template needs a %%d placeholder", t.ID)
	}
	if len(t.Identity) == 0 {
		return fmt.Errorf("target %q: identity fields required", t.ID)
	}
	return nil
}

// PageURLs expands the target's entry URLs through its pagination rule.
func (t *Target) PageURLs() []string {
	urls := append([]string(nil), t.EntryURLs...)

	switch {
	case t.Pages.Template != "":
		for n := 1; n <= t.Pages.Max; n++ {
			urls = append(urls, fmt.Sprintf(t.Pages.Template, n))
		}
	case t.Pages.Param != "" && t.Pages.Max > 1:
		// Page 1 is the bare entry URL.
		for _, base := range t.EntryURLs {
			sep := "?"
			if strings.Contains(base, "?") {
				sep = "&"
			}
			for n := 2; n <= t.Pages.Max; n++ {
				urls = append(urls, fmt.Sprintf("%s%s%s=%d", base, sep, t.Pages.Param, n))
			}
		}
	}
	return urls
}

// LoadConfigFile reads and validates a YAML config.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.defaults()

	seen := make(map[string]bool, len(cfg.Targets))
	for _, t := range cfg.Targets {
		if err := t.validate(); err != nil {
			return nil, err
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("duplicate target id %q", t.ID)
		}
		seen[t.ID] = true
	}
	return &cfg, nil
}
