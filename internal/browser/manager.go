// Package browser owns the stealth browser session used by scrape jobs:
// launch, navigate with anti-detection classification, guaranteed teardown.
//
// One Session serves exactly one job. Sessions are never shared across
// targets: browser state (cookies, JS heap, open tabs) is not reentrant.
package browser

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"

	"github.com/hazyhaar/moisson/internal/scrape"
)

// Config configures session launches.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// Headful runs Chrome with a visible window (requires a display).
	// Default is headless.
	Headful bool

	// NavTimeout bounds a single navigation including load wait. Default: 30s.
	NavTimeout time.Duration

	// ResourceBlocking lists resource types to block during navigation
	// (images, fonts, media, stylesheets). Cuts bandwidth and render time.
	ResourceBlocking []string

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.NavTimeout <= 0 {
		c.NavTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager launches browser sessions. It holds configuration only; each
// Open returns an independent Session with its own Chrome process.
type Manager struct {
	cfg Config
}

// NewManager creates a session Manager.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Open launches a stealth-configured Chrome (or connects to RemoteURL) and
// returns the Session. Failures wrap scrape.ErrSessionLaunch.
func (m *Manager) Open() (*Session, error) {
	log := m.cfg.Logger

	var wsURL string
	var lnch *launcher.Launcher

	if m.cfg.RemoteURL != "" {
		wsURL = m.cfg.RemoteURL
		log.Debug("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(!m.cfg.Headful).
			Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			l.Cleanup()
			return nil, fmt.Errorf("%w: launch: %v", scrape.ErrSessionLaunch, err)
		}
		wsURL = u
		lnch = l
		log.Debug("browser: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if lnch != nil {
			lnch.Kill()
			lnch.Cleanup()
		}
		return nil, fmt.Errorf("%w: connect: %v", scrape.ErrSessionLaunch, err)
	}

	if err := b.IgnoreCertErrors(true); err != nil {
		log.Warn("browser: ignore cert errors failed", "error", err)
	}

	return &Session{
		browser: b,
		lnch:    lnch,
		cfg:     m.cfg,
	}, nil
}
