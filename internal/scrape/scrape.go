// Package scrape defines the vocabulary shared by the acquisition paths
// (browser, plain HTTP) and the job runner: the rendered-page snapshot
// handed to extraction adapters, and the error taxonomy that drives
// retry, abort, and disable decisions.
package scrape

import "errors"

// Page is a rendered page snapshot. Adapters receive Pages instead of live
// browser handles so extraction stays testable without Chrome.
type Page struct {
	URL  string
	HTML []byte
}

// ErrSessionLaunch indicates the automation session could not start at all
// (Chrome missing, out of resources). Fatal to the current job; the next
// scheduled trigger retries.
var ErrSessionLaunch = errors.New("scrape: session launch failed")

// ErrNavigation indicates a transient navigation failure (timeout, network,
// non-2xx). Retried in-job with jittered backoff, bounded.
var ErrNavigation = errors.New("scrape: navigation failed")

// ErrDetection indicates an anti-automation signal (challenge page, CAPTCHA,
// block page). The session is burned: the job aborts immediately and the
// failure counts toward the target's disable threshold.
var ErrDetection = errors.New("scrape: anti-automation detection")
