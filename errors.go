package moisson

import (
	"github.com/hazyhaar/moisson/internal/scheduler"
	"github.com/hazyhaar/moisson/internal/scrape"
	"github.com/hazyhaar/moisson/internal/store"
)

// Sentinel errors re-exported for callers that only import the root
// package. Match with errors.Is.
var (
	ErrSessionLaunch    = scrape.ErrSessionLaunch
	ErrNavigation       = scrape.ErrNavigation
	ErrDetection        = scrape.ErrDetection
	ErrSinkWrite        = store.ErrSinkWrite
	ErrRunInFlight      = scheduler.ErrRunInFlight
	ErrTargetDisabled   = scheduler.ErrTargetDisabled
	ErrUnknownTarget    = scheduler.ErrUnknownTarget
	ErrFailureThreshold = scheduler.ErrFailureThreshold
)
