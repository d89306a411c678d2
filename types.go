package moisson

import (
	"github.com/hazyhaar/moisson/internal/record"
	"github.com/hazyhaar/moisson/internal/scrape"
	"github.com/hazyhaar/moisson/internal/store"
)

// Re-exported domain types so API consumers need only the root package.
type (
	Page        = scrape.Page
	Raw         = record.Raw
	Normalized  = record.Normalized
	RunState    = store.RunState
	RunLogEntry = store.RunLogEntry
	Record      = store.StoredRecord
)

// TargetStatus pairs a configured target with its persisted run state.
type TargetStatus struct {
	Target *Target  `json:"target"`
	State  RunState `json:"state"`
}
