// Package adapter holds the pluggable extraction adapters that turn a
// rendered page into raw records.
//
// Adapters are total functions: any page, however malformed, yields zero or
// more records, never an error. Parse problems must not escalate past the
// adapter boundary.
package adapter

import (
	"fmt"
	"sync"

	"github.com/hazyhaar/moisson/internal/record"
	"github.com/hazyhaar/moisson/internal/scrape"
)

// Adapter extracts raw records from a rendered page snapshot.
type Adapter interface {
	Extract(page scrape.Page) []record.Raw
}

// Config is the per-target extraction configuration. Selector syntax for
// field values is "css" (element text), "css@attr" (attribute of the
// matched element), or "@attr" (attribute of the list element itself).
type Config struct {
	// List matches the repeating element, one per record. Empty means the
	// whole document is a single record (article-style adapters).
	List string `yaml:"list"`
	// Fields maps record field names to selectors relative to a list match.
	Fields map[string]string `yaml:"fields"`
}

// Factory builds an adapter instance from a target's extraction config.
type Factory func(cfg Config) Adapter

// Registry maps adapter names to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry pre-populated with the built-in adapters.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("selector", func(cfg Config) Adapter { return NewSelector(cfg) })
	r.Register("article", func(cfg Config) Adapter { return NewArticle() })
	return r
}

// Register adds or replaces a factory under name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	r.factories[name] = f
	r.mu.Unlock()
}

// Names returns all registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	return names
}

// New builds an adapter by name with the given config.
func (r *Registry) New(name string, cfg Config) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("adapter: unknown adapter %q", name)
	}
	return f(cfg), nil
}
