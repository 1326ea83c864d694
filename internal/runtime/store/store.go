// Package store persists events for buses that enable persistence. Stores
// register builders by driver name; a bus picks one through its config.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	"github.com/drblury/nexbus/internal/runtime/event"
	"github.com/drblury/nexbus/internal/runtime/logging"
	"github.com/drblury/nexbus/internal/runtime/pattern"
)

// EventStore keeps the events of one storage namespace.
type EventStore interface {
	Init(ctx context.Context) error
	Store(ctx context.Context, evt event.Event) error
	AllEvents(ctx context.Context) ([]event.Event, error)
	// History returns events matching p (all events when p is empty) in
	// insertion order. A positive limit keeps only the most recent ones.
	History(ctx context.Context, p string, limit int) ([]event.Event, error)
	Clear(ctx context.Context) error
	Close() error
}

// Config is the subset of bus configuration a store builder reads.
type Config interface {
	GetStoreDriver() string
	GetStoragePrefix() string
	GetSQLiteFile() string
	GetPostgresURL() string
}

// Builder creates a store for cfg.
type Builder func(ctx context.Context, cfg Config, log logging.ServiceLogger) (EventStore, error)

// Registry maps driver names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry holds the built-in drivers.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds or replaces the builder for name.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Build creates a store with the builder registered for cfg's driver.
func (r *Registry) Build(ctx context.Context, cfg Config, log logging.ServiceLogger) (EventStore, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	name := cfg.GetStoreDriver()
	if name == "" {
		name = MemoryDriver
	}

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", errspkg.ErrUnknownStore, name, r.Names())
	}
	return builder(ctx, cfg, logging.OrNop(log))
}

// Names returns the registered driver names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build creates a store from the default registry.
func Build(ctx context.Context, cfg Config, log logging.ServiceLogger) (EventStore, error) {
	return DefaultRegistry.Build(ctx, cfg, log)
}

// filterHistory applies the History contract to events already in insertion
// order.
func filterHistory(events []event.Event, p string, limit int) []event.Event {
	out := make([]event.Event, 0, len(events))
	for _, evt := range events {
		if p == "" || pattern.Match(p, evt.Pattern) {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
