package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/nexbus/internal/runtime/logging"
)

// MicrofrontendPrefix prefixes the id of factories created by
// CreateMicrofrontendFactory.
const MicrofrontendPrefix = "microfrontend-"

// FactoryRegistry is a table of named factories. The zero value is not
// usable; create one with NewFactoryRegistry or use DefaultFactories().
type FactoryRegistry struct {
	mu        sync.Mutex
	factories map[string]*Factory
	logger    loggingpkg.ServiceLogger
}

// NewFactoryRegistry returns an empty registry.
func NewFactoryRegistry(log loggingpkg.ServiceLogger) *FactoryRegistry {
	return &FactoryRegistry{
		factories: make(map[string]*Factory),
		logger:    loggingpkg.OrNop(log),
	}
}

var (
	defaultMu        sync.Mutex
	defaultFactories *FactoryRegistry
)

// InitDefaultFactories installs the process-wide registry behind the
// package-level helpers, logging through log. When one is already installed
// it is returned unchanged.
func InitDefaultFactories(log loggingpkg.ServiceLogger) *FactoryRegistry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultFactories == nil {
		defaultFactories = NewFactoryRegistry(log)
	}
	return defaultFactories
}

// DefaultFactories returns the process-wide registry, installing one with a
// no-op logger if InitDefaultFactories was never called.
func DefaultFactories() *FactoryRegistry {
	return InitDefaultFactories(nil)
}

// ResetDefaultFactories destroys every factory of the process-wide registry
// and uninstalls it. The next use installs a fresh registry.
func ResetDefaultFactories(ctx context.Context) error {
	defaultMu.Lock()
	r := defaultFactories
	defaultFactories = nil
	defaultMu.Unlock()
	if r == nil {
		return nil
	}
	return r.DestroyAllFactories(ctx)
}

// GetOrCreateFactory returns the factory registered as id, creating it with
// opts when absent. opts.ID is ignored. A factory destroyed directly is
// replaced by a fresh one.
func (r *FactoryRegistry) GetOrCreateFactory(id string, opts FactoryOptions) *Factory {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f, ok := r.factories[id]; ok && !f.IsDestroyed() {
		return f
	}
	opts.ID = id
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	f := NewFactory(opts)
	r.factories[id] = f
	r.logger.Debug("Factory registered", loggingpkg.LogFields{"factory_id": id})
	return f
}

// CreateMicrofrontendFactory returns the factory for an independently loaded
// application module. Its instances live under namespace.
func (r *FactoryRegistry) CreateMicrofrontendFactory(namespace string, opts FactoryOptions) *Factory {
	opts.Namespace = namespace
	opts.MicrofrontendMode = true
	return r.GetOrCreateFactory(MicrofrontendPrefix+namespace, opts)
}

// Factory returns the live factory registered as id.
func (r *FactoryRegistry) Factory(id string) (*Factory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[id]
	if !ok || f.IsDestroyed() {
		return nil, false
	}
	return f, true
}

// AllFactories returns the live factories sorted by id.
func (r *FactoryRegistry) AllFactories() []*Factory {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Factory, 0, len(r.factories))
	for _, f := range r.factories {
		if !f.IsDestroyed() {
			out = append(out, f)
		}
	}
	slices.SortFunc(out, func(a, b *Factory) int { return strings.Compare(a.id, b.id) })
	return out
}

// DestroyAllFactories destroys every factory and empties the registry. The
// registry can be used again afterwards.
func (r *FactoryRegistry) DestroyAllFactories(ctx context.Context) error {
	r.mu.Lock()
	factories := r.factories
	r.factories = make(map[string]*Factory)
	r.mu.Unlock()

	var errs []error
	for id, f := range factories {
		if err := f.Destroy(ctx); err != nil && !errors.Is(err, errspkg.ErrFactoryDestroyed) {
			errs = append(errs, fmt.Errorf("factory %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// GetOrCreateFactory uses DefaultFactories.
func GetOrCreateFactory(id string, opts FactoryOptions) *Factory {
	return DefaultFactories().GetOrCreateFactory(id, opts)
}

// CreateMicrofrontendFactory uses DefaultFactories.
func CreateMicrofrontendFactory(namespace string, opts FactoryOptions) *Factory {
	return DefaultFactories().CreateMicrofrontendFactory(namespace, opts)
}

// AllFactories uses DefaultFactories.
func AllFactories() []*Factory {
	return DefaultFactories().AllFactories()
}

// DestroyAllFactories uses DefaultFactories.
func DestroyAllFactories(ctx context.Context) error {
	return DefaultFactories().DestroyAllFactories(ctx)
}
