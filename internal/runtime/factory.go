package runtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	bridgepkg "github.com/drblury/nexbus/internal/runtime/bridge"
	configpkg "github.com/drblury/nexbus/internal/runtime/config"
	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	idspkg "github.com/drblury/nexbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/nexbus/internal/runtime/logging"
	storepkg "github.com/drblury/nexbus/internal/runtime/store"
)

// InstanceStatus is the factory-side status of a bus.
type InstanceStatus string

const (
	StatusActive    InstanceStatus = "active"
	StatusPaused    InstanceStatus = "paused"
	StatusDestroyed InstanceStatus = "destroyed"
)

// InstanceMetadata describes one bus created by a factory. Metadata of
// destroyed instances is kept for inspection.
type InstanceMetadata struct {
	ID                string         `json:"id"`
	Namespace         string         `json:"namespace"`
	FactoryID         string         `json:"factory_id"`
	StoragePrefix     string         `json:"storage_prefix"`
	Isolated          bool           `json:"isolated"`
	MicrofrontendMode bool           `json:"microfrontend_mode"`
	Status            InstanceStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	LastActivity      time.Time      `json:"last_activity"`
	EventCount        uint64         `json:"event_count"`
}

// FactoryMetrics aggregates the instances of one factory.
type FactoryMetrics struct {
	FactoryID          string                     `json:"factory_id"`
	Namespace          string                     `json:"namespace"`
	CreatedAt          time.Time                  `json:"created_at"`
	TotalInstances     int                        `json:"total_instances"`
	ActiveInstances    int                        `json:"active_instances"`
	PausedInstances    int                        `json:"paused_instances"`
	DestroyedInstances int                        `json:"destroyed_instances"`
	TotalEvents        uint64                     `json:"total_events"`
	Instances          map[string]MetricsSnapshot `json:"instances"`
}

// FactoryOptions configures NewFactory.
type FactoryOptions struct {
	// ID defaults to a random factory id.
	ID string
	// Namespace prefixes the storage namespace of every instance. It
	// defaults to the factory id.
	Namespace string
	// MicrofrontendMode marks every instance as belonging to an
	// independently loaded application module.
	MicrofrontendMode bool
	// CORSAllowedOrigins is the allow-list of the inspection HTTP handler.
	CORSAllowedOrigins []string
	// Dependencies are shared by every instance, so they must not hold
	// per-instance state: CreateInstance fails with ErrSharedDependency when
	// Store, Deduplicator, Processor or IDs is set. Registerer and Bridge are
	// always replaced by the factory's own.
	Dependencies BusDependencies
	// InstanceDependencies builds the stateful collaborators of one instance
	// from its configuration. Only Store, Deduplicator, Processor and IDs of
	// the result are used. The factory closes the Store after the instance
	// is destroyed.
	InstanceDependencies func(conf configpkg.Config) BusDependencies
	Logger               loggingpkg.ServiceLogger
}

type managedInstance struct {
	bus   *Bus
	meta  *InstanceMetadata
	store storepkg.EventStore
}

// Factory creates and tracks isolated bus instances. Instances that enable
// cross-instance communication share the factory's bridge; every instance
// reports its collectors to the factory's Prometheus registry.
type Factory struct {
	id            string
	namespace     string
	microfrontend bool
	corsOrigins   []string
	createdAt     time.Time
	logger        loggingpkg.ServiceLogger
	deps          BusDependencies
	newDeps       func(conf configpkg.Config) BusDependencies

	promRegistry *prometheus.Registry
	bridge       *bridgepkg.Bridge

	mu        sync.RWMutex
	active    map[string]*managedInstance
	pending   map[string]struct{}
	meta      map[string]*InstanceMetadata
	order     []string
	destroyed bool
}

// NewFactory returns an empty factory.
func NewFactory(opts FactoryOptions) *Factory {
	id := opts.ID
	if id == "" {
		id = idspkg.FactoryID()
	}
	ns := opts.Namespace
	if ns == "" {
		ns = id
	}
	log := loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{"factory_id": id})

	return &Factory{
		id:            id,
		namespace:     ns,
		microfrontend: opts.MicrofrontendMode,
		corsOrigins:   slices.Clone(opts.CORSAllowedOrigins),
		createdAt:     time.Now().UTC(),
		logger:        log,
		deps:          opts.Dependencies,
		newDeps:       opts.InstanceDependencies,
		promRegistry:  prometheus.NewRegistry(),
		bridge:        bridgepkg.New(log),
		active:        make(map[string]*managedInstance),
		pending:       make(map[string]struct{}),
		meta:          make(map[string]*InstanceMetadata),
	}
}

// ID returns the factory id.
func (f *Factory) ID() string { return f.id }

// Namespace returns the storage namespace shared by the factory's instances.
func (f *Factory) Namespace() string { return f.namespace }

// PrometheusRegistry returns the registry holding every instance's collectors.
func (f *Factory) PrometheusRegistry() *prometheus.Registry { return f.promRegistry }

// IsDestroyed reports whether Destroy has been called.
func (f *Factory) IsDestroyed() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.destroyed
}

// CreateInstance builds and initializes a bus. The instance's storage prefix
// is derived from the factory namespace and the instance id, so no two
// instances share persisted state. An empty or default namespace is replaced
// by the factory namespace.
func (f *Factory) CreateInstance(ctx context.Context, conf configpkg.Config) (*Bus, error) {
	if conf.InstanceID == "" {
		conf.InstanceID = idspkg.InstanceID()
	}
	id := conf.InstanceID
	if conf.Namespace == "" || conf.Namespace == configpkg.DefaultNamespace {
		conf.Namespace = f.namespace
	}
	conf.StoragePrefix = f.namespace + ":" + id + ":"
	conf.MicrofrontendMode = conf.MicrofrontendMode || f.microfrontend

	if shared := statefulDependencies(f.deps); len(shared) > 0 {
		return nil, fmt.Errorf("create instance %s: %w: %s", id, errspkg.ErrSharedDependency, strings.Join(shared, ", "))
	}
	if err := f.reserve(id); err != nil {
		return nil, err
	}

	deps := f.instanceDependencies(conf)
	bus, err := NewBus(conf, f.logger, deps)
	if err == nil {
		err = bus.Init(ctx)
	}
	if err != nil {
		f.release(id)
		if deps.Store != nil {
			_ = deps.Store.Close()
		}
		return nil, fmt.Errorf("create instance %s: %w", id, err)
	}

	now := time.Now().UTC()
	meta := &InstanceMetadata{
		ID:                id,
		Namespace:         bus.conf.Namespace,
		FactoryID:         f.id,
		StoragePrefix:     bus.conf.StoragePrefix,
		Isolated:          bus.conf.Isolated,
		MicrofrontendMode: bus.conf.MicrofrontendMode,
		Status:            StatusActive,
		CreatedAt:         now,
		LastActivity:      now,
	}

	f.mu.Lock()
	delete(f.pending, id)
	if f.destroyed {
		f.mu.Unlock()
		_ = bus.GracefulShutdown(ctx)
		if deps.Store != nil {
			_ = deps.Store.Close()
		}
		return nil, errspkg.ErrFactoryDestroyed
	}
	f.active[id] = &managedInstance{bus: bus, meta: meta, store: deps.Store}
	if _, seen := f.meta[id]; !seen {
		f.order = append(f.order, id)
	}
	f.meta[id] = meta
	f.mu.Unlock()

	f.logger.Info("Instance created", loggingpkg.LogFields{
		"instance_id": id,
		"namespace":   meta.Namespace,
		"persistence": conf.PersistenceEnabled,
	})
	return bus, nil
}

func (f *Factory) instanceDependencies(conf configpkg.Config) BusDependencies {
	deps := f.deps
	deps.Registerer = f.promRegistry
	deps.Bridge = f.bridge
	if f.newDeps == nil {
		return deps
	}
	own := f.newDeps(conf.WithDefaults())
	deps.Store = own.Store
	deps.Deduplicator = own.Deduplicator
	deps.Processor = own.Processor
	deps.IDs = own.IDs
	return deps
}

// statefulDependencies names the collaborators in deps that would leak state
// between instances if shared.
func statefulDependencies(deps BusDependencies) []string {
	var names []string
	if deps.Store != nil {
		names = append(names, "Store")
	}
	if deps.Deduplicator != nil {
		names = append(names, "Deduplicator")
	}
	if deps.Processor != nil {
		names = append(names, "Processor")
	}
	if deps.IDs != nil {
		names = append(names, "IDs")
	}
	return names
}

func (f *Factory) reserve(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return errspkg.ErrFactoryDestroyed
	}
	_, live := f.active[id]
	_, creating := f.pending[id]
	if live || creating {
		return &errspkg.DuplicateInstanceError{FactoryID: f.id, InstanceID: id}
	}
	f.pending[id] = struct{}{}
	return nil
}

func (f *Factory) release(id string) {
	f.mu.Lock()
	delete(f.pending, id)
	f.mu.Unlock()
}

// GetInstance returns the live instance with id.
func (f *Factory) GetInstance(id string) (*Bus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.destroyed {
		return nil, errspkg.ErrFactoryDestroyed
	}
	inst, ok := f.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrInstanceNotFound, id)
	}
	return inst.bus, nil
}

// AllInstances returns every live instance in creation order.
func (f *Factory) AllInstances() ([]*Bus, error) {
	return f.selectInstances(func(*managedInstance) bool { return true })
}

// InstancesByNamespace returns the live instances whose namespace is ns.
func (f *Factory) InstancesByNamespace(ns string) ([]*Bus, error) {
	return f.selectInstances(func(inst *managedInstance) bool { return inst.meta.Namespace == ns })
}

func (f *Factory) selectInstances(keep func(*managedInstance) bool) ([]*Bus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.destroyed {
		return nil, errspkg.ErrFactoryDestroyed
	}
	var out []*Bus
	for _, id := range f.order {
		if inst, ok := f.active[id]; ok && keep(inst) {
			out = append(out, inst.bus)
		}
	}
	return out, nil
}

// DestroyInstance shuts the instance down and keeps its metadata with
// status destroyed. It reports false for unknown ids.
func (f *Factory) DestroyInstance(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return false, errspkg.ErrFactoryDestroyed
	}
	inst, ok := f.active[id]
	if !ok {
		f.mu.Unlock()
		return false, nil
	}
	delete(f.active, id)
	f.mu.Unlock()

	err := f.shutdownInstance(ctx, inst)
	return true, err
}

func (f *Factory) shutdownInstance(ctx context.Context, inst *managedInstance) error {
	snap := inst.bus.Metrics()
	err := inst.bus.GracefulShutdown(ctx)
	if inst.store != nil {
		if cerr := inst.store.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close event store: %w", cerr))
		}
	}

	f.mu.Lock()
	inst.meta.Status = StatusDestroyed
	inst.meta.EventCount = snap.TotalEvents
	inst.meta.LastActivity = latest(inst.meta.LastActivity, snap.LastEventAt, time.Now().UTC())
	f.mu.Unlock()

	if err != nil {
		f.logger.Error("Instance shutdown failed", err, loggingpkg.LogFields{"instance_id": inst.meta.ID})
		return fmt.Errorf("destroy instance %s: %w", inst.meta.ID, err)
	}
	f.logger.Info("Instance destroyed", loggingpkg.LogFields{"instance_id": inst.meta.ID})
	return nil
}

// PauseInstance pauses an active instance. It reports false when the
// instance is unknown or not active.
func (f *Factory) PauseInstance(id string) (bool, error) {
	return f.transition(id, StatusActive, StatusPaused, (*Bus).Pause)
}

// ResumeInstance resumes a paused instance. It reports false when the
// instance is unknown or not paused.
func (f *Factory) ResumeInstance(id string) (bool, error) {
	return f.transition(id, StatusPaused, StatusActive, (*Bus).Resume)
}

func (f *Factory) transition(id string, from, to InstanceStatus, apply func(*Bus) bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.destroyed {
		return false, errspkg.ErrFactoryDestroyed
	}
	inst, ok := f.active[id]
	if !ok || inst.meta.Status != from {
		return false, nil
	}
	apply(inst.bus)
	inst.meta.Status = to
	inst.meta.LastActivity = time.Now().UTC()
	f.logger.Info("Instance status changed", loggingpkg.LogFields{"instance_id": id, "status": string(to)})
	return true, nil
}

// InstanceInfo returns the metadata of a live or destroyed instance.
func (f *Factory) InstanceInfo(id string) (InstanceMetadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.destroyed {
		return InstanceMetadata{}, errspkg.ErrFactoryDestroyed
	}
	meta, ok := f.meta[id]
	if !ok {
		return InstanceMetadata{}, fmt.Errorf("%w: %s", errspkg.ErrInstanceNotFound, id)
	}
	return f.describeLocked(meta), nil
}

// ListInstances returns the metadata of every instance ever created,
// destroyed ones included, in creation order.
func (f *Factory) ListInstances() ([]InstanceMetadata, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.destroyed {
		return nil, errspkg.ErrFactoryDestroyed
	}
	out := make([]InstanceMetadata, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.describeLocked(f.meta[id]))
	}
	return out, nil
}

// describeLocked fills the live counters of an active instance.
func (f *Factory) describeLocked(meta *InstanceMetadata) InstanceMetadata {
	out := *meta
	if inst, ok := f.active[meta.ID]; ok {
		snap := inst.bus.Metrics()
		out.EventCount = snap.TotalEvents
		out.LastActivity = latest(out.LastActivity, snap.LastEventAt)
	}
	return out
}

// Metrics aggregates the counters of every instance.
func (f *Factory) Metrics() (FactoryMetrics, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.destroyed {
		return FactoryMetrics{}, errspkg.ErrFactoryDestroyed
	}

	m := FactoryMetrics{
		FactoryID:      f.id,
		Namespace:      f.namespace,
		CreatedAt:      f.createdAt,
		TotalInstances: len(f.meta),
		Instances:      make(map[string]MetricsSnapshot, len(f.active)),
	}
	for _, meta := range f.meta {
		switch meta.Status {
		case StatusActive:
			m.ActiveInstances++
		case StatusPaused:
			m.PausedInstances++
		case StatusDestroyed:
			m.DestroyedInstances++
			m.TotalEvents += meta.EventCount
		}
	}
	for id, inst := range f.active {
		snap := inst.bus.Metrics()
		m.Instances[id] = snap
		m.TotalEvents += snap.TotalEvents
	}
	return m, nil
}

// Destroy shuts down every instance and closes the bridge. The factory
// rejects all further calls, Destroy included.
func (f *Factory) Destroy(ctx context.Context) error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return errspkg.ErrFactoryDestroyed
	}
	f.destroyed = true
	instances := make([]*managedInstance, 0, len(f.active))
	for _, id := range f.order {
		if inst, ok := f.active[id]; ok {
			instances = append(instances, inst)
		}
	}
	clear(f.active)
	f.mu.Unlock()

	var errs []error
	for _, inst := range instances {
		if err := f.shutdownInstance(ctx, inst); err != nil {
			errs = append(errs, err)
		}
	}
	if err := f.bridge.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bridge: %w", err))
	}
	f.logger.Info("Factory destroyed", loggingpkg.LogFields{"instances": len(instances)})
	return errors.Join(errs...)
}

func latest(times ...time.Time) time.Time {
	var out time.Time
	for _, t := range times {
		if t.After(out) {
			out = t
		}
	}
	return out
}
