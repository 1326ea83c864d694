package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	bridgepkg "github.com/drblury/nexbus/internal/runtime/bridge"
	configpkg "github.com/drblury/nexbus/internal/runtime/config"
	dedupkg "github.com/drblury/nexbus/internal/runtime/dedup"
	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	"github.com/drblury/nexbus/internal/runtime/event"
	idspkg "github.com/drblury/nexbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/nexbus/internal/runtime/logging"
	"github.com/drblury/nexbus/internal/runtime/patterncache"
	"github.com/drblury/nexbus/internal/runtime/processing"
	"github.com/drblury/nexbus/internal/runtime/registry"
	"github.com/drblury/nexbus/internal/runtime/sanitize"
	storepkg "github.com/drblury/nexbus/internal/runtime/store"
)

// System event patterns emitted by every bus.
const (
	InitializedPattern = "global.instance.initialized"
	ShutdownPattern    = "global.instance.shutdown"
)

// drainPollInterval is how often GracefulShutdown checks the in-flight count.
const drainPollInterval = 5 * time.Millisecond

// State is the lifecycle position of a bus.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BusDependencies holds optional collaborators. Nil fields get the default
// implementation. The bus never closes or destroys a Store or IDs it was
// given; their owner does.
type BusDependencies struct {
	// Store replaces the store built from the configuration.
	Store storepkg.EventStore
	// StoreRegistry resolves Config.StoreDriver. Defaults to the package
	// default registry.
	StoreRegistry *storepkg.Registry
	Deduplicator  dedupkg.Deduplicator
	Processor     processing.Processor
	Validator     sanitize.PayloadValidator
	IDs           *idspkg.Generator
	// Registerer receives the instance's Prometheus collectors. Metrics are
	// still tracked in memory without one.
	Registerer     prometheus.Registerer
	TracerProvider trace.TracerProvider
	Hooks          processing.Hooks
	// Bridge connects instances for cross-instance communication.
	Bridge *bridgepkg.Bridge
	// OnInit runs once during initialization, after the store is ready.
	OnInit func(ctx context.Context) error
}

// Receipt describes what happened to one published event.
type Receipt struct {
	EventID   string `json:"event_id"`
	Matched   int    `json:"matched"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
	Filtered  int    `json:"filtered"`
	Duplicate bool   `json:"duplicate"`
	Persisted bool   `json:"persisted"`
}

// Bus is one isolated event bus instance. Create it with NewBus, call Init,
// then Subscribe and Emit. All methods are safe for concurrent use.
type Bus struct {
	id     string
	conf   configpkg.Config
	logger loggingpkg.ServiceLogger

	cache     *patterncache.Cache
	registry  *registry.Registry
	dedup     dedupkg.Deduplicator
	processor processing.Processor
	validator sanitize.PayloadValidator
	ids       *idspkg.Generator
	ownsIDs   bool
	metrics   *busMetrics
	resources *resourceSampler

	storeRegistry *storepkg.Registry
	store         storepkg.EventStore
	storeMu       sync.RWMutex
	ownsStore     bool

	bridge       *bridgepkg.Bridge
	detachBridge func()
	bridged      atomic.Bool
	onInit       func(ctx context.Context) error

	initGroup singleflight.Group
	// lifecycle guards state. Emit holds it for reading while it registers
	// itself as in flight, so shutdown never misses an event it must drain.
	lifecycle sync.RWMutex
	state     State
	paused    atomic.Bool
	inflight  atomic.Int64

	samplerStop chan struct{}
	samplerDone chan struct{}
	samplerOnce sync.Once
}

// NewBus validates conf and assembles an uninitialized bus.
func NewBus(conf configpkg.Config, log loggingpkg.ServiceLogger, deps BusDependencies) (*Bus, error) {
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, errspkg.ConfigValidationError{Err: err}
	}
	if conf.InstanceID == "" {
		conf.InstanceID = idspkg.InstanceID()
	}
	if conf.StoragePrefix == "" {
		conf.StoragePrefix = conf.InstanceID + ":"
	}

	log = loggingpkg.OrNop(log).With(loggingpkg.LogFields{"instance_id": conf.InstanceID})

	b := &Bus{
		id:            conf.InstanceID,
		conf:          conf,
		logger:        log,
		registry:      registry.New(log),
		dedup:         deps.Deduplicator,
		processor:     deps.Processor,
		validator:     deps.Validator,
		ids:           deps.IDs,
		metrics:       newBusMetrics(conf.InstanceID, deps.Registerer),
		resources:     newResourceSampler(),
		storeRegistry: deps.StoreRegistry,
		store:         deps.Store,
		bridge:        deps.Bridge,
		onInit:        deps.OnInit,
		samplerStop:   make(chan struct{}),
	}

	b.cache = patterncache.New(patterncache.Options{
		Capacity:      conf.PatternCacheSize,
		TTL:           conf.PatternCacheTTL,
		SweepInterval: conf.PatternCacheSweepInterval,
	})
	if b.dedup == nil {
		b.dedup = dedupkg.NewWindow(conf.DeduplicationWindow)
	}
	if b.processor == nil {
		var opts []processing.Option
		if deps.TracerProvider != nil {
			opts = append(opts, processing.WithTracerProvider(deps.TracerProvider))
		}
		opts = append(opts, processing.WithHooks(deps.Hooks))
		b.processor = processing.New(log, opts...)
	}
	b.processor.Configure(processing.Settings{
		Timeout:               conf.HandlerTimeout,
		MaxConcurrentHandlers: conf.MaxConcurrentHandlers,
		CircuitBreakerEnabled: conf.CircuitBreakerEnabled,
	})
	if b.validator == nil {
		b.validator = sanitize.New(conf.MaxPayloadBytes)
	}
	if b.ids == nil {
		b.ids = idspkg.NewGenerator()
		b.ownsIDs = true
	}
	if b.storeRegistry == nil {
		b.storeRegistry = storepkg.DefaultRegistry
	}

	log.Debug("Event bus created", loggingpkg.LogFields{"config": conf})
	return b, nil
}

// InstanceID returns the bus id.
func (b *Bus) InstanceID() string {
	return b.id
}

// Config returns a copy of the effective configuration.
func (b *Bus) Config() configpkg.Config {
	return b.conf
}

// State returns the lifecycle state.
func (b *Bus) State() State {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	return b.state
}

// IsInitialized reports whether the bus is ready.
func (b *Bus) IsInitialized() bool {
	return b.State() == StateReady
}

// Init prepares the store, bridge and metrics. Concurrent callers share one
// attempt. A failed attempt leaves the bus uninitialized so Init can be
// retried.
func (b *Bus) Init(ctx context.Context) error {
	if b.State() == StateReady {
		return nil
	}
	_, err, _ := b.initGroup.Do("init", func() (any, error) {
		return nil, b.initialize(ctx)
	})
	return err
}

func (b *Bus) initialize(ctx context.Context) error {
	b.lifecycle.Lock()
	switch b.state {
	case StateReady:
		b.lifecycle.Unlock()
		return nil
	case StateShuttingDown, StateTerminated:
		b.lifecycle.Unlock()
		return &errspkg.LifecycleError{Op: "init", InstanceID: b.id, Err: errspkg.ErrShutdownInProgress}
	}
	b.state = StateInitializing
	b.lifecycle.Unlock()

	if err := b.doInitialize(ctx); err != nil {
		b.lifecycle.Lock()
		if b.state == StateInitializing {
			b.state = StateUninitialized
		}
		b.lifecycle.Unlock()
		b.logger.Error("Event bus initialization failed", err, nil)
		return &errspkg.InitializationError{InstanceID: b.id, Cause: err}
	}

	b.lifecycle.Lock()
	if b.state != StateInitializing {
		b.lifecycle.Unlock()
		b.releaseResources()
		return &errspkg.LifecycleError{Op: "init", InstanceID: b.id, Err: errspkg.ErrShutdownInProgress}
	}
	// Ready before the initialized event, which needs a ready bus to publish.
	b.state = StateReady
	b.lifecycle.Unlock()

	b.startSampler()
	b.logger.Info("Event bus ready", loggingpkg.LogFields{
		"namespace":   b.conf.Namespace,
		"persistence": b.conf.PersistenceEnabled,
		"store":       b.conf.StoreDriver,
	})
	b.emitSystem(ctx, InitializedPattern)
	return nil
}

func (b *Bus) doInitialize(ctx context.Context) error {
	if err := b.openStore(ctx); err != nil {
		return err
	}
	if err := b.metrics.Register(); err != nil {
		b.closeStore()
		return fmt.Errorf("register metrics: %w", err)
	}
	if b.bridge != nil && b.conf.CrossInstanceCommunication && !b.conf.Isolated {
		detach, err := b.bridge.Attach(b.id, b.deliverRemote)
		if err != nil {
			b.metrics.Unregister()
			b.closeStore()
			return err
		}
		b.detachBridge = detach
		b.bridged.Store(true)
	}
	if b.onInit != nil {
		if err := b.onInit(ctx); err != nil {
			b.releaseResources()
			return err
		}
	}
	return nil
}

func (b *Bus) openStore(ctx context.Context) error {
	if !b.conf.PersistenceEnabled {
		return nil
	}
	b.storeMu.Lock()
	defer b.storeMu.Unlock()

	if b.store == nil {
		s, err := b.storeRegistry.Build(ctx, &b.conf, b.logger)
		if err != nil {
			return fmt.Errorf("build event store: %w", err)
		}
		b.store = s
		b.ownsStore = true
	}
	if err := b.store.Init(ctx); err != nil {
		if b.ownsStore {
			_ = b.store.Close()
			b.store = nil
			b.ownsStore = false
		}
		return fmt.Errorf("init event store: %w", err)
	}
	return nil
}

func (b *Bus) closeStore() {
	b.storeMu.Lock()
	defer b.storeMu.Unlock()
	if b.store == nil || !b.ownsStore {
		return
	}
	if err := b.store.Close(); err != nil {
		b.logger.Error("Failed to close event store", err, nil)
	}
	b.store = nil
	b.ownsStore = false
}

func (b *Bus) releaseResources() {
	b.bridged.Store(false)
	if b.detachBridge != nil {
		b.detachBridge()
		b.detachBridge = nil
	}
	b.metrics.Unregister()
	b.closeStore()
}

// Emit publishes payload on pattern and returns the event id.
func (b *Bus) Emit(ctx context.Context, pattern string, payload any, opts ...EmitOption) (string, error) {
	r, err := b.Publish(ctx, pattern, payload, opts...)
	return r.EventID, err
}

// Publish is Emit returning the full receipt. A duplicate inside its window
// returns a receipt with Duplicate set and nothing dispatched.
func (b *Bus) Publish(ctx context.Context, pattern string, payload any, opts ...EmitOption) (Receipt, error) {
	if err := b.enter("emit"); err != nil {
		return Receipt{}, err
	}
	defer b.leave()
	return b.publish(ctx, pattern, payload, newEmitOptions(opts), true)
}

// enter registers an in-flight operation if the bus accepts events.
func (b *Bus) enter(op string) error {
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()

	switch b.state {
	case StateReady:
	case StateShuttingDown, StateTerminated:
		return &errspkg.LifecycleError{Op: op, InstanceID: b.id, Err: errspkg.ErrShutdownInProgress}
	default:
		return &errspkg.LifecycleError{Op: op, InstanceID: b.id, Err: errspkg.ErrNotInitialized}
	}
	if b.paused.Load() {
		return &errspkg.LifecycleError{Op: op, InstanceID: b.id, Err: errspkg.ErrInstancePaused}
	}
	b.metrics.setQueueDepth(b.inflight.Add(1))
	return nil
}

func (b *Bus) leave() {
	b.metrics.setQueueDepth(b.inflight.Add(-1))
}

func (b *Bus) publish(ctx context.Context, pattern string, payload any, o emitOptions, bridged bool) (Receipt, error) {
	start := time.Now()

	res := b.cache.Validate(pattern)
	if !res.Valid {
		b.metrics.recordRejected()
		return Receipt{}, &errspkg.InvalidPatternError{Pattern: pattern, Reason: res.Reason, InstanceID: b.id}
	}
	if res.Pattern.HasWildcard {
		b.metrics.recordRejected()
		return Receipt{}, &errspkg.InvalidPatternError{Pattern: pattern, Reason: "emitted patterns cannot contain a wildcard", InstanceID: b.id}
	}

	clean, err := b.validator.ValidateAndSanitize(payload)
	if err != nil {
		b.metrics.recordRejected()
		return Receipt{}, fmt.Errorf("emit %s on instance %s: %w", pattern, b.id, err)
	}

	evt := b.newEvent(pattern, clean, o)
	receipt := Receipt{EventID: evt.ID}

	if b.conf.DeduplicationEnabled && evt.DedupRequested() && b.dedup.IsDuplicate(evt) {
		b.metrics.recordDuplicate(evt.Priority)
		b.logger.Debug("Dropped duplicate event", loggingpkg.LogFields{
			"event_id": evt.ID,
			"pattern":  pattern,
		})
		receipt.Duplicate = true
		return receipt, nil
	}

	if o.persist && b.conf.PersistenceEnabled {
		if err := b.persist(ctx, evt); err != nil {
			return receipt, err
		}
		receipt.Persisted = true
		b.metrics.recordPersisted()
	}

	report := b.dispatch(ctx, evt)
	receipt.Matched = report.Matched
	receipt.Delivered = report.Delivered
	receipt.Failed = report.Failed
	receipt.Filtered = report.Filtered

	if bridged && b.bridged.Load() {
		if err := b.bridge.Publish(b.id, evt); err != nil {
			b.logger.Error("Failed to bridge event", err, loggingpkg.LogFields{"event_id": evt.ID, "pattern": pattern})
		}
	}

	b.metrics.recordEvent(evt.Priority, time.Since(start), report)
	return receipt, nil
}

func (b *Bus) newEvent(pattern string, payload any, o emitOptions) event.Event {
	traceID := o.traceID
	if traceID == "" {
		traceID = b.ids.TraceID()
	}
	evt := event.Event{
		ID:        b.ids.EventID(),
		Pattern:   pattern,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Priority:  o.priority,
		Metadata: event.Metadata{
			InstanceID:    b.id,
			Source:        o.source,
			SchemaVersion: o.schemaVersion,
			Tracing: event.Tracing{
				TraceID:      traceID,
				SpanID:       b.ids.SpanID(),
				ParentSpanID: o.parentSpanID,
			},
			Headers: o.headers,
		},
	}
	if o.dedup != nil {
		d := *o.dedup
		if d.Window <= 0 {
			d.Window = b.conf.DeduplicationWindow
		}
		evt.Metadata.Dedup = &d
	}
	return evt
}

func (b *Bus) persist(ctx context.Context, evt event.Event) error {
	b.storeMu.RLock()
	s := b.store
	b.storeMu.RUnlock()
	if s == nil {
		return fmt.Errorf("persist event %s on instance %s: %w", evt.ID, b.id, errspkg.ErrStoreClosed)
	}
	if err := s.Store(ctx, evt); err != nil {
		return fmt.Errorf("persist event %s on instance %s: %w", evt.ID, b.id, err)
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, evt event.Event) processing.Report {
	live := b.registry.Resolve(evt.Pattern)
	targets := make([]processing.Target, len(live))
	for i, l := range live {
		targets[i] = processing.Target{
			SubscriptionID: l.ID,
			ModuleID:       l.ModuleID,
			Handler:        l.Handler,
			Timeout:        l.Timeout,
			Filter:         l.Filter,
		}
	}

	report := b.processor.Process(ctx, evt, targets)
	for _, r := range report.Results {
		if r.Delivered() {
			b.registry.UpdateLastTriggered(r.SubscriptionID)
		}
	}
	return report
}

// deliverRemote dispatches an event another instance published. It is not
// persisted, deduplicated or bridged again.
func (b *Bus) deliverRemote(ctx context.Context, evt event.Event) {
	if err := b.enter("deliver"); err != nil {
		return
	}
	defer b.leave()

	report := b.dispatch(ctx, evt)
	b.metrics.recordRemote(evt.Priority, report)
}

func (b *Bus) emitSystem(ctx context.Context, pattern string) {
	if err := b.enter("emit"); err != nil {
		return
	}
	defer b.leave()

	o := newEmitOptions([]EmitOption{
		WithSource("system"),
		WithPriority(event.PriorityHigh),
	})
	payload := map[string]any{"instance_id": b.id, "namespace": b.conf.Namespace}
	if _, err := b.publish(ctx, pattern, payload, o, false); err != nil {
		b.logger.Error("Failed to emit system event", err, loggingpkg.LogFields{"pattern": pattern})
	}
}

// Subscribe registers handler for pattern. The returned Subscription owns
// the handler: once it becomes unreachable the subscription is reclaimed
// unless WithRetain was given.
func (b *Bus) Subscribe(pattern string, handler event.Handler, opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	// Held until the subscription is registered so shutdown cannot destroy
	// the registry between the state check and AddSubscription.
	b.lifecycle.RLock()
	defer b.lifecycle.RUnlock()
	switch b.state {
	case StateReady:
	case StateShuttingDown, StateTerminated:
		return nil, &errspkg.LifecycleError{Op: "subscribe", InstanceID: b.id, Err: errspkg.ErrShutdownInProgress}
	default:
		return nil, &errspkg.LifecycleError{Op: "subscribe", InstanceID: b.id, Err: errspkg.ErrNotInitialized}
	}

	res := b.cache.Validate(pattern)
	if !res.Valid {
		return nil, &errspkg.InvalidPatternError{Pattern: pattern, Reason: res.Reason, InstanceID: b.id}
	}

	o := newSubscribeOptions(opts)
	id := b.ids.SubscriptionID()
	if o.once {
		handler = b.onceHandler(id, handler)
	}
	ref := registry.NewRef(handler)

	b.registry.AddSubscription(registry.Subscription{
		Record: registry.Record{
			ID:       id,
			Pattern:  pattern,
			ModuleID: o.module,
			Priority: o.priority,
			Timeout:  o.timeout,
			Filter:   o.filter,
		},
		Ref:    ref,
		Retain: o.retain,
	})
	b.logger.Debug("Subscription added", loggingpkg.LogFields{
		"subscription_id": id,
		"pattern":         pattern,
		"module_id":       o.module,
	})

	return &Subscription{id: id, pattern: pattern, bus: b, ref: ref}, nil
}

// SubscribeFunc is Subscribe for a plain function.
func (b *Bus) SubscribeFunc(pattern string, fn func(ctx context.Context, evt event.Event) error, opts ...SubscribeOption) (*Subscription, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	return b.Subscribe(pattern, event.HandlerFunc(fn), opts...)
}

func (b *Bus) onceHandler(id string, h event.Handler) event.Handler {
	var fired atomic.Bool
	return event.HandlerFunc(func(ctx context.Context, evt event.Event) error {
		if !fired.CompareAndSwap(false, true) {
			return nil
		}
		defer b.Unsubscribe(id)
		return h.Handle(ctx, evt)
	})
}

// Unsubscribe removes one subscription and reports whether it existed.
func (b *Bus) Unsubscribe(id string) bool {
	removed := b.registry.RemoveSubscription(id)
	if removed {
		b.forgetBreaker(id)
	}
	return removed
}

// UnsubscribeAll removes every subscription on exactly pattern, or every
// subscription when pattern is empty.
func (b *Bus) UnsubscribeAll(pattern string) int {
	if pattern == "" {
		return b.registry.RemoveAll()
	}
	return b.registry.RemoveSubscriptionsByPattern(pattern)
}

// UnsubscribeModule removes every subscription owned by moduleID.
func (b *Bus) UnsubscribeModule(moduleID string) int {
	return b.registry.RemoveSubscriptionsByModule(moduleID)
}

// Subscriptions returns the ids of live subscriptions on exactly pattern.
func (b *Bus) Subscriptions(pattern string) []string {
	return b.registry.GetSubscriptionsByPattern(pattern)
}

// MatchingSubscriptions returns the ids that an event on pattern would reach.
func (b *Bus) MatchingSubscriptions(pattern string) []string {
	return b.registry.Match(pattern)
}

func (b *Bus) forgetBreaker(id string) {
	if f, ok := b.processor.(interface{ Forget(string) }); ok {
		f.Forget(id)
	}
}

// AllEvents returns every persisted event. It returns nothing when
// persistence is disabled.
func (b *Bus) AllEvents(ctx context.Context) ([]event.Event, error) {
	s := b.currentStore()
	if s == nil {
		return nil, nil
	}
	return s.AllEvents(ctx)
}

// EventHistory returns persisted events matching pattern (all when empty),
// keeping the most recent limit when limit is positive.
func (b *Bus) EventHistory(ctx context.Context, pattern string, limit int) ([]event.Event, error) {
	s := b.currentStore()
	if s == nil {
		return nil, nil
	}
	return s.History(ctx, pattern, limit)
}

// ClearEventHistory deletes every persisted event of this instance.
func (b *Bus) ClearEventHistory(ctx context.Context) error {
	s := b.currentStore()
	if s == nil {
		return nil
	}
	return s.Clear(ctx)
}

func (b *Bus) currentStore() storepkg.EventStore {
	b.storeMu.RLock()
	defer b.storeMu.RUnlock()
	return b.store
}

// Pause makes Emit fail with ErrInstancePaused until Resume. It reports
// false when the bus was already paused.
func (b *Bus) Pause() bool {
	if !b.paused.CompareAndSwap(false, true) {
		return false
	}
	b.logger.Info("Event bus paused", nil)
	return true
}

// Resume undoes Pause. It reports false when the bus was not paused.
func (b *Bus) Resume() bool {
	if !b.paused.CompareAndSwap(true, false) {
		return false
	}
	b.logger.Info("Event bus resumed", nil)
	return true
}

// IsPaused reports whether Emit is currently rejected by Pause.
func (b *Bus) IsPaused() bool {
	return b.paused.Load()
}

// Metrics returns a snapshot of the instance counters together with the
// cache hit rate and deduplication rate of its collaborators.
func (b *Bus) Metrics() MetricsSnapshot {
	snap := b.metrics.snapshot()
	state := b.State()
	snap.InstanceID = b.id
	snap.State = state.String()
	snap.Paused = b.paused.Load()
	if state < StateTerminated {
		snap.QueueDepth = b.inflight.Load()
	}
	snap.Subscriptions = b.registry.Stats().Active
	snap.CacheHitRate = b.cache.Metrics().HitRate
	snap.DeduplicationRate = b.dedup.Metrics().DeduplicationRate
	return snap
}

// CacheMetrics exposes the pattern cache counters.
func (b *Bus) CacheMetrics() patterncache.Metrics {
	return b.cache.Metrics()
}

// RegistryStats exposes the subscription registry counters.
func (b *Bus) RegistryStats() registry.Stats {
	return b.registry.Stats()
}

// GracefulShutdown rejects new events, waits for in-flight ones up to the
// configured shutdown timeout (or ctx's deadline) and releases the registry,
// pattern cache, id generator and store. Events still running after the
// timeout are abandoned. Calling it again is a no-op.
func (b *Bus) GracefulShutdown(ctx context.Context) error {
	b.lifecycle.RLock()
	state := b.state
	b.lifecycle.RUnlock()
	if state == StateShuttingDown || state == StateTerminated {
		return nil
	}
	if state == StateReady {
		b.emitSystem(ctx, ShutdownPattern)
	}

	b.lifecycle.Lock()
	if b.state == StateShuttingDown || b.state == StateTerminated {
		b.lifecycle.Unlock()
		return nil
	}
	b.state = StateShuttingDown
	b.lifecycle.Unlock()

	b.logger.Info("Event bus shutting down", nil)
	b.stopSampler()
	b.bridged.Store(false)
	if b.detachBridge != nil {
		b.detachBridge()
		b.detachBridge = nil
	}

	if pending := b.drain(ctx); pending > 0 {
		b.logger.Info("Abandoning in-flight events after drain timeout", loggingpkg.LogFields{"pending": pending})
	}

	b.registry.Destroy()
	b.cache.Destroy()
	if b.ownsIDs {
		b.ids.Destroy()
	}
	b.closeStore()
	b.metrics.setQueueDepth(0)
	b.metrics.Unregister()

	b.lifecycle.Lock()
	b.state = StateTerminated
	b.lifecycle.Unlock()

	b.logger.Info("Event bus stopped", nil)
	return nil
}

// drain waits for in-flight events and returns how many are still running.
func (b *Bus) drain(ctx context.Context) int64 {
	timer := time.NewTimer(b.conf.ShutdownTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		n := b.inflight.Load()
		if n <= 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			return n
		case <-timer.C:
			return n
		case <-ticker.C:
		}
	}
}

func (b *Bus) startSampler() {
	if !b.conf.MetricsEnabled || b.conf.TestModeEnabled {
		return
	}
	b.samplerDone = make(chan struct{})
	go b.sampleLoop(b.conf.MetricsInterval)
}

func (b *Bus) stopSampler() {
	b.samplerOnce.Do(func() {
		close(b.samplerStop)
		if b.samplerDone != nil {
			<-b.samplerDone
		}
	})
}

// sampleLoop also runs housekeeping for the registry and deduplicator.
func (b *Bus) sampleLoop(interval time.Duration) {
	defer close(b.samplerDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.samplerStop:
			return
		case <-ticker.C:
			b.registry.Cleanup()
			if c, ok := b.dedup.(interface{ Cleanup() int }); ok {
				c.Cleanup()
			}
			b.metrics.sample(b.registry.Stats().Active, b.resources.Sample())
		}
	}
}
