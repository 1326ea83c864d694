package runtime

import (
	"time"

	"github.com/drblury/nexbus/internal/runtime/event"
	"github.com/drblury/nexbus/internal/runtime/metadata"
)

type emitOptions struct {
	priority      event.Priority
	persist       bool
	dedup         *event.Dedup
	source        string
	schemaVersion string
	traceID       string
	parentSpanID  string
	headers       metadata.Metadata
}

// EmitOption customises a single Emit or Publish call.
type EmitOption func(*emitOptions)

// WithPriority sets the event priority. The default is normal.
func WithPriority(p event.Priority) EmitOption {
	return func(o *emitOptions) { o.priority = p }
}

// WithPersistence stores the event when the instance has persistence enabled.
func WithPersistence() EmitOption {
	return func(o *emitOptions) { o.persist = true }
}

// WithDeduplication drops repeats of key inside window. An empty key is
// derived from the pattern and payload; a zero window uses the instance
// default.
func WithDeduplication(key string, window time.Duration) EmitOption {
	return func(o *emitOptions) {
		o.dedup = &event.Dedup{Enabled: true, Key: key, Window: window}
	}
}

// WithSource tags the event with its producer.
func WithSource(source string) EmitOption {
	return func(o *emitOptions) { o.source = source }
}

// WithSchemaVersion records the payload schema version.
func WithSchemaVersion(v string) EmitOption {
	return func(o *emitOptions) { o.schemaVersion = v }
}

// WithTraceID continues an existing trace instead of starting a new one.
func WithTraceID(traceID string) EmitOption {
	return func(o *emitOptions) { o.traceID = traceID }
}

// WithParentSpan records the span that caused this event.
func WithParentSpan(spanID string) EmitOption {
	return func(o *emitOptions) { o.parentSpanID = spanID }
}

// WithHeaders attaches free-form headers.
func WithHeaders(h metadata.Metadata) EmitOption {
	return func(o *emitOptions) { o.headers = h.Clone() }
}

func newEmitOptions(opts []EmitOption) emitOptions {
	o := emitOptions{priority: event.PriorityNormal}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

type subscribeOptions struct {
	module   string
	priority event.Priority
	timeout  time.Duration
	filter   event.FilterFunc
	retain   bool
	once     bool
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscribeOptions)

// WithModule sets the owning module, used to remove a module's
// subscriptions together.
func WithModule(moduleID string) SubscribeOption {
	return func(o *subscribeOptions) { o.module = moduleID }
}

// WithSubscriptionPriority orders this handler among others for the same
// event. Higher priorities are invoked first when concurrency is limited.
func WithSubscriptionPriority(p event.Priority) SubscribeOption {
	return func(o *subscribeOptions) { o.priority = p }
}

// WithHandlerTimeout overrides the instance handler timeout.
func WithHandlerTimeout(d time.Duration) SubscribeOption {
	return func(o *subscribeOptions) { o.timeout = d }
}

// WithFilter skips matched events the predicate rejects.
func WithFilter(f event.FilterFunc) SubscribeOption {
	return func(o *subscribeOptions) { o.filter = f }
}

// WithRetain keeps the handler alive even when the returned Subscription is
// dropped. Such subscriptions last until unsubscribed or shutdown.
func WithRetain() SubscribeOption {
	return func(o *subscribeOptions) { o.retain = true }
}

// WithOnce removes the subscription after its first delivery.
func WithOnce() SubscribeOption {
	return func(o *subscribeOptions) { o.once = true }
}

func newSubscribeOptions(opts []SubscribeOption) subscribeOptions {
	o := subscribeOptions{priority: event.PriorityNormal}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
