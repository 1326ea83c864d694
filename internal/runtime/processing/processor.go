// Package processing invokes subscription handlers for a matched event.
// Each invocation is isolated: a handler that fails, panics, or outlives its
// timeout is recorded in the report and never stops delivery to the others.
package processing

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	"github.com/drblury/nexbus/internal/runtime/event"
	"github.com/drblury/nexbus/internal/runtime/logging"
)

const (
	DefaultTimeout               = 5 * time.Second
	DefaultMaxConcurrentHandlers = 10

	// breakerFailures consecutive failures open a subscription's circuit.
	breakerFailures = 5
	breakerCooldown = 30 * time.Second

	tracerName = "github.com/drblury/nexbus/processing"
)

// Settings tune a processor.
type Settings struct {
	Timeout               time.Duration
	MaxConcurrentHandlers int
	CircuitBreakerEnabled bool
}

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	if s.MaxConcurrentHandlers <= 0 {
		s.MaxConcurrentHandlers = DefaultMaxConcurrentHandlers
	}
	return s
}

// Target is one subscription selected for an event.
type Target struct {
	SubscriptionID string
	ModuleID       string
	Handler        event.Handler
	// Timeout overrides Settings.Timeout when positive.
	Timeout time.Duration
	Filter  event.FilterFunc
}

// Result is the outcome for one target.
type Result struct {
	SubscriptionID string
	Err            error
	Duration       time.Duration
	Filtered       bool
	Skipped        bool
	Panicked       bool
}

// Delivered reports whether the handler ran to completion without error.
func (r Result) Delivered() bool {
	return r.Err == nil && !r.Filtered && !r.Skipped
}

// Report summarises one Process call. Results follow the order of targets.
type Report struct {
	Matched   int
	Delivered int
	Failed    int
	Filtered  int
	Results   []Result
}

// Processor is the contract the bus dispatches through.
type Processor interface {
	Configure(s Settings)
	Process(ctx context.Context, evt event.Event, targets []Target) Report
}

// SecureProcessor runs handlers concurrently up to a limit, with per-handler
// timeouts, panic recovery, optional circuit breakers and a span per call.
type SecureProcessor struct {
	mu       sync.RWMutex
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker

	hooks  Hooks
	tracer trace.Tracer
	logger logging.ServiceLogger
}

// Option customises a SecureProcessor.
type Option func(*SecureProcessor)

// WithHooks merges hooks into the processor's hooks.
func WithHooks(h Hooks) Option {
	return func(p *SecureProcessor) {
		p.hooks = p.hooks.Merge(h)
	}
}

// WithTracerProvider sets where handler spans go. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *SecureProcessor) {
		if tp != nil {
			p.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates a processor with default settings.
func New(log logging.ServiceLogger, opts ...Option) *SecureProcessor {
	log = logging.OrNop(log)
	p := &SecureProcessor{
		settings: Settings{}.withDefaults(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		hooks:    LoggingHooks(log),
		tracer:   otel.Tracer(tracerName),
		logger:   log,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Configure replaces the settings. Disabling circuit breakers drops their
// state.
func (p *SecureProcessor) Configure(s Settings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settings = s.withDefaults()
	if !p.settings.CircuitBreakerEnabled {
		p.breakers = make(map[string]*gobreaker.CircuitBreaker)
	}
}

// Settings returns the active settings.
func (p *SecureProcessor) Settings() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.settings
}

// Forget drops the circuit breaker of a removed subscription.
func (p *SecureProcessor) Forget(subscriptionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.breakers, subscriptionID)
}

// BreakerState reports the circuit state of a subscription, or false when it
// has no breaker.
func (p *SecureProcessor) BreakerState(subscriptionID string) (gobreaker.State, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cb, ok := p.breakers[subscriptionID]
	if !ok {
		return gobreaker.StateClosed, false
	}
	return cb.State(), true
}

// Process delivers evt to every target and returns once all of them have
// finished or timed out.
func (p *SecureProcessor) Process(ctx context.Context, evt event.Event, targets []Target) Report {
	settings := p.Settings()
	report := Report{Matched: len(targets), Results: make([]Result, len(targets))}
	if len(targets) == 0 {
		return report
	}

	ctx = withRemoteParent(ctx, evt)

	var g errgroup.Group
	g.SetLimit(settings.MaxConcurrentHandlers)
	for i, target := range targets {
		g.Go(func() error {
			report.Results[i] = p.deliver(ctx, evt, target, settings)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range report.Results {
		switch {
		case r.Filtered:
			report.Filtered++
		case r.Delivered():
			report.Delivered++
		default:
			report.Failed++
		}
	}
	return report
}

func (p *SecureProcessor) deliver(ctx context.Context, evt event.Event, target Target, settings Settings) Result {
	res := Result{SubscriptionID: target.SubscriptionID}
	if err := ctx.Err(); err != nil {
		res.Skipped = true
		res.Err = err
		return res
	}
	if target.Filter != nil && !accepts(target.Filter, evt) {
		res.Filtered = true
		return res
	}

	timeout := settings.Timeout
	if target.Timeout > 0 {
		timeout = target.Timeout
	}

	ctx, span := p.tracer.Start(ctx, "nexbus.handle "+evt.Pattern,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("nexbus.event_id", evt.ID),
			attribute.String("nexbus.pattern", evt.Pattern),
			attribute.String("nexbus.subscription_id", target.SubscriptionID),
			attribute.String("nexbus.priority", evt.Priority.String()),
		),
	)
	defer span.End()

	hc := HandlerContext{
		SubscriptionID: target.SubscriptionID,
		ModuleID:       target.ModuleID,
		Pattern:        evt.Pattern,
		EventID:        evt.ID,
		Context:        ctx,
		StartedAt:      time.Now(),
	}
	if p.hooks.OnHandlerStart != nil {
		p.hooks.OnHandlerStart(hc)
	}

	run := func() (any, error) {
		return nil, invoke(ctx, target.Handler, evt, timeout)
	}
	var err error
	if cb := p.breaker(target.SubscriptionID, settings); cb != nil {
		_, err = cb.Execute(run)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: subscription %s: %v", errspkg.ErrCircuitOpen, target.SubscriptionID, err)
		}
	} else {
		_, err = run()
	}

	hc.Duration = time.Since(hc.StartedAt)
	res.Duration = hc.Duration
	res.Err = err

	if err != nil {
		var pe *panicError
		if errors.As(err, &pe) {
			res.Panicked = true
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if p.hooks.OnHandlerError != nil {
			p.hooks.OnHandlerError(hc, err)
		}
		return res
	}
	span.SetStatus(codes.Ok, "")
	if p.hooks.OnHandlerDone != nil {
		p.hooks.OnHandlerDone(hc)
	}
	return res
}

func (p *SecureProcessor) breaker(id string, settings Settings) *gobreaker.CircuitBreaker {
	if !settings.CircuitBreakerEnabled || id == "" {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cb, ok := p.breakers[id]
	if !ok {
		log := p.logger
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    id,
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Info("Handler circuit changed state", logging.LogFields{
					"subscription_id": name,
					"from":            from.String(),
					"to":              to.String(),
				})
			},
		})
		p.breakers[id] = cb
	}
	return cb
}

// invoke runs h with a deadline. A handler that ignores cancellation is
// abandoned once the deadline passes.
func invoke(ctx context.Context, h event.Handler, evt event.Event, timeout time.Duration) error {
	if h == nil {
		return errspkg.ErrHandlerRequired
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r, stack: debug.Stack()}
			}
		}()
		done <- h.Handle(ctx, evt)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", errspkg.ErrHandlerTimeout, timeout)
	}
}

func accepts(filter event.FilterFunc, evt event.Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return filter(evt)
}

// withRemoteParent makes the event's trace the parent of handler spans when
// the caller's context carries none.
func withRemoteParent(ctx context.Context, evt event.Event) context.Context {
	if trace.SpanContextFromContext(ctx).IsValid() {
		return ctx
	}
	traceID, err := trace.TraceIDFromHex(evt.Metadata.Tracing.TraceID)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(evt.Metadata.Tracing.SpanID)
	if err != nil {
		return ctx
	}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("%v: %v", errspkg.ErrHandlerPanic, e.value)
}

func (e *panicError) Unwrap() error {
	return errspkg.ErrHandlerPanic
}

// Stack returns the goroutine stack captured at the panic.
func (e *panicError) Stack() []byte {
	return e.stack
}
