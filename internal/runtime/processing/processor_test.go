package processing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	"github.com/drblury/nexbus/internal/runtime/event"
)

func handlerFunc(fn func(context.Context, event.Event) error) event.Handler {
	return event.HandlerFunc(fn)
}

func ok() event.Handler {
	return handlerFunc(func(context.Context, event.Event) error { return nil })
}

func testEvent() event.Event {
	return event.Event{ID: "evt-1", Pattern: "orders.created", Priority: event.PriorityNormal}
}

func TestProcessIsolatesFailures(t *testing.T) {
	p := New(nil)
	p.Configure(Settings{Timeout: 200 * time.Millisecond, MaxConcurrentHandlers: 4})

	var delivered atomic.Int32
	counting := handlerFunc(func(context.Context, event.Event) error {
		delivered.Add(1)
		return nil
	})
	targets := []Target{
		{SubscriptionID: "ok-1", Handler: counting},
		{SubscriptionID: "err", Handler: handlerFunc(func(context.Context, event.Event) error { return errors.New("boom") })},
		{SubscriptionID: "panic", Handler: handlerFunc(func(context.Context, event.Event) error { panic("kaboom") })},
		{SubscriptionID: "ok-2", Handler: counting},
	}

	report := p.Process(context.Background(), testEvent(), targets)

	assert.Equal(t, 4, report.Matched)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 2, report.Failed)
	assert.Equal(t, int32(2), delivered.Load())

	require.Len(t, report.Results, 4)
	assert.EqualError(t, report.Results[1].Err, "boom")
	assert.True(t, report.Results[2].Panicked)
	assert.ErrorIs(t, report.Results[2].Err, errspkg.ErrHandlerPanic)
}

func TestProcessTimeout(t *testing.T) {
	p := New(nil)
	p.Configure(Settings{Timeout: time.Second})

	block := make(chan struct{})
	defer close(block)
	slow := handlerFunc(func(context.Context, event.Event) error {
		<-block
		return nil
	})

	start := time.Now()
	report := p.Process(context.Background(), testEvent(), []Target{
		{SubscriptionID: "slow", Handler: slow, Timeout: 20 * time.Millisecond},
		{SubscriptionID: "fast", Handler: ok()},
	})

	assert.Less(t, time.Since(start), time.Second)
	assert.ErrorIs(t, report.Results[0].Err, errspkg.ErrHandlerTimeout)
	assert.True(t, report.Results[1].Delivered())
}

func TestProcessFilter(t *testing.T) {
	p := New(nil)
	report := p.Process(context.Background(), testEvent(), []Target{
		{SubscriptionID: "rejects", Handler: ok(), Filter: func(event.Event) bool { return false }},
		{SubscriptionID: "panics", Handler: ok(), Filter: func(event.Event) bool { panic("x") }},
		{SubscriptionID: "accepts", Handler: ok(), Filter: func(e event.Event) bool { return e.Pattern == "orders.created" }},
	})
	assert.Equal(t, 2, report.Filtered)
	assert.Equal(t, 1, report.Delivered)
	assert.Zero(t, report.Failed)
}

func TestProcessRespectsConcurrencyLimit(t *testing.T) {
	p := New(nil)
	p.Configure(Settings{MaxConcurrentHandlers: 2, Timeout: time.Second})

	var current, peak atomic.Int32
	h := handlerFunc(func(context.Context, event.Event) error {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil
	})

	targets := make([]Target, 8)
	for i := range targets {
		targets[i] = Target{SubscriptionID: string(rune('a' + i)), Handler: h}
	}
	report := p.Process(context.Background(), testEvent(), targets)

	assert.Equal(t, 8, report.Delivered)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProcessCancelledContext(t *testing.T) {
	p := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := p.Process(ctx, testEvent(), []Target{{SubscriptionID: "a", Handler: ok()}})
	assert.True(t, report.Results[0].Skipped)
	assert.Equal(t, 1, report.Failed)
}

func TestCircuitBreakerOpens(t *testing.T) {
	p := New(nil)
	p.Configure(Settings{CircuitBreakerEnabled: true, Timeout: time.Second})

	var calls atomic.Int32
	failing := Target{SubscriptionID: "flaky", Handler: handlerFunc(func(context.Context, event.Event) error {
		calls.Add(1)
		return errors.New("down")
	})}

	for range breakerFailures {
		p.Process(context.Background(), testEvent(), []Target{failing})
	}
	state, ok := p.BreakerState("flaky")
	require.True(t, ok)
	assert.Equal(t, gobreaker.StateOpen, state)

	report := p.Process(context.Background(), testEvent(), []Target{failing})
	assert.ErrorIs(t, report.Results[0].Err, errspkg.ErrCircuitOpen)
	assert.Equal(t, int32(breakerFailures), calls.Load())

	p.Forget("flaky")
	_, ok = p.BreakerState("flaky")
	assert.False(t, ok)
}

func TestHooksAreCalled(t *testing.T) {
	var mu sync.Mutex
	var started, done, failed []string
	hooks := Hooks{
		OnHandlerStart: func(hc HandlerContext) { mu.Lock(); started = append(started, hc.SubscriptionID); mu.Unlock() },
		OnHandlerDone:  func(hc HandlerContext) { mu.Lock(); done = append(done, hc.SubscriptionID); mu.Unlock() },
		OnHandlerError: func(hc HandlerContext, _ error) { mu.Lock(); failed = append(failed, hc.SubscriptionID); mu.Unlock() },
	}
	p := New(nil, WithHooks(hooks))
	p.Configure(Settings{MaxConcurrentHandlers: 1})

	p.Process(context.Background(), testEvent(), []Target{
		{SubscriptionID: "a", Handler: ok()},
		{SubscriptionID: "b", Handler: handlerFunc(func(context.Context, event.Event) error { return errors.New("x") })},
	})

	assert.Equal(t, []string{"a", "b"}, started)
	assert.Equal(t, []string{"a"}, done)
	assert.Equal(t, []string{"b"}, failed)
}

func TestHooksMerge(t *testing.T) {
	var order []string
	a := Hooks{OnHandlerStart: func(HandlerContext) { order = append(order, "a") }}
	b := Hooks{OnHandlerStart: func(HandlerContext) { order = append(order, "b") }}

	merged := a.Merge(b)
	merged.OnHandlerStart(HandlerContext{})
	assert.Equal(t, []string{"a", "b"}, order)

	assert.Nil(t, Hooks{}.Merge(Hooks{}).OnHandlerDone)
}

func TestSettingsDefaults(t *testing.T) {
	s := Settings{}.withDefaults()
	assert.Equal(t, DefaultTimeout, s.Timeout)
	assert.Equal(t, DefaultMaxConcurrentHandlers, s.MaxConcurrentHandlers)
}
