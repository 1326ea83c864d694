package processing

import (
	"context"
	"time"

	"github.com/drblury/nexbus/internal/runtime/logging"
)

// HandlerContext describes one handler invocation to hooks.
type HandlerContext struct {
	// SubscriptionID identifies the subscription being served.
	SubscriptionID string
	// ModuleID is the module that owns the subscription.
	ModuleID string
	// Pattern is the concrete pattern of the event.
	Pattern string
	// EventID is the id of the event being delivered.
	EventID string
	// Context is the context passed to the handler.
	Context context.Context
	// StartedAt is when the invocation began.
	StartedAt time.Time
	// Duration is only set in OnHandlerDone and OnHandlerError.
	Duration time.Duration
}

// Hooks are optional callbacks around every handler invocation. Nil hooks
// are skipped.
type Hooks struct {
	OnHandlerStart func(hc HandlerContext)
	OnHandlerDone  func(hc HandlerContext)
	OnHandlerError func(hc HandlerContext, err error)
}

// Merge returns hooks that call h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnHandlerStart: chain(h.OnHandlerStart, other.OnHandlerStart),
		OnHandlerDone:  chain(h.OnHandlerDone, other.OnHandlerDone),
		OnHandlerError: chainErr(h.OnHandlerError, other.OnHandlerError),
	}
}

func chain(a, b func(HandlerContext)) func(HandlerContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HandlerContext) {
		a(hc)
		b(hc)
	}
}

func chainErr(a, b func(HandlerContext, error)) func(HandlerContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HandlerContext, err error) {
		a(hc, err)
		b(hc, err)
	}
}

// LoggingHooks logs handler completion at debug level and failures at error
// level.
func LoggingHooks(log logging.ServiceLogger) Hooks {
	log = logging.OrNop(log)
	return Hooks{
		OnHandlerDone: func(hc HandlerContext) {
			log.Debug("Handler completed", logging.LogFields{
				"subscription_id": hc.SubscriptionID,
				"event_id":        hc.EventID,
				"pattern":         hc.Pattern,
				"duration_ms":     hc.Duration.Milliseconds(),
			})
		},
		OnHandlerError: func(hc HandlerContext, err error) {
			log.Error("Handler failed", err, logging.LogFields{
				"subscription_id": hc.SubscriptionID,
				"module_id":       hc.ModuleID,
				"event_id":        hc.EventID,
				"pattern":         hc.Pattern,
				"duration_ms":     hc.Duration.Milliseconds(),
			})
		},
	}
}
