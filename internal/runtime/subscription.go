package runtime

import (
	goruntime "runtime"
	"sync"

	"github.com/drblury/nexbus/internal/runtime/registry"
)

// Subscription is the caller's handle on a registered handler. Keeping it
// reachable keeps the handler registered; dropping it lets the bus reclaim
// the subscription after the next garbage collection.
type Subscription struct {
	id      string
	pattern string
	bus     *Bus
	ref     *registry.Ref
	once    sync.Once
}

// ID returns the subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Pattern returns the pattern the subscription was registered with.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Active reports whether the subscription is still registered.
func (s *Subscription) Active() bool {
	_, ok := s.bus.registry.GetSubscription(s.id)
	return ok
}

// Unsubscribe removes the subscription. Only the first call has an effect.
func (s *Subscription) Unsubscribe() bool {
	removed := false
	s.once.Do(func() {
		removed = s.bus.Unsubscribe(s.id)
	})
	goruntime.KeepAlive(s.ref)
	return removed
}

// KeepAlive marks the handler as reachable up to this call.
func (s *Subscription) KeepAlive() {
	goruntime.KeepAlive(s.ref)
}
