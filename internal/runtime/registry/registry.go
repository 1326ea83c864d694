// Package registry tracks the live subscriptions of one bus instance.
//
// Handlers are held weakly: the registry keeps a weak.Pointer to the Ref that
// owns the handler and registers a runtime cleanup on it. When the caller drops
// every strong reference to the Ref the subscription is disposed without an
// explicit unsubscribe. Read paths re-check liveness and dispose stale
// entries they come across, so the indexes heal even when the cleanup has not
// run yet.
package registry

import (
	"runtime"
	"slices"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
	"weak"

	"github.com/drblury/nexbus/internal/runtime/event"
	"github.com/drblury/nexbus/internal/runtime/logging"
	"github.com/drblury/nexbus/internal/runtime/pattern"
)

// DefaultModule owns subscriptions registered without a module id.
const DefaultModule = "default"

// Ref is the strong owner of a handler. Whoever holds the Ref keeps the
// subscription alive.
type Ref struct {
	handler event.Handler
}

// NewRef boxes h so it can be tracked weakly.
func NewRef(h event.Handler) *Ref {
	return &Ref{handler: h}
}

// Handler returns the boxed handler.
func (r *Ref) Handler() event.Handler {
	if r == nil {
		return nil
	}
	return r.handler
}

// Record is the bookkeeping view of a subscription. It never exposes the
// handler.
type Record struct {
	ID            string
	Pattern       string
	ModuleID      string
	Priority      event.Priority
	CreatedAt     time.Time
	LastTriggered time.Time
	Timeout       time.Duration
	Filter        event.FilterFunc
	Disposed      bool
}

// Subscription is the input to AddSubscription.
type Subscription struct {
	Record
	// Ref owns the handler. It must be non-nil.
	Ref *Ref
	// Retain pins the Ref inside the registry so the subscription lives until
	// it is removed explicitly.
	Retain bool
}

// Live is a matched subscription together with a strong handle to its
// handler, valid for the duration of one dispatch.
type Live struct {
	Record
	Handler event.Handler
}

// Stats summarises registry state. PatternIndexed, ModuleIndexed and Active
// are always equal.
type Stats struct {
	Active         int `json:"active"`
	Patterns       int `json:"patterns"`
	Modules        int `json:"modules"`
	PatternIndexed int `json:"pattern_indexed"`
	ModuleIndexed  int `json:"module_indexed"`
	Pinned         int `json:"pinned"`

	Added     uint64 `json:"added"`
	Removed   uint64 `json:"removed"`
	Reclaimed uint64 `json:"reclaimed"`
}

type entry struct {
	rec     Record
	ref     weak.Pointer[Ref]
	pinned  *Ref
	cleanup runtime.Cleanup
	tracked bool
}

func (e *entry) stop() {
	if e.tracked {
		e.cleanup.Stop()
		e.tracked = false
	}
}

func (e *entry) handler() event.Handler {
	if e.pinned != nil {
		return e.pinned.handler
	}
	if ref := e.ref.Value(); ref != nil {
		return ref.handler
	}
	return nil
}

// Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]*entry
	byPattern map[string][]string
	byModule  map[string][]string

	added, removed, reclaimed uint64
	seq                       atomic.Uint64

	log logging.ServiceLogger
	now func() time.Time
}

// New creates an empty registry. A nil logger discards output.
func New(log logging.ServiceLogger) *Registry {
	r := &Registry{
		log: logging.OrNop(log),
		now: time.Now,
	}
	r.reset()
	return r
}

func (r *Registry) reset() {
	r.byID = make(map[string]*entry)
	r.byPattern = make(map[string][]string)
	r.byModule = make(map[string][]string)
}

// AddSubscription registers sub and returns its id. A missing id, module or
// creation time is filled in.
func (r *Registry) AddSubscription(sub Subscription) string {
	rec := sub.Record
	if rec.ID == "" {
		rec.ID = "sub_" + strconv.FormatUint(r.seq.Add(1), 10)
	}
	if rec.ModuleID == "" {
		rec.ModuleID = DefaultModule
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	rec.Disposed = false

	e := &entry{rec: rec}
	if sub.Ref != nil {
		e.ref = weak.Make(sub.Ref)
		if sub.Retain {
			e.pinned = sub.Ref
		} else {
			id := rec.ID
			e.cleanup = runtime.AddCleanup(sub.Ref, func(id string) { r.reclaim(id) }, id)
			e.tracked = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[rec.ID]; ok {
		r.removeLocked(old)
	}
	r.byID[rec.ID] = e
	r.byPattern[rec.Pattern] = append(r.byPattern[rec.Pattern], rec.ID)
	r.byModule[rec.ModuleID] = append(r.byModule[rec.ModuleID], rec.ID)
	r.added++
	return rec.ID
}

// GetHandler returns the handler of a live subscription, or nil.
func (r *Registry) GetHandler(id string) event.Handler {
	r.mu.RLock()
	e, ok := r.byID[id]
	var h event.Handler
	if ok {
		h = e.handler()
	}
	r.mu.RUnlock()

	if ok && h == nil {
		r.disposeStale([]string{id})
	}
	return h
}

// GetSubscription returns a copy of the record for a live subscription.
func (r *Registry) GetSubscription(id string) (Record, bool) {
	r.mu.RLock()
	e, ok := r.byID[id]
	var (
		rec   Record
		stale bool
	)
	if ok {
		rec = e.rec
		stale = e.handler() == nil
	}
	r.mu.RUnlock()

	if stale {
		r.disposeStale([]string{id})
		return Record{}, false
	}
	return rec, ok
}

// GetSubscriptionsByPattern returns the live ids registered on exactly p.
func (r *Registry) GetSubscriptionsByPattern(p string) []string {
	return r.liveIDs(func() []string { return r.byPattern[p] })
}

// GetSubscriptionsByModule returns the live ids owned by moduleID.
func (r *Registry) GetSubscriptionsByModule(moduleID string) []string {
	if moduleID == "" {
		moduleID = DefaultModule
	}
	return r.liveIDs(func() []string { return r.byModule[moduleID] })
}

func (r *Registry) liveIDs(bucket func() []string) []string {
	r.mu.RLock()
	var live, stale []string
	for _, id := range bucket() {
		e := r.byID[id]
		if e == nil || e.handler() == nil {
			stale = append(stale, id)
			continue
		}
		live = append(live, id)
	}
	r.mu.RUnlock()

	r.disposeStale(stale)
	return live
}

// Match returns the ids of live subscriptions that should receive an event
// published on eventPattern: the exact bucket first, then every other
// wildcard pattern that matches. Each subscription appears once.
func (r *Registry) Match(eventPattern string) []string {
	matched := r.Resolve(eventPattern)
	out := make([]string, len(matched))
	for i, m := range matched {
		out[i] = m.ID
	}
	return out
}

// Resolve is Match returning strong handler references. Results are ordered
// by descending priority, then by creation time.
func (r *Registry) Resolve(eventPattern string) []Live {
	r.mu.RLock()
	var (
		out   []Live
		stale []string
	)
	collect := func(ids []string) {
		for _, id := range ids {
			e := r.byID[id]
			if e == nil {
				continue
			}
			h := e.handler()
			if h == nil {
				stale = append(stale, id)
				continue
			}
			out = append(out, Live{Record: e.rec, Handler: h})
		}
	}

	collect(r.byPattern[eventPattern])
	for p, ids := range r.byPattern {
		if p == eventPattern || !pattern.IsWildcard(p) {
			continue
		}
		if pattern.Match(p, eventPattern) {
			collect(ids)
		}
	}
	r.mu.RUnlock()

	r.disposeStale(stale)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RemoveSubscription disposes id and reports whether it was registered.
func (r *Registry) RemoveSubscription(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return false
	}
	r.removeLocked(e)
	r.removed++
	return true
}

// RemoveSubscriptionsByModule disposes every subscription owned by moduleID.
func (r *Registry) RemoveSubscriptionsByModule(moduleID string) int {
	if moduleID == "" {
		moduleID = DefaultModule
	}
	return r.removeBucket(func() []string { return r.byModule[moduleID] })
}

// RemoveSubscriptionsByPattern disposes every subscription registered on
// exactly p.
func (r *Registry) RemoveSubscriptionsByPattern(p string) int {
	return r.removeBucket(func() []string { return r.byPattern[p] })
}

// RemoveAll disposes every subscription and returns how many there were.
func (r *Registry) RemoveAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.byID)
	for _, e := range r.byID {
		e.stop()
		e.rec.Disposed = true
	}
	r.removed += uint64(n)
	r.reset()
	return n
}

func (r *Registry) removeBucket(bucket func() []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := slices.Clone(bucket())
	for _, id := range ids {
		if e, ok := r.byID[id]; ok {
			r.removeLocked(e)
			r.removed++
		}
	}
	return len(ids)
}

// UpdateLastTriggered stamps the subscription's last delivery time.
func (r *Registry) UpdateLastTriggered(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return false
	}
	e.rec.LastTriggered = r.now()
	return true
}

// Cleanup disposes every subscription whose handler is gone and returns how
// many were removed.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.byID {
		if e.handler() == nil {
			r.removeLocked(e)
			r.reclaimed++
			n++
		}
	}
	if n > 0 {
		r.log.Debug("Reclaimed stale subscriptions", logging.LogFields{"count": n})
	}
	return n
}

// Stats returns a consistent snapshot.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Active:    len(r.byID),
		Patterns:  len(r.byPattern),
		Modules:   len(r.byModule),
		Added:     r.added,
		Removed:   r.removed,
		Reclaimed: r.reclaimed,
	}
	for _, ids := range r.byPattern {
		s.PatternIndexed += len(ids)
	}
	for _, ids := range r.byModule {
		s.ModuleIndexed += len(ids)
	}
	for _, e := range r.byID {
		if e.pinned != nil {
			s.Pinned++
		}
	}
	return s
}

// Patterns lists the distinct patterns with at least one subscription.
func (r *Registry) Patterns() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byPattern))
	for p := range r.byPattern {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Destroy disposes every subscription and resets the counters. The registry
// stays usable.
func (r *Registry) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.byID {
		e.stop()
		e.rec.Disposed = true
		e.pinned = nil
	}
	r.reset()
	r.added, r.removed, r.reclaimed = 0, 0, 0
}

// reclaim runs on the runtime's cleanup goroutine once a Ref is collected.
func (r *Registry) reclaim(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok || e.handler() != nil {
		return
	}
	r.removeLocked(e)
	r.reclaimed++
	r.log.Debug("Subscription handler reclaimed", logging.LogFields{
		"subscription_id": id,
		"pattern":         e.rec.Pattern,
		"module_id":       e.rec.ModuleID,
	})
}

func (r *Registry) disposeStale(ids []string) {
	if len(ids) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		e, ok := r.byID[id]
		if !ok || e.handler() != nil {
			continue
		}
		r.removeLocked(e)
		r.reclaimed++
	}
}

// removeLocked must be called with mu held for writing.
func (r *Registry) removeLocked(e *entry) {
	id := e.rec.ID
	e.stop()
	e.rec.Disposed = true
	e.pinned = nil
	delete(r.byID, id)
	r.byPattern = dropFromBucket(r.byPattern, e.rec.Pattern, id)
	r.byModule = dropFromBucket(r.byModule, e.rec.ModuleID, id)
}

func dropFromBucket(index map[string][]string, key, id string) map[string][]string {
	ids := index[key]
	if i := slices.Index(ids, id); i >= 0 {
		ids = slices.Delete(ids, i, i+1)
	}
	if len(ids) == 0 {
		delete(index, key)
	} else {
		index[key] = ids
	}
	return index
}
