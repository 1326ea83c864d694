package registry

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nexbus/internal/runtime/event"
)

func noopHandler() event.Handler {
	return event.HandlerFunc(func(context.Context, event.Event) error { return nil })
}

func add(t *testing.T, r *Registry, id, p, module string) *Ref {
	t.Helper()
	ref := NewRef(noopHandler())
	got := r.AddSubscription(Subscription{
		Record: Record{ID: id, Pattern: p, ModuleID: module},
		Ref:    ref,
	})
	require.Equal(t, id, got)
	return ref
}

// addDropped registers a subscription whose Ref is unreachable once the
// function returns.
//
//go:noinline
func addDropped(r *Registry, id, p, module string) {
	r.AddSubscription(Subscription{
		Record: Record{ID: id, Pattern: p, ModuleID: module},
		Ref:    NewRef(noopHandler()),
	})
}

func assertIndexesConsistent(t *testing.T, r *Registry) {
	t.Helper()
	s := r.Stats()
	assert.Equal(t, s.Active, s.PatternIndexed)
	assert.Equal(t, s.Active, s.ModuleIndexed)
}

func TestAddAndLookup(t *testing.T) {
	r := New(nil)
	ref := add(t, r, "s1", "sales.order.created", "orders")
	add(t, r, "s2", "sales.order.created", "billing")

	assert.NotNil(t, r.GetHandler("s1"))
	assert.ElementsMatch(t, []string{"s1", "s2"}, r.GetSubscriptionsByPattern("sales.order.created"))
	assert.Equal(t, []string{"s1"}, r.GetSubscriptionsByModule("orders"))

	rec, ok := r.GetSubscription("s1")
	require.True(t, ok)
	assert.Equal(t, "orders", rec.ModuleID)
	assert.False(t, rec.CreatedAt.IsZero())
	assertIndexesConsistent(t, r)
	runtime.KeepAlive(ref)
}

func TestGeneratedIDAndDefaultModule(t *testing.T) {
	r := New(nil)
	ref := NewRef(noopHandler())
	id := r.AddSubscription(Subscription{Record: Record{Pattern: "a.b"}, Ref: ref})

	assert.NotEmpty(t, id)
	assert.Equal(t, []string{id}, r.GetSubscriptionsByModule(DefaultModule))
	assert.Equal(t, []string{id}, r.GetSubscriptionsByModule(""))
	runtime.KeepAlive(ref)
}

func TestRemoveSubscription(t *testing.T) {
	r := New(nil)
	ref := add(t, r, "s1", "a.b", "m")

	assert.True(t, r.RemoveSubscription("s1"))
	assert.False(t, r.RemoveSubscription("s1"))
	assert.False(t, r.RemoveSubscription("unknown"))

	assert.Nil(t, r.GetHandler("s1"))
	assert.Empty(t, r.Patterns(), "empty pattern bucket should be dropped")
	s := r.Stats()
	assert.Zero(t, s.Modules)
	assert.Zero(t, s.Active)
	runtime.KeepAlive(ref)
}

func TestRemoveByModuleAndPattern(t *testing.T) {
	r := New(nil)
	refs := []*Ref{
		add(t, r, "s1", "a.b", "m1"),
		add(t, r, "s2", "a.c", "m1"),
		add(t, r, "s3", "a.b", "m2"),
	}

	assert.Equal(t, 2, r.RemoveSubscriptionsByModule("m1"))
	assert.Equal(t, []string{"s3"}, r.GetSubscriptionsByPattern("a.b"))
	assert.Empty(t, r.GetSubscriptionsByPattern("a.c"))

	assert.Equal(t, 1, r.RemoveSubscriptionsByPattern("a.b"))
	assert.Equal(t, 0, r.RemoveSubscriptionsByModule("m1"))
	assertIndexesConsistent(t, r)
	runtime.KeepAlive(refs)
}

func TestMatchExactAndWildcardOnce(t *testing.T) {
	r := New(nil)
	refs := []*Ref{
		add(t, r, "exact", "a.b.c", "m"),
		add(t, r, "wild", "a.b.*", "m"),
		add(t, r, "other", "a.x.*", "m"),
		add(t, r, "deep", "a.b.c.*", "m"),
	}

	matched := r.Match("a.b.c")
	assert.ElementsMatch(t, []string{"exact", "wild"}, matched)

	seen := map[string]int{}
	for _, id := range matched {
		seen[id]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "subscription %s matched more than once", id)
	}

	assert.Equal(t, []string{"deep"}, r.Match("a.b.c.d"))
	assert.Empty(t, r.Match("a.b"))
	runtime.KeepAlive(refs)
}

func TestResolveOrdersByPriority(t *testing.T) {
	r := New(nil)
	now := time.Now()
	var refs []*Ref
	for i, prio := range []event.Priority{event.PriorityLow, event.PriorityCritical, event.PriorityNormal} {
		ref := NewRef(noopHandler())
		refs = append(refs, ref)
		r.AddSubscription(Subscription{
			Record: Record{
				ID:        fmt.Sprintf("s%d", i),
				Pattern:   "a.b",
				Priority:  prio,
				CreatedAt: now.Add(time.Duration(i) * time.Millisecond),
			},
			Ref: ref,
		})
	}

	live := r.Resolve("a.b")
	require.Len(t, live, 3)
	assert.Equal(t, "s1", live[0].ID)
	assert.Equal(t, "s2", live[1].ID)
	assert.Equal(t, "s0", live[2].ID)
	for _, l := range live {
		assert.NotNil(t, l.Handler)
	}
	runtime.KeepAlive(refs)
}

func TestWeakReclamation(t *testing.T) {
	r := New(nil)
	keep := add(t, r, "kept", "a.b", "m")
	addDropped(r, "dropped", "a.b", "m")

	require.Eventually(t, func() bool {
		runtime.GC()
		return r.GetHandler("dropped") == nil
	}, 5*time.Second, 10*time.Millisecond)

	r.Cleanup()
	assert.NotContains(t, r.GetSubscriptionsByPattern("a.b"), "dropped")
	assert.NotContains(t, r.GetSubscriptionsByModule("m"), "dropped")
	_, ok := r.GetSubscription("dropped")
	assert.False(t, ok)

	assert.Equal(t, []string{"kept"}, r.GetSubscriptionsByPattern("a.b"))
	assert.GreaterOrEqual(t, r.Stats().Reclaimed, uint64(1))
	assertIndexesConsistent(t, r)
	runtime.KeepAlive(keep)
}

//go:noinline
func addRetained(r *Registry, id string) {
	r.AddSubscription(Subscription{
		Record: Record{ID: id, Pattern: "a.b"},
		Ref:    NewRef(noopHandler()),
		Retain: true,
	})
}

func TestRetainedSurvivesGC(t *testing.T) {
	r := New(nil)
	addRetained(r, "pinned")

	for range 3 {
		runtime.GC()
	}
	assert.Zero(t, r.Cleanup())
	assert.NotNil(t, r.GetHandler("pinned"))
	assert.Equal(t, 1, r.Stats().Pinned)

	assert.True(t, r.RemoveSubscription("pinned"))
	assert.Nil(t, r.GetHandler("pinned"))
}

func TestUpdateLastTriggered(t *testing.T) {
	r := New(nil)
	ref := add(t, r, "s1", "a.b", "m")

	assert.True(t, r.UpdateLastTriggered("s1"))
	assert.False(t, r.UpdateLastTriggered("missing"))
	rec, _ := r.GetSubscription("s1")
	assert.False(t, rec.LastTriggered.IsZero())
	runtime.KeepAlive(ref)
}

func TestDestroyResetsAndStaysUsable(t *testing.T) {
	r := New(nil)
	ref := add(t, r, "s1", "a.b", "m")
	r.Destroy()

	assert.Equal(t, Stats{}, r.Stats())
	assert.Nil(t, r.GetHandler("s1"))

	add(t, r, "s2", "a.b", "m")
	assert.Equal(t, []string{"s2"}, r.GetSubscriptionsByPattern("a.b"))
	runtime.KeepAlive(ref)
}

func TestRemoveAll(t *testing.T) {
	r := New(nil)
	refs := []*Ref{add(t, r, "s1", "a.b", "m"), add(t, r, "s2", "c.d", "n")}
	assert.Equal(t, 2, r.RemoveAll())
	assert.Zero(t, r.Stats().Active)
	assert.Equal(t, uint64(2), r.Stats().Removed)
	runtime.KeepAlive(refs)
}

func TestConcurrentAccess(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	refs := make([][]*Ref, 8)
	for g := range 8 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 100 {
				id := fmt.Sprintf("g%d-%d", g, i)
				ref := NewRef(noopHandler())
				refs[g] = append(refs[g], ref)
				r.AddSubscription(Subscription{Record: Record{ID: id, Pattern: "a.b", ModuleID: fmt.Sprintf("m%d", g)}, Ref: ref})
				_ = r.Match("a.b")
				if i%2 == 0 {
					r.RemoveSubscription(id)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 400, r.Stats().Active)
	assertIndexesConsistent(t, r)
	runtime.KeepAlive(refs)
}
