package patterncache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nexbus/internal/runtime/pattern"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newTestCache(t *testing.T, capacity int, ttl time.Duration) (*Cache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := New(Options{Capacity: capacity, TTL: ttl, Now: clock.Now})
	t.Cleanup(c.Destroy)
	return c, clock
}

func TestValidateSecondCallIsHit(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)

	first := c.Validate("sales.order.created")
	second := c.Validate("sales.order.created")

	assert.Equal(t, first, second)
	m := c.Metrics()
	assert.Equal(t, uint64(1), m.Hits)
	assert.Equal(t, uint64(1), m.Misses)
	assert.Equal(t, uint64(2), m.TotalRequests)
	assert.InDelta(t, 50.0, m.HitRate, 0.001)
}

func TestInvalidPatternsAreCachedToo(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)

	res := c.Validate("sales.*")
	assert.False(t, res.Valid)
	assert.True(t, c.Has("sales.*"))
	assert.Equal(t, res, c.Validate("sales.*"))
}

func TestLRUBound(t *testing.T) {
	for _, n := range []int{1, 2, 5, 16} {
		t.Run(fmt.Sprintf("capacity_%d", n), func(t *testing.T) {
			c, _ := newTestCache(t, n, time.Minute)
			for i := 0; i <= n; i++ {
				c.Validate(fmt.Sprintf("ns.action%d", i))
			}
			assert.Equal(t, uint64(1), c.Metrics().Evictions)
			assert.LessOrEqual(t, c.Len(), n)
			assert.False(t, c.Has("ns.action0"), "oldest entry should be evicted")
		})
	}
}

func TestRecencyProtectsRecentlyRead(t *testing.T) {
	c, _ := newTestCache(t, 2, time.Minute)
	c.Validate("a.one")
	c.Validate("a.two")
	c.Validate("a.one") // refresh
	c.Validate("a.three")

	assert.True(t, c.Has("a.one"))
	assert.False(t, c.Has("a.two"))
	assert.Equal(t, []string{"a.three", "a.one"}, c.Info().Patterns)
}

func TestTTLExpiry(t *testing.T) {
	c, clock := newTestCache(t, 10, time.Second)
	c.Validate("a.b")
	clock.Advance(2 * time.Second)

	c.Validate("a.b")
	m := c.Metrics()
	assert.Equal(t, uint64(0), m.Hits)
	assert.Equal(t, uint64(2), m.Misses)
	assert.Equal(t, uint64(1), m.Expirations)
}

func TestZeroTTLNeverHits(t *testing.T) {
	c, _ := newTestCache(t, 10, 0)
	c.Validate("a.b")
	c.Validate("a.b")
	assert.Equal(t, uint64(0), c.Metrics().Hits)
}

func TestZeroCapacityStoresNothing(t *testing.T) {
	c, _ := newTestCache(t, 0, time.Minute)
	res := c.Validate("a.b")
	assert.True(t, res.Valid)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, uint64(1), c.Metrics().Evictions)
}

func TestSetDeleteClear(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)

	c.Set("custom.pattern", true, &pattern.Pattern{Raw: "custom.pattern", Namespace: "custom", Action: "pattern"})
	entry, ok := c.Entry("custom.pattern")
	require.True(t, ok)
	assert.Equal(t, "custom", entry.Result.Pattern.Namespace)

	c.Set("bad.pattern", false, nil)
	assert.False(t, c.Validate("bad.pattern").Valid)

	assert.True(t, c.Delete("custom.pattern"))
	assert.False(t, c.Delete("custom.pattern"))

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestWarmUpAndCleanup(t *testing.T) {
	c, clock := newTestCache(t, 10, time.Second)

	assert.Equal(t, 3, c.WarmUp([]string{"a.b", "a.c", "a.d"}))
	assert.Equal(t, 0, c.WarmUp([]string{"a.b"}))

	clock.Advance(500 * time.Millisecond)
	c.WarmUp([]string{"a.e"})
	clock.Advance(600 * time.Millisecond)

	assert.Equal(t, 3, c.Cleanup())
	assert.Equal(t, []string{"a.e"}, c.Info().Patterns)
}

func TestAccessBookkeeping(t *testing.T) {
	c, _ := newTestCache(t, 10, time.Minute)
	c.Validate("a.b")
	c.Validate("a.b")
	c.Validate("a.b")

	entry, ok := c.Entry("a.b")
	require.True(t, ok)
	assert.Equal(t, uint64(2), entry.AccessCount)
}

func TestBackgroundSweep(t *testing.T) {
	c := New(Options{Capacity: 10, TTL: 10 * time.Millisecond, SweepInterval: 5 * time.Millisecond})
	defer c.Destroy()

	c.Validate("a.b")
	require.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestDestroyIsIdempotent(t *testing.T) {
	c := New(Options{Capacity: 10, TTL: time.Minute, SweepInterval: time.Millisecond})
	c.Validate("a.b")
	c.Destroy()
	c.Destroy()

	info := c.Info()
	assert.True(t, info.Destroyed)
	assert.Equal(t, 0, info.Size)
}

func TestConcurrentValidateAndEvict(t *testing.T) {
	c := New(Options{Capacity: 8, TTL: time.Minute})
	defer c.Destroy()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				res := c.Validate(fmt.Sprintf("ns.a%d", (g*i)%32))
				if !res.Valid {
					t.Errorf("expected valid pattern")
					return
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 8)
}
