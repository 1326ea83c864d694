// Package patterncache memoizes pattern validation results behind an LRU with
// per-entry time-to-live and a background expiry sweep.
package patterncache

import (
	"container/list"
	"sync"
	"time"

	"github.com/drblury/nexbus/internal/runtime/pattern"
)

const (
	DefaultCapacity      = 1000
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Options configures a Cache. Values are used as given: a zero Capacity
// stores nothing and a zero TTL expires every entry on its next read.
type Options struct {
	Capacity int
	TTL      time.Duration
	// SweepInterval controls the background expiry sweep. Zero disables it.
	SweepInterval time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// DefaultOptions returns the options used by buses unless configured otherwise.
func DefaultOptions() Options {
	return Options{
		Capacity:      DefaultCapacity,
		TTL:           DefaultTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// Entry is one memoized validation result.
type Entry struct {
	Pattern     string
	Result      pattern.Result
	InsertedAt  time.Time
	AccessCount uint64
	LastAccess  time.Time
}

// Metrics summarises cache effectiveness.
type Metrics struct {
	Hits          uint64        `json:"hits"`
	Misses        uint64        `json:"misses"`
	Evictions     uint64        `json:"evictions"`
	Expirations   uint64        `json:"expirations"`
	TotalRequests uint64        `json:"total_requests"`
	HitRate       float64       `json:"hit_rate"`
	AvgAccessTime time.Duration `json:"avg_access_time_ns"`
}

// Info describes the cache's shape and contents.
type Info struct {
	Size          int           `json:"size"`
	Capacity      int           `json:"capacity"`
	TTL           time.Duration `json:"ttl_ns"`
	SweepInterval time.Duration `json:"sweep_interval_ns"`
	Patterns      []string      `json:"patterns"`
	Destroyed     bool          `json:"destroyed"`
}

// Cache is safe for concurrent use. Recency is tracked with an explicit
// most-recently-used list: the front is the newest entry.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	opts    Options
	now     func() time.Time

	hits, misses, evictions, expirations uint64
	avgAccess                            time.Duration

	stop      chan struct{}
	stopOnce  sync.Once
	sweepDone chan struct{}
	destroyed bool
}

// New creates a cache and starts its sweep goroutine when SweepInterval > 0.
func New(opts Options) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	if opts.Capacity < 0 {
		opts.Capacity = 0
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		opts:    opts,
		now:     now,
		stop:    make(chan struct{}),
	}
	if opts.SweepInterval > 0 {
		c.sweepDone = make(chan struct{})
		go c.sweepLoop(opts.SweepInterval)
	}
	return c
}

// Validate returns the memoized result for raw, validating and storing it on
// a miss or after expiry.
func (c *Cache) Validate(raw string) pattern.Result {
	start := time.Now()

	c.mu.Lock()
	defer func() {
		c.recordAccess(time.Since(start))
		c.mu.Unlock()
	}()

	now := c.now()
	if el, ok := c.entries[raw]; ok {
		entry := el.Value.(*Entry)
		if !c.expired(entry, now) {
			c.hits++
			entry.AccessCount++
			entry.LastAccess = now
			c.order.MoveToFront(el)
			return entry.Result
		}
		c.removeElement(el)
		c.expirations++
	}

	c.misses++
	res := pattern.Validate(raw)
	c.store(raw, res, now)
	return res
}

// Has reports whether a live entry exists for raw. It does not count as an
// access.
func (c *Cache) Has(raw string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[raw]
	if !ok {
		return false
	}
	if c.expired(el.Value.(*Entry), c.now()) {
		c.removeElement(el)
		c.expirations++
		return false
	}
	return true
}

// Set stores an explicit validation result, replacing any existing entry.
func (c *Cache) Set(raw string, valid bool, decomposed *pattern.Pattern) {
	res := pattern.Result{Valid: valid}
	if valid && decomposed != nil {
		res.Pattern = *decomposed
	}
	if !valid {
		res.Reason = "marked invalid"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[raw]; ok {
		c.removeElement(el)
	}
	c.store(raw, res, c.now())
}

// Delete removes raw and reports whether it was present.
func (c *Cache) Delete(raw string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[raw]
	if !ok {
		return false
	}
	c.removeElement(el)
	return true
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
}

// WarmUp validates and stores patterns that are not cached yet, returning
// how many were added.
func (c *Cache) WarmUp(patterns []string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	warmed := 0
	for _, raw := range patterns {
		if el, ok := c.entries[raw]; ok {
			if !c.expired(el.Value.(*Entry), now) {
				continue
			}
			c.removeElement(el)
		}
		c.store(raw, pattern.Validate(raw), now)
		if _, ok := c.entries[raw]; ok {
			warmed++
		}
	}
	return warmed
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *Cache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*Entry), now) {
			c.removeElement(el)
			c.expirations++
			removed++
		}
		el = prev
	}
	return removed
}

// Metrics returns a snapshot; the hit rate is computed on read.
func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	m := Metrics{
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Expirations:   c.expirations,
		TotalRequests: total,
		AvgAccessTime: c.avgAccess,
	}
	if total > 0 {
		m.HitRate = float64(c.hits) / float64(total) * 100
	}
	return m
}

// Info returns the cache configuration and current keys, newest first.
func (c *Cache) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*Entry).Pattern)
	}
	return Info{
		Size:          c.order.Len(),
		Capacity:      c.opts.Capacity,
		TTL:           c.opts.TTL,
		SweepInterval: c.opts.SweepInterval,
		Patterns:      keys,
		Destroyed:     c.destroyed,
	}
}

// Entry returns a copy of the stored entry for raw.
func (c *Cache) Entry(raw string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[raw]
	if !ok {
		return Entry{}, false
	}
	return *el.Value.(*Entry), true
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Destroy stops the sweep goroutine and drops all entries. It is idempotent.
func (c *Cache) Destroy() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.sweepDone != nil {
			<-c.sweepDone
		}
	})
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.destroyed = true
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.Cleanup()
		}
	}
}

// store must be called with mu held.
func (c *Cache) store(raw string, res pattern.Result, now time.Time) {
	if c.opts.Capacity == 0 {
		c.evictions++
		return
	}
	for c.order.Len() >= c.opts.Capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}
	entry := &Entry{
		Pattern:    raw,
		Result:     res,
		InsertedAt: now,
		LastAccess: now,
	}
	c.entries[raw] = c.order.PushFront(entry)
}

func (c *Cache) removeElement(el *list.Element) {
	entry := c.order.Remove(el).(*Entry)
	delete(c.entries, entry.Pattern)
}

func (c *Cache) expired(entry *Entry, now time.Time) bool {
	if c.opts.TTL <= 0 {
		return true
	}
	return now.Sub(entry.InsertedAt) >= c.opts.TTL
}

// recordAccess keeps an exponentially weighted access time. It is advisory.
func (c *Cache) recordAccess(sample time.Duration) {
	if c.avgAccess == 0 {
		c.avgAccess = sample
		return
	}
	c.avgAccess = (c.avgAccess + sample) / 2
}
