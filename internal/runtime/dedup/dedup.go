// Package dedup decides whether an event repeats one seen inside its
// deduplication window.
package dedup

import (
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/drblury/nexbus/internal/runtime/event"
	"github.com/drblury/nexbus/internal/runtime/jsoncodec"
)

// DefaultWindow applies when neither the event nor the deduplicator names one.
const DefaultWindow = 5 * time.Second

// Metrics reports how often checks found a duplicate. DeduplicationRate is a
// percentage.
type Metrics struct {
	Checks            uint64  `json:"checks"`
	Duplicates        uint64  `json:"duplicates"`
	Tracked           int     `json:"tracked"`
	DeduplicationRate float64 `json:"deduplication_rate"`
}

// Deduplicator is consulted by the bus before persistence and dispatch.
type Deduplicator interface {
	IsDuplicate(evt event.Event) bool
	Metrics() Metrics
}

// WindowDeduplicator remembers keys for the length of their window. The first
// occurrence opens the window; repeats inside it do not extend it. Closed
// windows are swept at most once per default window during IsDuplicate, so
// the key set stays bounded without an external Cleanup loop.
type WindowDeduplicator struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	window    time.Duration
	now       func() time.Time
	nextSweep time.Time

	checks, duplicates uint64
}

// Option customises a WindowDeduplicator.
type Option func(*WindowDeduplicator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *WindowDeduplicator) {
		if now != nil {
			d.now = now
		}
	}
}

// NewWindow creates a deduplicator whose default window is window, or
// DefaultWindow when window is not positive.
func NewWindow(window time.Duration, opts ...Option) *WindowDeduplicator {
	if window <= 0 {
		window = DefaultWindow
	}
	d := &WindowDeduplicator{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// IsDuplicate records evt and reports whether its key is still inside a
// previous occurrence's window. Events that do not request deduplication are
// never duplicates.
func (d *WindowDeduplicator) IsDuplicate(evt event.Event) bool {
	if !evt.DedupRequested() {
		return false
	}
	key := Key(evt)
	window := evt.Metadata.Dedup.Window
	if window <= 0 {
		window = d.window
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if !now.Before(d.nextSweep) {
		d.pruneLocked(now)
	}
	d.checks++
	if expires, ok := d.seen[key]; ok && now.Before(expires) {
		d.duplicates++
		return true
	}
	d.seen[key] = now.Add(window)
	return false
}

// Cleanup forgets keys whose window has closed and returns how many were
// dropped.
func (d *WindowDeduplicator) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pruneLocked(d.now())
}

func (d *WindowDeduplicator) pruneLocked(now time.Time) int {
	n := 0
	for k, expires := range d.seen {
		if !now.Before(expires) {
			delete(d.seen, k)
			n++
		}
	}
	d.nextSweep = now.Add(d.window)
	return n
}

// Reset forgets every key and zeroes the counters.
func (d *WindowDeduplicator) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]time.Time)
	d.nextSweep = time.Time{}
	d.checks, d.duplicates = 0, 0
}

func (d *WindowDeduplicator) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()

	m := Metrics{Checks: d.checks, Duplicates: d.duplicates, Tracked: len(d.seen)}
	if d.checks > 0 {
		m.DeduplicationRate = float64(d.duplicates) / float64(d.checks) * 100
	}
	return m
}

// Key returns the explicit dedup key of evt, or an xxhash of its pattern and
// JSON-encoded payload.
func Key(evt event.Event) string {
	if evt.Metadata.Dedup != nil && evt.Metadata.Dedup.Key != "" {
		return evt.Metadata.Dedup.Key
	}
	h := xxhash.New()
	_, _ = h.WriteString(evt.Pattern)
	_, _ = h.Write([]byte{0})
	if body, err := jsoncodec.MarshalPayload(evt.Payload); err == nil {
		_, _ = h.Write(body)
	}
	return evt.Pattern + "#" + strconv.FormatUint(h.Sum64(), 16)
}
