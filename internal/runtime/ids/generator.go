// Package ids produces the identifiers a bus instance stamps on events,
// subscriptions and traces.
package ids

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

// Generator is a per-instance identifier source backed by crypto/rand.
// ULIDs are monotonic within one generator.
type Generator struct {
	mu        sync.Mutex
	entropy   *ulid.MonotonicEntropy
	random    io.Reader
	destroyed bool
}

// NewGenerator returns a generator reading from crypto/rand.
func NewGenerator() *Generator {
	return NewGeneratorWithReader(rand.Reader)
}

// NewGeneratorWithReader returns a generator reading from r. Tests use it to
// make identifiers deterministic.
func NewGeneratorWithReader(r io.Reader) *Generator {
	return &Generator{
		entropy: ulid.Monotonic(r, 0),
		random:  r,
	}
}

// EventID returns a time-sortable ULID.
func (g *Generator) EventID() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.destroyed {
		return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	}
	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy).String()
}

// SubscriptionID returns a ULID prefixed with "sub_".
func (g *Generator) SubscriptionID() string {
	return "sub_" + g.EventID()
}

// TraceID returns a W3C compatible 16-byte trace id in hex.
func (g *Generator) TraceID() string {
	var id trace.TraceID
	g.fill(id[:])
	return id.String()
}

// SpanID returns a W3C compatible 8-byte span id in hex.
func (g *Generator) SpanID() string {
	var id trace.SpanID
	g.fill(id[:])
	return id.String()
}

func (g *Generator) fill(b []byte) {
	g.mu.Lock()
	r := g.random
	if g.destroyed || r == nil {
		r = rand.Reader
	}
	_, err := io.ReadFull(r, b)
	g.mu.Unlock()
	if err != nil {
		// crypto/rand never fails on supported platforms; fall back anyway.
		_, _ = io.ReadFull(rand.Reader, b)
	}
}

// Destroy drops the monotonic state. Identifiers requested afterwards are
// still unique but no longer monotonic.
func (g *Generator) Destroy() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed = true
	g.entropy = nil
	g.random = nil
}

// InstanceID returns a random instance identifier.
func InstanceID() string {
	return "bus-" + uuid.NewString()
}

// FactoryID returns a random factory identifier.
func FactoryID() string {
	return "factory-" + uuid.NewString()
}
