// Package event defines the immutable event record carried through a bus and
// the handler contract subscribers implement.
package event

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/drblury/nexbus/internal/runtime/metadata"
)

// Priority is informational. It is reported in metrics and passed to
// handlers but never reorders delivery.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps a priority name back to its value. Unknown names yield
// PriorityNormal and false.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	default:
		return PriorityNormal, false
	}
}

// Dedup asks the bus to drop repeats of this event inside Window. An empty
// Key means the deduplicator derives one from the pattern and payload.
type Dedup struct {
	Enabled bool          `json:"enabled"`
	Key     string        `json:"key,omitempty"`
	Window  time.Duration `json:"window_ns,omitempty"`
}

// Tracing carries W3C-compatible identifiers in hex form.
type Tracing struct {
	TraceID      string `json:"trace_id"`
	SpanID       string `json:"span_id"`
	ParentSpanID string `json:"parent_span_id,omitempty"`
}

// Metadata is the block every event carries next to its payload.
type Metadata struct {
	InstanceID    string            `json:"instance_id"`
	Source        string            `json:"source,omitempty"`
	SchemaVersion string            `json:"schema_version,omitempty"`
	Dedup         *Dedup            `json:"dedup,omitempty"`
	Tracing       Tracing           `json:"tracing"`
	Headers       metadata.Metadata `json:"headers,omitempty"`
}

// Event is one occurrence. It is built by the bus on emit and must not be
// mutated afterwards; handlers receive it by value.
type Event struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Priority  Priority  `json:"priority"`
	Metadata  Metadata  `json:"metadata"`
}

// DedupRequested reports whether the event asks for deduplication.
func (e Event) DedupRequested() bool {
	return e.Metadata.Dedup != nil && e.Metadata.Dedup.Enabled
}

// Clone returns a copy whose metadata maps can be modified independently.
// The payload is shared.
func (e Event) Clone() Event {
	out := e
	out.Metadata.Headers = e.Metadata.Headers.Clone()
	if e.Metadata.Dedup != nil {
		d := *e.Metadata.Dedup
		out.Metadata.Dedup = &d
	}
	return out
}

func (e Event) String() string {
	return fmt.Sprintf("%s[%s]", e.Pattern, e.ID)
}

// Handler processes one event delivered to a subscription.
type Handler interface {
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle calls f(ctx, evt).
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

// FilterFunc decides whether a subscription wants a matched event.
type FilterFunc func(evt Event) bool
