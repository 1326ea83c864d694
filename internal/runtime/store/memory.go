package store

import (
	"context"
	"slices"
	"sync"

	errspkg "github.com/drblury/nexbus/internal/runtime/errors"
	"github.com/drblury/nexbus/internal/runtime/event"
	"github.com/drblury/nexbus/internal/runtime/logging"
)

// MemoryDriver is the driver name of MemoryStore.
const MemoryDriver = "memory"

// DefaultMemoryCapacity bounds a MemoryStore unless configured otherwise.
const DefaultMemoryCapacity = 10_000

func init() {
	Register(MemoryDriver, func(_ context.Context, cfg Config, _ logging.ServiceLogger) (EventStore, error) {
		return NewMemory(cfg.GetStoragePrefix(), DefaultMemoryCapacity), nil
	})
}

// MemoryStore keeps events in a bounded slice. When full, the oldest event
// is dropped.
type MemoryStore struct {
	mu        sync.RWMutex
	namespace string
	capacity  int
	events    []event.Event
	closed    bool
}

// NewMemory creates a memory store. A non-positive capacity means
// DefaultMemoryCapacity.
func NewMemory(namespace string, capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryStore{namespace: namespace, capacity: capacity}
}

func (m *MemoryStore) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
	return nil
}

func (m *MemoryStore) Store(_ context.Context, evt event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errspkg.ErrStoreClosed
	}
	if len(m.events) >= m.capacity {
		m.events = slices.Delete(m.events, 0, len(m.events)-m.capacity+1)
	}
	m.events = append(m.events, evt.Clone())
	return nil
}

func (m *MemoryStore) AllEvents(context.Context) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errspkg.ErrStoreClosed
	}
	return slices.Clone(m.events), nil
}

func (m *MemoryStore) History(_ context.Context, p string, limit int) ([]event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errspkg.ErrStoreClosed
	}
	return filterHistory(m.events, p, limit), nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.events = nil
	return nil
}

// Namespace returns the storage prefix this store was built for.
func (m *MemoryStore) Namespace() string {
	return m.namespace
}
