package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/nexbus/internal/runtime/config"
	"github.com/drblury/nexbus/internal/runtime/event"
	loggingpkg "github.com/drblury/nexbus/internal/runtime/logging"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func testConfig() configpkg.Config {
	conf := configpkg.Default()
	conf.TestModeEnabled = true
	return conf
}

// newReadyBus builds and initializes a bus that is shut down with the test.
func newReadyBus(t *testing.T, conf configpkg.Config, deps BusDependencies) *Bus {
	t.Helper()
	bus, err := NewBus(conf, newTestLogger(), deps)
	require.NoError(t, err)
	require.NoError(t, bus.Init(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.GracefulShutdown(ctx)
	})
	return bus
}

// recorder is a handler that remembers every event it saw.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
	err    error
}

func (r *recorder) Handle(_ context.Context, evt event.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return r.err
}

func (r *recorder) Events() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
