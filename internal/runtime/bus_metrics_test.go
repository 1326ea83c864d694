package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/nexbus/internal/runtime/event"
	"github.com/drblury/nexbus/internal/runtime/processing"
)

func TestBusMetricsRecordEvent(t *testing.T) {
	m := newBusMetrics("bus-1", nil)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	m.recordEvent(event.PriorityHigh, 10*time.Millisecond, processing.Report{Matched: 3, Delivered: 2, Failed: 1})
	m.recordEvent(event.PriorityLow, 20*time.Millisecond, processing.Report{})
	m.recordDuplicate(event.PriorityLow)
	m.recordRejected()
	m.recordPersisted()

	snap := m.snapshot()
	assert.Equal(t, uint64(2), snap.TotalEvents)
	assert.Equal(t, uint64(1), snap.DuplicateEvents)
	assert.Equal(t, uint64(1), snap.RejectedEvents)
	assert.Equal(t, uint64(1), snap.PersistedEvents)
	assert.Equal(t, uint64(2), snap.HandlersDelivered)
	assert.Equal(t, uint64(1), snap.HandlersFailed)
	assert.Equal(t, map[string]uint64{"high": 1, "low": 1}, snap.EventsByPrio)
	assert.InDelta(t, float64(12*time.Millisecond), float64(snap.AverageLatency), float64(time.Microsecond))
	assert.InDelta(t, 2.0/60.0, snap.EventsPerSecond, 1e-9)
	assert.Equal(t, now, snap.LastEventAt)

	assert.InDelta(t, 1, testutil.ToFloat64(m.eventsTotal.WithLabelValues("high", "dispatched")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.eventsTotal.WithLabelValues("low", "duplicate")), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.handlerResults.WithLabelValues("delivered")), 0)
}

func TestBusMetricsRateWindow(t *testing.T) {
	m := newBusMetrics("bus-1", nil)
	now := time.Unix(1_700_000_000, 0)
	m.now = func() time.Time { return now }

	m.recordEvent(event.PriorityNormal, time.Millisecond, processing.Report{})
	now = now.Add(2 * time.Minute)
	m.recordEvent(event.PriorityNormal, time.Millisecond, processing.Report{})

	assert.InDelta(t, 1.0/60.0, m.snapshot().EventsPerSecond, 1e-9)
}

func TestBusMetricsSample(t *testing.T) {
	m := newBusMetrics("bus-1", nil)
	m.sample(4, ResourceUsage{HeapBytes: 1024, Goroutines: 7})

	snap := m.snapshot()
	assert.Equal(t, uint64(1024), snap.Resources.HeapBytes)
	assert.InDelta(t, 4, testutil.ToFloat64(m.subscriptions), 0)
}

func TestBusMetricsRegisterLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newBusMetrics("bus-1", reg)

	require.NoError(t, m.Register())
	require.NoError(t, m.Register())
	m.setQueueDepth(3)

	count, err := testutil.GatherAndCount(reg, "nexbus_bus_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	m.Unregister()
	m.Unregister()
	count, err = testutil.GatherAndCount(reg, "nexbus_bus_queue_depth")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestBusMetricsSharedRegistryKeepsInstancesApart(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newBusMetrics("bus-a", reg)
	b := newBusMetrics("bus-b", reg)
	require.NoError(t, a.Register())
	require.NoError(t, b.Register())

	a.setQueueDepth(1)
	b.setQueueDepth(2)
	count, err := testutil.GatherAndCount(reg, "nexbus_bus_queue_depth")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBusMetricsWithoutRegisterer(t *testing.T) {
	m := newBusMetrics("bus-1", nil)
	require.NoError(t, m.Register())
	m.Unregister()
}
