package runtime

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/nexbus/internal/runtime/event"
	"github.com/drblury/nexbus/internal/runtime/processing"
)

const (
	// rateWindow is the span events-per-second is computed over.
	rateWindow = time.Minute
	// latencyAlpha weights the newest sample in the latency average.
	latencyAlpha = 0.2
)

// MetricsSnapshot is a point-in-time view of one bus instance.
type MetricsSnapshot struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	Paused     bool   `json:"paused"`

	TotalEvents     uint64            `json:"total_events"`
	DuplicateEvents uint64            `json:"duplicate_events"`
	PersistedEvents uint64            `json:"persisted_events"`
	RemoteEvents    uint64            `json:"remote_events"`
	RejectedEvents  uint64            `json:"rejected_events"`
	EventsByPrio    map[string]uint64 `json:"events_by_priority"`

	HandlersDelivered uint64 `json:"handlers_delivered"`
	HandlersFailed    uint64 `json:"handlers_failed"`

	EventsPerSecond float64       `json:"events_per_second"`
	AverageLatency  time.Duration `json:"average_latency_ns"`
	QueueDepth      int64         `json:"queue_depth"`

	Subscriptions     int     `json:"subscriptions"`
	CacheHitRate      float64 `json:"cache_hit_rate"`
	DeduplicationRate float64 `json:"deduplication_rate"`

	Resources   ResourceUsage `json:"resources"`
	LastEventAt time.Time     `json:"last_event_at,omitempty"`
	CollectedAt time.Time     `json:"collected_at"`
}

// busMetrics keeps the running counters of one instance and mirrors them into
// Prometheus collectors labelled with the instance id.
type busMetrics struct {
	mu sync.Mutex

	window       []time.Time
	total        uint64
	duplicates   uint64
	persisted    uint64
	remote       uint64
	rejected     uint64
	delivered    uint64
	failed       uint64
	byPriority   map[event.Priority]uint64
	avgLatency   time.Duration
	lastEventAt  time.Time
	lastResource ResourceUsage
	now          func() time.Time

	eventsTotal    *prometheus.CounterVec
	handlerResults *prometheus.CounterVec
	latency        prometheus.Histogram
	queueDepth     prometheus.Gauge
	subscriptions  prometheus.Gauge
	eventRate      prometheus.Gauge

	registerer prometheus.Registerer
	registered bool
}

func newBusMetrics(instanceID string, registerer prometheus.Registerer) *busMetrics {
	labels := prometheus.Labels{"instance": instanceID}
	return &busMetrics{
		byPriority: make(map[event.Priority]uint64),
		now:        time.Now,
		registerer: registerer,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "nexbus",
			Subsystem:   "bus",
			Name:        "events_total",
			Help:        "Events accepted by the bus, by priority and outcome",
			ConstLabels: labels,
		}, []string{"priority", "outcome"}),
		handlerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "nexbus",
			Subsystem:   "bus",
			Name:        "handler_results_total",
			Help:        "Handler invocations by result",
			ConstLabels: labels,
		}, []string{"result"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "nexbus",
			Subsystem:   "bus",
			Name:        "emit_duration_seconds",
			Help:        "Time from emit to dispatch completion",
			Buckets:     []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			ConstLabels: labels,
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nexbus",
			Subsystem:   "bus",
			Name:        "queue_depth",
			Help:        "Events currently being dispatched",
			ConstLabels: labels,
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nexbus",
			Subsystem:   "bus",
			Name:        "subscriptions",
			Help:        "Live subscriptions",
			ConstLabels: labels,
		}),
		eventRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "nexbus",
			Subsystem:   "bus",
			Name:        "events_per_second",
			Help:        "Events per second over the last minute",
			ConstLabels: labels,
		}),
	}
}

func (m *busMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.eventsTotal, m.handlerResults, m.latency, m.queueDepth, m.subscriptions, m.eventRate}
}

// Register registers the collectors. It is a no-op without a registerer and
// safe to call more than once.
func (m *busMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered || m.registerer == nil {
		return nil
	}
	for _, c := range m.collectors() {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// Unregister removes the collectors so a destroyed instance stops reporting.
func (m *busMetrics) Unregister() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.registered {
		return
	}
	for _, c := range m.collectors() {
		m.registerer.Unregister(c)
	}
	m.registered = false
}

func (m *busMetrics) recordEvent(prio event.Priority, latency time.Duration, report processing.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.total++
	m.byPriority[prio]++
	m.delivered += uint64(report.Delivered)
	m.failed += uint64(report.Failed)
	m.lastEventAt = now
	m.window = append(m.window, now)
	m.pruneLocked(now)

	if m.avgLatency == 0 {
		m.avgLatency = latency
	} else {
		m.avgLatency = time.Duration(float64(m.avgLatency)*(1-latencyAlpha) + float64(latency)*latencyAlpha)
	}

	m.eventsTotal.WithLabelValues(prio.String(), "dispatched").Inc()
	m.handlerResults.WithLabelValues("delivered").Add(float64(report.Delivered))
	m.handlerResults.WithLabelValues("failed").Add(float64(report.Failed))
	m.handlerResults.WithLabelValues("filtered").Add(float64(report.Filtered))
	m.latency.Observe(latency.Seconds())
	m.eventRate.Set(m.rateLocked())
}

func (m *busMetrics) recordDuplicate(prio event.Priority) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicates++
	m.eventsTotal.WithLabelValues(prio.String(), "duplicate").Inc()
}

func (m *busMetrics) recordPersisted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted++
}

func (m *busMetrics) recordRejected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected++
	m.eventsTotal.WithLabelValues("none", "rejected").Inc()
}

func (m *busMetrics) recordRemote(prio event.Priority, report processing.Report) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remote++
	m.delivered += uint64(report.Delivered)
	m.failed += uint64(report.Failed)
	m.eventsTotal.WithLabelValues(prio.String(), "remote").Inc()
}

func (m *busMetrics) setQueueDepth(depth int64) {
	m.queueDepth.Set(float64(depth))
}

// sample runs on the metrics timer.
func (m *busMetrics) sample(subscriptions int, usage ResourceUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(m.now())
	m.lastResource = usage
	m.subscriptions.Set(float64(subscriptions))
	m.eventRate.Set(m.rateLocked())
}

// pruneLocked drops timestamps older than the rate window.
func (m *busMetrics) pruneLocked(now time.Time) {
	cutoff := now.Add(-rateWindow)
	i := 0
	for i < len(m.window) && m.window[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		m.window = append(m.window[:0], m.window[i:]...)
	}
}

func (m *busMetrics) rateLocked() float64 {
	return float64(len(m.window)) / rateWindow.Seconds()
}

func (m *busMetrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked(m.now())
	byPrio := make(map[string]uint64, len(m.byPriority))
	for p, n := range m.byPriority {
		byPrio[p.String()] = n
	}
	return MetricsSnapshot{
		TotalEvents:       m.total,
		DuplicateEvents:   m.duplicates,
		PersistedEvents:   m.persisted,
		RemoteEvents:      m.remote,
		RejectedEvents:    m.rejected,
		EventsByPrio:      byPrio,
		HandlersDelivered: m.delivered,
		HandlersFailed:    m.failed,
		EventsPerSecond:   m.rateLocked(),
		AverageLatency:    m.avgLatency,
		Resources:         m.lastResource,
		LastEventAt:       m.lastEventAt,
		CollectedAt:       m.now(),
	}
}
