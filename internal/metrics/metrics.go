package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "palisade_session"

// Drop reasons recorded on the events_dropped_total counter.
const (
	DropOverflow   = "overflow"
	DropInactive   = "inactive"
	DropInvalid    = "invalid"
	DropFinalFlush = "final_flush"
	DropTeardown   = "teardown"
	DropRejected   = "rejected"
)

// Tracker holds the client-side counters shared by every session tracker in
// a process. A nil *Tracker is valid and records nothing.
type Tracker struct {
	eventsEnqueued   prometheus.Counter
	eventsDelivered  prometheus.Counter
	eventsDropped    *prometheus.CounterVec
	batchesDelivered prometheus.Counter
	deliveryFailures *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
}

// NewTracker creates the tracker counters and registers them with reg.
func NewTracker(reg prometheus.Registerer) (*Tracker, error) {
	m := &Tracker{
		eventsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_enqueued_total",
			Help:      "Events accepted into a session buffer.",
		}),
		eventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_delivered_total",
			Help:      "Events included in a successfully delivered batch.",
		}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events discarded without delivery, by reason.",
		}, []string{"reason"}),
		batchesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_delivered_total",
			Help:      "Batches acknowledged by the collector.",
		}),
		deliveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Failed calls to the collector, by operation.",
		}, []string{"op"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Trackers currently in the active state.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.eventsEnqueued, m.eventsDelivered, m.eventsDropped,
		m.batchesDelivered, m.deliveryFailures, m.sessionsActive,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Tracker) EventEnqueued() {
	if m == nil {
		return
	}
	m.eventsEnqueued.Inc()
}

func (m *Tracker) EventsDropped(reason string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Add(float64(n))
}

func (m *Tracker) BatchDelivered(events int) {
	if m == nil {
		return
	}
	m.batchesDelivered.Inc()
	m.eventsDelivered.Add(float64(events))
}

func (m *Tracker) DeliveryFailed(op string) {
	if m == nil {
		return
	}
	m.deliveryFailures.WithLabelValues(op).Inc()
}

func (m *Tracker) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Tracker) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

// Collector holds the server-side counters of the session collector.
type Collector struct {
	sessionsCreated   prometheus.Counter
	sessionsCompleted prometheus.Counter
	eventsReceived    prometheus.Counter
	eventsDuplicate   prometheus.Counter
	requestErrors     *prometheus.CounterVec
}

// NewCollector creates the collector counters and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	m := &Collector{
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "sessions_created_total",
			Help:      "Sessions registered by clients.",
		}),
		sessionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "sessions_completed_total",
			Help:      "Sessions marked complete by clients.",
		}),
		eventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_received_total",
			Help:      "Events written to the event sink.",
		}),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "events_duplicate_total",
			Help:      "Re-sent events skipped by sequence.",
		}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "request_errors_total",
			Help:      "Rejected or failed requests, by method and code.",
		}, []string{"method", "code"}),
	}

	for _, c := range []prometheus.Collector{
		m.sessionsCreated, m.sessionsCompleted, m.eventsReceived,
		m.eventsDuplicate, m.requestErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Collector) SessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Collector) SessionCompleted() {
	if m == nil {
		return
	}
	m.sessionsCompleted.Inc()
}

func (m *Collector) EventsReceived(n, duplicates int) {
	if m == nil {
		return
	}
	m.eventsReceived.Add(float64(n))
	m.eventsDuplicate.Add(float64(duplicates))
}

func (m *Collector) RequestError(method, code string) {
	if m == nil {
		return
	}
	m.requestErrors.WithLabelValues(method, code).Inc()
}

// Handler serves the metrics gathered by g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
