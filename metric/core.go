package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all protocol-level metrics (not analysis-specific)
type Metrics struct {
	// Envelope flow
	EnvelopesPublished *prometheus.CounterVec
	EnvelopesReceived  *prometheus.CounterVec
	EnvelopesMalformed *prometheus.CounterVec
	DuplicatesDropped  *prometheus.CounterVec
	PublishRetries     prometheus.Counter

	// Invocation lifecycle
	InvocationsStarted  *prometheus.CounterVec
	InvocationsResolved *prometheus.CounterVec
	InvocationsInFlight prometheus.Gauge
	AwaitDuration       *prometheus.HistogramVec
	GapMarkers          prometheus.Counter

	// NATS connection
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all protocol metrics
func NewMetrics() *Metrics {
	return &Metrics{
		EnvelopesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "askflow",
				Subsystem: "envelopes",
				Name:      "published_total",
				Help:      "Total number of envelopes published, by envelope kind",
			},
			[]string{"service", "kind"},
		),

		EnvelopesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "askflow",
				Subsystem: "envelopes",
				Name:      "received_total",
				Help:      "Total number of envelopes delivered to handlers, by envelope kind",
			},
			[]string{"service", "kind"},
		),

		EnvelopesMalformed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "askflow",
				Subsystem: "envelopes",
				Name:      "malformed_total",
				Help:      "Total number of envelopes that failed decoding and were dead-lettered",
			},
			[]string{"service"},
		),

		DuplicatesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "askflow",
				Subsystem: "envelopes",
				Name:      "duplicates_dropped_total",
				Help:      "Total number of redelivered envelopes deduped by ordering number",
			},
			[]string{"service"},
		),

		PublishRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "askflow",
				Subsystem: "envelopes",
				Name:      "publish_retries_total",
				Help:      "Total number of transparent publish retries inside the transport adapter",
			},
		),

		InvocationsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "askflow",
				Subsystem: "invocations",
				Name:      "started_total",
				Help:      "Total number of questions sent, by target child service",
			},
			[]string{"child"},
		),

		InvocationsResolved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "askflow",
				Subsystem: "invocations",
				Name:      "resolved_total",
				Help:      "Total number of invocations resolved, by terminal state",
			},
			[]string{"state"},
		),

		InvocationsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "askflow",
				Subsystem: "invocations",
				Name:      "in_flight",
				Help:      "Number of unresolved invocations in the correlation registry",
			},
		),

		AwaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "askflow",
				Subsystem: "invocations",
				Name:      "await_duration_seconds",
				Help:      "Time from question publish to terminal resolution",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"child"},
		),

		GapMarkers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "askflow",
				Subsystem: "invocations",
				Name:      "gap_markers_total",
				Help:      "Total number of reorder-timeout gap markers forwarded to callers",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "askflow",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "Whether the NATS connection is healthy (1) or not (0)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "askflow",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
	}
}

// collectors returns every core metric for bulk registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EnvelopesPublished,
		m.EnvelopesReceived,
		m.EnvelopesMalformed,
		m.DuplicatesDropped,
		m.PublishRetries,
		m.InvocationsStarted,
		m.InvocationsResolved,
		m.InvocationsInFlight,
		m.AwaitDuration,
		m.GapMarkers,
		m.NATSConnected,
		m.NATSReconnects,
	}
}
