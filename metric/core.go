package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains all platform-level metrics for the pipeline.
// Domain-specific counters are labeled by source profile or output
// format so operators can tell which producer or format misbehaves.
type Metrics struct {
	// Pipeline metrics
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesDropped    *prometheus.CounterVec
	TopicsPublished    *prometheus.CounterVec
	TopicsSkipped      *prometheus.CounterVec
	TransformErrors    *prometheus.CounterVec
	DiscoveryRequests  prometheus.Counter
	FallbacksServed    prometheus.Counter
	CacheWrites        *prometheus.CounterVec
	PersistWrites      *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec

	// Structure registry metrics
	RegistrySize          prometheus.Gauge
	AnnouncementsIngested prometheus.Counter
	AnnouncementsRejected prometheus.Counter

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all platform metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "pipeline",
				Name:      "messages_received_total",
				Help:      "Total number of raw messages received",
			},
			[]string{"profile"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "pipeline",
				Name:      "messages_processed_total",
				Help:      "Total number of messages fully processed",
			},
			[]string{"profile", "format"},
		),

		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "pipeline",
				Name:      "messages_dropped_total",
				Help:      "Total number of messages dropped, by stage",
			},
			[]string{"profile", "stage"},
		),

		TopicsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "pipeline",
				Name:      "topics_published_total",
				Help:      "Total number of topic publishes in fan-out",
			},
			[]string{"format"},
		),

		TopicsSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "pipeline",
				Name:      "topics_skipped_total",
				Help:      "Total number of derived topics skipped as invalid",
			},
			[]string{"format"},
		),

		TransformErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "pipeline",
				Name:      "transform_errors_total",
				Help:      "Total number of transform failures",
			},
			[]string{"format"},
		),

		DiscoveryRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "structure",
				Name:      "discovery_requests_total",
				Help:      "Total number of discovery requests published",
			},
		),

		FallbacksServed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "structure",
				Name:      "fallbacks_served_total",
				Help:      "Total number of fallback hierarchy paths served",
			},
		),

		CacheWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "pipeline",
				Name:      "cache_writes_total",
				Help:      "Total number of cache writes, by outcome",
			},
			[]string{"kind", "status"},
		),

		PersistWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "pipeline",
				Name:      "persist_writes_total",
				Help:      "Total number of history store appends, by outcome",
			},
			[]string{"status"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "unsflow",
				Subsystem: "pipeline",
				Name:      "processing_duration_seconds",
				Help:      "End-to-end per-message processing duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"profile"},
		),

		RegistrySize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "unsflow",
				Subsystem: "structure",
				Name:      "registry_size",
				Help:      "Number of equipment ids with known hierarchy",
			},
		),

		AnnouncementsIngested: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "structure",
				Name:      "announcements_ingested_total",
				Help:      "Total number of structure announcements accepted",
			},
		),

		AnnouncementsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "structure",
				Name:      "announcements_rejected_total",
				Help:      "Total number of structure announcements rejected as invalid",
			},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "unsflow",
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (1=connected, 0=disconnected)",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "unsflow",
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "unsflow",
				Subsystem: "nats",
				Name:      "circuit_breaker_open",
				Help:      "NATS circuit breaker state (1=open, 0=closed)",
			},
		),
	}
}

// collectors returns every collector in the core metrics set for
// registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesProcessed,
		m.MessagesDropped,
		m.TopicsPublished,
		m.TopicsSkipped,
		m.TransformErrors,
		m.DiscoveryRequests,
		m.FallbacksServed,
		m.CacheWrites,
		m.PersistWrites,
		m.ProcessingDuration,
		m.RegistrySize,
		m.AnnouncementsIngested,
		m.AnnouncementsRejected,
		m.NATSConnected,
		m.NATSReconnects,
		m.NATSCircuitBreaker,
	}
}
