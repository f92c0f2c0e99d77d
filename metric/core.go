package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CoreMetrics contains pipeline-level metrics shared across components
// (not component-specific; those live with their component).
type CoreMetrics struct {
	DeltasObserved *prometheus.CounterVec
	BytesObserved  *prometheus.CounterVec
	GatewayUp      *prometheus.GaugeVec
	AdapterErrors  *prometheus.CounterVec
	EventsDropped  *prometheus.CounterVec
	FlushDuration  *prometheus.HistogramVec
	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
	HealthStatus   *prometheus.GaugeVec
}

// NewCoreMetrics creates the shared pipeline metrics
func NewCoreMetrics() *CoreMetrics {
	return &CoreMetrics{
		DeltasObserved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "deltas_observed_total",
				Help:      "Traffic deltas observed per gateway and source",
			},
			[]string{"gateway", "source"},
		),
		BytesObserved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "bytes_observed_total",
				Help:      "Traffic bytes observed per gateway and direction",
			},
			[]string{"gateway", "direction"},
		),
		GatewayUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "gateway",
				Name:      "up",
				Help:      "Gateway connectivity (1=connected/polling, 0=down)",
			},
			[]string{"gateway", "kind"},
		),
		AdapterErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "gateway",
				Name:      "adapter_errors_total",
				Help:      "Adapter errors per gateway and class",
			},
			[]string{"gateway", "class"},
		),
		EventsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "events_dropped_total",
				Help:      "Events dropped per component and reason",
			},
			[]string{"component", "reason"},
		),
		FlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "pipeline",
				Name:      "flush_duration_seconds",
				Help:      "Batch flush duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"side"},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (1=connected)",
			},
		),
		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total NATS reconnections",
			},
		),
		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Component health (0=unhealthy, 1=degraded, 2=healthy)",
			},
			[]string{"component"},
		),
	}
}

func (m *CoreMetrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.DeltasObserved,
		m.BytesObserved,
		m.GatewayUp,
		m.AdapterErrors,
		m.EventsDropped,
		m.FlushDuration,
		m.NATSConnected,
		m.NATSReconnects,
		m.HealthStatus,
	)
}
