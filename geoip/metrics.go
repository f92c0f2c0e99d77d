package geoip

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewatch/gatewatch/metric"
)

// Metrics holds Prometheus metrics for the enrichment service.
type Metrics struct {
	lookups       *prometheus.CounterVec
	failures      prometheus.Counter
	cooldownSkips prometheus.Counter
	overflows     prometheus.Counter
	queueDepth    prometheus.Gauge
}

// newMetrics registers enrichment metrics. A nil registry yields nil
// metrics, which every record method tolerates.
func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "geoip",
			Name:      "lookups_total",
			Help:      "Successful resolutions by source",
		}, []string{"source"}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "geoip",
			Name:      "failures_total",
			Help:      "Failed resolutions entering cooldown",
		}),
		cooldownSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "geoip",
			Name:      "cooldown_skips_total",
			Help:      "Resolutions skipped while cooling down",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "geoip",
			Name:      "queue_overflows_total",
			Help:      "Resolutions dropped because the queue was full",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "geoip",
			Name:      "queue_depth",
			Help:      "Resolutions waiting on the serial queue",
		}),
	}

	registry.MustRegister("geoip", map[string]prometheus.Collector{
		"lookups":        m.lookups,
		"failures":       m.failures,
		"cooldown_skips": m.cooldownSkips,
		"overflows":      m.overflows,
		"queue_depth":    m.queueDepth,
	})
	return m
}

func (m *Metrics) recordLookup(source string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(source).Inc()
}

func (m *Metrics) recordFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

func (m *Metrics) recordCooldownSkip() {
	if m == nil {
		return
	}
	m.cooldownSkips.Inc()
}

func (m *Metrics) recordOverflow() {
	if m == nil {
		return
	}
	m.overflows.Inc()
}

func (m *Metrics) setQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
