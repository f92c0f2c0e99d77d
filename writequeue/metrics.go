package writequeue

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewatch/gatewatch/metric"
)

// Metrics holds Prometheus metrics for one write queue.
type Metrics struct {
	pendingBatches prometheus.Gauge
	pendingRows    prometheus.Gauge
	rowsWritten    prometheus.Counter
	batchesWritten prometheus.Counter
	failures       prometheus.Counter
	rejected       *prometheus.CounterVec
}

func newMetrics(registry *metric.Registry, name string) (*Metrics, error) {
	m := &Metrics{
		pendingBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "writequeue",
			Name:        "pending_batches",
			ConstLabels: prometheus.Labels{"queue": name},
			Help:        "Tasks queued but not yet settled",
		}),
		pendingRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "writequeue",
			Name:        "pending_rows",
			ConstLabels: prometheus.Labels{"queue": name},
			Help:        "Estimated rows across queued tasks",
		}),
		rowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "writequeue",
			Name:        "rows_written_total",
			ConstLabels: prometheus.Labels{"queue": name},
			Help:        "Rows written by settled successful tasks",
		}),
		batchesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "writequeue",
			Name:        "batches_written_total",
			ConstLabels: prometheus.Labels{"queue": name},
			Help:        "Successfully settled tasks",
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "writequeue",
			Name:        "failures_total",
			ConstLabels: prometheus.Labels{"queue": name},
			Help:        "Tasks settled with an error",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "writequeue",
			Name:        "rejected_total",
			ConstLabels: prometheus.Labels{"queue": name},
			Help:        "Enqueues rejected by budget",
		}, []string{"budget"}),
	}

	for metricName, collector := range map[string]prometheus.Collector{
		"pending_batches": m.pendingBatches,
		"pending_rows":    m.pendingRows,
		"rows_written":    m.rowsWritten,
		"batches_written": m.batchesWritten,
		"failures":        m.failures,
		"rejected":        m.rejected,
	} {
		if err := registry.Register(name, metricName, collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordDepth(batches, rows int) {
	if m == nil {
		return
	}
	m.pendingBatches.Set(float64(batches))
	m.pendingRows.Set(float64(rows))
}

func (m *Metrics) recordWritten(rows int) {
	if m == nil {
		return
	}
	m.batchesWritten.Inc()
	m.rowsWritten.Add(float64(rows))
}

func (m *Metrics) recordFailure() {
	if m == nil {
		return
	}
	m.failures.Inc()
}

func (m *Metrics) recordRejected(budget string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(budget).Inc()
}
