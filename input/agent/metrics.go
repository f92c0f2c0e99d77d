package agent

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewatch/gatewatch/metric"
)

// Metrics holds Prometheus metrics for the ingestion listener.
type Metrics struct {
	batches   *prometheus.CounterVec
	records   prometheus.Counter
	batchSize prometheus.Histogram
	snapshots prometheus.Counter
}

// newMetrics registers ingestion metrics. A nil registry yields nil
// metrics, which every record method tolerates.
func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "agent_ingest",
			Name:      "batches_total",
			Help:      "Ingestion batches by outcome",
		}, []string{"outcome"}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "agent_ingest",
			Name:      "records_total",
			Help:      "Delta records accepted into the pipeline",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "agent_ingest",
			Name:      "batch_size",
			Help:      "Record count per accepted batch",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
		}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "agent_ingest",
			Name:      "snapshots_total",
			Help:      "Gateway config snapshots accepted",
		}),
	}

	registry.MustRegister("agent_ingest", map[string]prometheus.Collector{
		"batches_total":   m.batches,
		"records_total":   m.records,
		"batch_size":      m.batchSize,
		"snapshots_total": m.snapshots,
	})
	return m
}

func (m *Metrics) recordBatch(outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recordAccepted(records int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues("accepted").Inc()
	m.records.Add(float64(records))
	m.batchSize.Observe(float64(records))
}

func (m *Metrics) recordSnapshot() {
	if m == nil {
		return
	}
	m.snapshots.Inc()
}
