package wsfanout

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gatewatch/gatewatch/metric"
)

// Metrics holds Prometheus metrics for the fan-out server.
type Metrics struct {
	clientsConnected  prometheus.Gauge
	connectionsTotal  prometheus.Counter
	unauthorized      prometheus.Counter
	messagesSent      *prometheus.CounterVec
	sendErrors        prometheus.Counter
	subscribeNoops    prometheus.Counter
	broadcastDuration prometheus.Histogram
	payloadsShared    prometheus.Counter
}

// newMetrics registers fan-out metrics. A nil registry yields nil
// metrics, which every record method tolerates.
func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}

	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "fanout",
			Name:      "clients_connected",
			Help:      "Currently connected dashboard clients",
		}),
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "fanout",
			Name:      "connections_total",
			Help:      "Accepted WebSocket connections",
		}),
		unauthorized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "fanout",
			Name:      "unauthorized_total",
			Help:      "Connections rejected for bad tokens",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "fanout",
			Name:      "messages_sent_total",
			Help:      "Outbound messages by type",
		}, []string{"type"}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "fanout",
			Name:      "send_errors_total",
			Help:      "Failed client writes",
		}),
		subscribeNoops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "fanout",
			Name:      "subscribe_noops_total",
			Help:      "Subscribe messages that changed nothing",
		}),
		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "fanout",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to push one broadcast pass to all due clients",
			Buckets:   prometheus.DefBuckets,
		}),
		payloadsShared: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "fanout",
			Name:      "payloads_shared_total",
			Help:      "Client pushes served from a payload computed for another client in the same pass",
		}),
	}

	registry.MustRegister("fanout", map[string]prometheus.Collector{
		"clients_connected":          m.clientsConnected,
		"connections_total":          m.connectionsTotal,
		"unauthorized_total":         m.unauthorized,
		"messages_sent_total":        m.messagesSent,
		"send_errors_total":          m.sendErrors,
		"subscribe_noops_total":      m.subscribeNoops,
		"broadcast_duration_seconds": m.broadcastDuration,
		"payloads_shared_total":      m.payloadsShared,
	})
	return m
}

func (m *Metrics) recordConnect(clients int) {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
	m.clientsConnected.Set(float64(clients))
}

func (m *Metrics) recordDisconnect(clients int) {
	if m == nil {
		return
	}
	m.clientsConnected.Set(float64(clients))
}

func (m *Metrics) recordUnauthorized() {
	if m == nil {
		return
	}
	m.unauthorized.Inc()
}

func (m *Metrics) recordSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) recordSendError() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}

func (m *Metrics) recordNoop() {
	if m == nil {
		return
	}
	m.subscribeNoops.Inc()
}

func (m *Metrics) recordBroadcast(d time.Duration) {
	if m == nil {
		return
	}
	m.broadcastDuration.Observe(d.Seconds())
}

func (m *Metrics) recordShared() {
	if m == nil {
		return
	}
	m.payloadsShared.Inc()
}
