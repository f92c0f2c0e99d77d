// Package notify coalesces per-gateway "new traffic" signals so the
// fan-out server can push sooner than the flush interval without being
// woken for every delta. Signals travel over NATS when a bus is
// connected; a buffered in-process channel serves local-only mode.
package notify

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewatch/gatewatch/natsclient"
)

// MinInterval is the minimum gap between published signals for one
// gateway.
const MinInterval = 500 * time.Millisecond

// Activity is one coalesced traffic signal.
type Activity struct {
	GatewayID string    `json:"gatewayId"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier publishes coalesced activity signals.
type Notifier struct {
	bus      *natsclient.Client // nil-safe, no-op when absent
	local    chan Activity
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// Option adjusts a Notifier.
type Option func(*Notifier)

// WithMinInterval overrides the coalescing window.
func WithMinInterval(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.interval = d
		}
	}
}

// New creates a Notifier. The bus may be nil.
func New(bus *natsclient.Client, logger *slog.Logger, opts ...Option) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Notifier{
		bus:      bus,
		local:    make(chan Activity, 64),
		logger:   logger,
		interval: MinInterval,
		last:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NotifyTraffic signals new traffic for a gateway. Signals inside the
// coalescing window are dropped.
func (n *Notifier) NotifyTraffic(gatewayID string) {
	now := time.Now()

	n.mu.Lock()
	if last, ok := n.last[gatewayID]; ok && now.Sub(last) < n.interval {
		n.mu.Unlock()
		return
	}
	n.last[gatewayID] = now
	n.mu.Unlock()

	activity := Activity{GatewayID: gatewayID, Timestamp: now}

	if n.bus.IsConnected() {
		payload, err := json.Marshal(activity)
		if err == nil {
			if err := n.bus.Publish(natsclient.SubjectActivity+"."+gatewayID, payload); err != nil {
				n.logger.Warn("activity publish failed", "gateway", gatewayID, "error", err)
			}
			return
		}
		n.logger.Warn("activity encode failed", "gateway", gatewayID, "error", err)
	}

	// Local-only mode or bus unavailable: the fan-out server consumes
	// this channel directly. Drop when the consumer lags; a missed
	// signal only delays the next push.
	select {
	case n.local <- activity:
	default:
	}
}

// Local returns the in-process signal channel used when no bus is
// connected.
func (n *Notifier) Local() <-chan Activity {
	return n.local
}
