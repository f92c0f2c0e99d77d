// Package stream is the adapter for stream-family gateways: a persistent
// WebSocket subscription to the gateway's /connections endpoint, which
// pushes full connection snapshots with cumulative counters. The adapter
// reduces snapshots to deltas through the connection tracker and emits
// them into the shared pipeline.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/input"
	"github.com/gatewatch/gatewatch/tracker"
	"github.com/gatewatch/gatewatch/types"
)

// Defaults for the connection loop.
const (
	DefaultReconnectDelay   = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	sweepInterval           = time.Minute
)

// Config configures one stream adapter.
type Config struct {
	Gateway        types.Gateway
	ReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
}

// Adapter maintains the WebSocket subscription for one gateway.
type Adapter struct {
	config   Config
	tracker  *tracker.Tracker
	pipeline *input.Pipeline
	logger   *slog.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	// Statistics
	framesReceived atomic.Int64
	deltasEmitted  atomic.Int64
	parseErrors    atomic.Int64
	reconnects     atomic.Int64

	shutdown    chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	started     bool
	lifecycleMu sync.Mutex
}

// New creates a stream adapter. The tracker is owned by the adapter and
// must not be shared across gateways.
func New(config Config, trk *tracker.Tracker, pipe *input.Pipeline, logger *slog.Logger) *Adapter {
	config.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		config:   config,
		tracker:  trk,
		pipeline: pipe,
		logger:   logger.With("gateway", config.Gateway.ID, "kind", "stream"),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the connect loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "stream.Adapter", "Start", a.config.Gateway.ID)
	}
	a.started = true

	go a.connectLoop(ctx)
	return nil
}

// Stop closes the connection and waits for the loop to exit.
func (a *Adapter) Stop(timeout time.Duration) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if !a.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "stream.Adapter", "Stop", a.config.Gateway.ID)
	}

	a.stopOnce.Do(func() { close(a.shutdown) })

	a.connMu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.connMu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "stream.Adapter", "Stop", "connect loop shutdown")
	}
}

// connectLoop dials, reads until disconnect, and retries after a fixed
// delay forever. Gateways restart; the adapter outlives them.
func (a *Adapter) connectLoop(ctx context.Context) {
	defer close(a.done)

	endpoint, err := a.endpoint()
	if err != nil {
		a.logger.Error("invalid gateway URL", "url", a.config.Gateway.URL, "error", err)
		return
	}

	dialer := &websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		default:
		}

		conn, resp, err := dialer.DialContext(ctx, endpoint, a.authHeader())
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			a.trackError("connect", err)
			a.reconnects.Add(1)
			a.setUp(false)
			if !a.sleep(ctx, a.config.ReconnectDelay) {
				return
			}
			continue
		}

		a.connMu.Lock()
		a.conn = conn
		a.connMu.Unlock()
		a.setUp(true)
		a.logger.Info("connected to gateway stream")

		a.readLoop(ctx, conn)

		a.connMu.Lock()
		a.conn = nil
		a.connMu.Unlock()
		a.setUp(false)

		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		default:
		}
		if !a.sleep(ctx, a.config.ReconnectDelay) {
			return
		}
	}
}

// endpoint derives the ws(s) /connections URL from the configured
// gateway URL, carrying the access token as a query parameter the way the
// gateway's own dashboard does.
func (a *Adapter) endpoint() (string, error) {
	u, err := url.Parse(a.config.Gateway.URL)
	if err != nil {
		return "", errors.WrapInvalid(err, "stream.Adapter", "endpoint", "parse gateway URL")
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.WrapInvalid(errors.ErrInvalidConfig, "stream.Adapter", "endpoint",
			"unsupported scheme "+u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/connections"
	if a.config.Gateway.Token != "" {
		q := u.Query()
		q.Set("token", a.config.Gateway.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (a *Adapter) authHeader() http.Header {
	if a.config.Gateway.Token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.config.Gateway.Token)
	return h
}

// readLoop consumes snapshot frames until the connection drops.
func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	lastSweep := time.Now()

	for {
		select {
		case <-a.shutdown:
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			a.trackError("read", err)
			return
		}
		a.framesReceived.Add(1)

		var snapshot types.StreamSnapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			// Malformed frame: drop it, keep the connection.
			a.parseErrors.Add(1)
			a.logger.Warn("dropped malformed frame", "error", err)
			continue
		}

		a.processSnapshot(ctx, &snapshot)

		if now := time.Now(); now.Sub(lastSweep) >= sweepInterval {
			a.tracker.SweepStale(now)
			lastSweep = now
		}
	}
}

// processSnapshot reduces one full snapshot to deltas, in frame order,
// then drops tracker state for connections no longer present.
func (a *Adapter) processSnapshot(ctx context.Context, snapshot *types.StreamSnapshot) {
	now := time.Now()
	present := make(map[string]bool, len(snapshot.Connections))

	for i := range snapshot.Connections {
		c := &snapshot.Connections[i]
		present[c.ID] = true

		chains := normalizeChains(c.Chains)
		delta := a.tracker.Observe(c.ID, c.Upload, c.Download, chains, now)
		if delta.Empty() {
			continue
		}

		domain := c.Host()
		if domain == "" {
			domain = c.Metadata.DestinationIP
		}

		a.deltasEmitted.Add(1)
		a.pipeline.Emit(ctx, "stream", &types.TrafficDelta{
			GatewayID:   a.config.Gateway.ID,
			Domain:      domain,
			IP:          c.Metadata.DestinationIP,
			SourceIP:    c.Metadata.SourceIP,
			Chains:      chains,
			Rule:        c.Rule,
			RulePayload: c.RulePayload,
			Upload:      delta.Upload,
			Download:    delta.Download,
			Timestamp:   now,
		})
	}

	a.tracker.Sync(present)
}

// normalizeChains reverses the gateway's terminal-first chain order to
// outermost-first.
func normalizeChains(chains []string) []string {
	if len(chains) < 2 {
		return chains
	}
	out := make([]string, len(chains))
	for i, hop := range chains {
		out[len(chains)-1-i] = hop
	}
	return out
}

func (a *Adapter) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-a.shutdown:
		return false
	case <-time.After(d):
		return true
	}
}

func (a *Adapter) setUp(up bool) {
	if a.pipeline.Core == nil {
		return
	}
	v := 0.0
	if up {
		v = 1.0
	}
	a.pipeline.Core.GatewayUp.WithLabelValues(a.config.Gateway.ID, "stream").Set(v)
}

func (a *Adapter) trackError(class string, err error) {
	if a.pipeline.Core != nil {
		a.pipeline.Core.AdapterErrors.WithLabelValues(a.config.Gateway.ID, class).Inc()
	}
	select {
	case <-a.shutdown:
		// Expected close during shutdown, not worth a warning.
	default:
		a.logger.Warn("gateway stream error", "class", class, "error", err)
	}
}

// Stats returns adapter counters for health reporting.
func (a *Adapter) Stats() (frames, deltas, parseErrors, reconnects int64) {
	return a.framesReceived.Load(), a.deltasEmitted.Load(),
		a.parseErrors.Load(), a.reconnects.Load()
}
