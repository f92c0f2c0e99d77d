// Package wsfanout is the dashboard-facing WebSocket server. Each
// client holds one subscription (gateway, time range, optional detail
// views); adapter activity signals wake a throttled broadcast loop
// that pushes merged durable+realtime summaries to every client whose
// push interval has elapsed. Clients resolving to the same view share
// one serialized payload per pass.
package wsfanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	natspkg "github.com/nats-io/nats.go"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/metric"
	"github.com/gatewatch/gatewatch/natsclient"
	"github.com/gatewatch/gatewatch/notify"
	"github.com/gatewatch/gatewatch/pkg/security"
	"github.com/gatewatch/gatewatch/realtime"
	"github.com/gatewatch/gatewatch/stats"
	"github.com/gatewatch/gatewatch/storage"
)

// Defaults for the fan-out server.
const (
	DefaultPort            = 8080
	DefaultPath            = "/ws/stats"
	DefaultBroadcastWindow = time.Second
	DefaultMinPushInterval = time.Second
)

// Config configures the fan-out server.
type Config struct {
	Port            int
	Path            string
	BroadcastWindow time.Duration // global floor between broadcast passes
	MinPushInterval time.Duration // per-client floor, client-overridable upward
}

func (c *Config) defaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.BroadcastWindow <= 0 {
		c.BroadcastWindow = DefaultBroadcastWindow
	}
	if c.MinPushInterval <= 0 {
		c.MinPushInterval = DefaultMinPushInterval
	}
}

// Server fans stats snapshots out to dashboard WebSocket clients.
type Server struct {
	config    Config
	stats     *stats.Service
	overlay   *realtime.Store
	notifier  *notify.Notifier   // optional, local activity channel
	bus       *natsclient.Client // nil-safe, no-op when absent
	validator security.TokenValidator
	logger    *slog.Logger
	metrics   *Metrics

	upgrader   websocket.Upgrader
	httpServer *http.Server
	activity   *natspkg.Subscription

	clients   map[*client]struct{}
	clientsMu sync.RWMutex

	wake chan struct{}

	// Statistics
	pushesSent atomic.Int64
	pushErrors atomic.Int64
	broadcasts atomic.Int64

	shutdown    chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	started     bool
	lifecycleMu sync.Mutex
	wg          sync.WaitGroup
}

// New creates the fan-out server. The notifier and bus may be nil.
func New(config Config, statsSvc *stats.Service, overlay *realtime.Store,
	notifier *notify.Notifier, bus *natsclient.Client, validator security.TokenValidator,
	registry *metric.Registry, logger *slog.Logger) (*Server, error) {
	config.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if statsSvc == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "wsfanout.Server", "New", "nil stats service")
	}
	if validator == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "wsfanout.Server", "New", "nil token validator")
	}

	return &Server{
		config:    config,
		stats:     statsSvc,
		overlay:   overlay,
		notifier:  notifier,
		bus:       bus,
		validator: validator,
		logger:    logger.With("component", "fanout"),
		metrics:   newMetrics(registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients:  make(map[*client]struct{}),
		wake:     make(chan struct{}, 1),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Handler returns the WebSocket route, for mounting on a shared mux or
// an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleConnection)
	return mux
}

// Start begins serving and launches the broadcast loop.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "wsfanout.Server", "Start", "fan-out server")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return errors.WrapFatal(err, "wsfanout.Server", "Start", fmt.Sprintf("listen on port %d", s.config.Port))
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.started = true

	if s.bus.IsConnected() {
		sub, err := s.bus.Subscribe(natsclient.SubjectActivity+".>", func(*natspkg.Msg) {
			s.signal()
		})
		if err != nil {
			s.logger.Warn("activity subscription failed, relying on local signals", "error", err)
		} else {
			s.activity = sub
		}
	}
	if s.notifier != nil {
		s.wg.Add(1)
		go s.drainLocal()
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	go func() {
		err := s.httpServer.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("fan-out listener failed", "error", err)
		}
	}()

	s.logger.Info("fan-out server started", "port", s.config.Port, "path", s.config.Path)
	return nil
}

// Stop disconnects all clients and shuts the listener down.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "wsfanout.Server", "Stop", "fan-out server")
	}

	s.stopOnce.Do(func() { close(s.shutdown) })

	if s.activity != nil {
		_ = s.activity.Unsubscribe()
	}

	s.clientsMu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.clients = make(map[*client]struct{})
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return errors.WrapTransient(err, "wsfanout.Server", "Stop", "listener shutdown")
		}
	}

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		close(s.done)
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(errors.ErrConnectionTimeout, "wsfanout.Server", "Stop", "broadcast loop shutdown")
	}
}

// signal requests a broadcast pass; extra signals within a pass
// coalesce.
func (s *Server) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Server) drainLocal() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case <-s.notifier.Local():
			s.signal()
		}
	}
}

// broadcastLoop runs one pass per wake signal, with the broadcast
// window as a global floor between passes.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.shutdown:
			return
		case <-s.wake:
		}

		s.broadcast()

		select {
		case <-s.shutdown:
			return
		case <-time.After(s.config.BroadcastWindow):
		}
	}
}

// handleConnection upgrades one socket and runs its read loop.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if !s.authorize(r) {
		s.metrics.recordUnauthorized()
		deadline := time.Now().Add(writeTimeout)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseUnauthorized, "unauthorized"), deadline)
		conn.Close()
		return
	}

	c := newClient(conn, s.config.MinPushInterval)
	c.state.Store(stateAuthorized)

	s.clientsMu.Lock()
	s.clients[c] = struct{}{}
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.recordConnect(count)

	// Initial snapshot with the default subscription.
	if err := s.pushClient(context.Background(), c, time.Now()); err != nil {
		s.logger.Debug("initial push failed", "error", err)
	}

	s.wg.Add(1)
	go s.readLoop(c)
}

// authorize accepts the token from the Authorization header or, for
// browser clients that cannot set headers on WebSocket upgrades, a
// query parameter.
func (s *Server) authorize(r *http.Request) bool {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token == r.Header.Get("Authorization") {
		token = r.URL.Query().Get("token")
	}
	return s.validator.Validate(token)
}

func (s *Server) readLoop(c *client) {
	defer s.wg.Done()
	defer s.removeClient(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // invalid JSON is ignored
		}

		switch msg.Type {
		case "subscribe":
			s.handleSubscribe(c, msg.Subscription)
		case "ping":
			if err := c.send("pong", nil); err != nil {
				return
			}
			s.metrics.recordSent("pong")
		default:
			// Unknown message type, ignore.
		}
	}
}

// handleSubscribe applies a subscription change. A change triggers an
// immediate push for this client only; a no-op does not.
func (s *Server) handleSubscribe(c *client, sub Subscription) {
	if !c.applySubscribe(sub, s.config.MinPushInterval) {
		s.metrics.recordNoop()
		return
	}
	if err := s.pushClient(context.Background(), c, time.Now()); err != nil {
		s.logger.Debug("subscribe push failed", "error", err)
	}
}

func (s *Server) removeClient(c *client) {
	c.close()
	s.clientsMu.Lock()
	delete(s.clients, c)
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.metrics.recordDisconnect(count)
}

// broadcast pushes to every due client, sharing serialized payloads
// between clients that resolve to the same view.
func (s *Server) broadcast() {
	start := time.Now()
	s.broadcasts.Add(1)

	s.clientsMu.RLock()
	due := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if !c.closed() && c.due(start) {
			due = append(due, c)
		}
	}
	s.clientsMu.RUnlock()

	if len(due) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payloads := make(map[string][]byte, len(due))
	for _, c := range due {
		r := c.subscription().resolve(s.activeGateway(), start)
		if r.gatewayID == "" {
			continue // nothing observed yet
		}

		key := r.key()
		payload, ok := payloads[key]
		if !ok {
			var err error
			payload, err = s.buildPayload(ctx, r)
			if err != nil {
				s.logger.Warn("payload build failed", "gateway", r.gatewayID, "error", err)
				continue
			}
			payloads[key] = payload
		} else {
			s.metrics.recordShared()
		}

		s.sendStats(c, payload, start)
	}

	s.metrics.recordBroadcast(time.Since(start))
}

// pushClient computes and sends one client's payload outside the
// broadcast path (initial snapshot, subscription change).
func (s *Server) pushClient(ctx context.Context, c *client, now time.Time) error {
	r := c.subscription().resolve(s.activeGateway(), now)
	if r.gatewayID == "" {
		return nil
	}
	payload, err := s.buildPayload(ctx, r)
	if err != nil {
		return err
	}
	s.sendStats(c, payload, now)
	return nil
}

func (s *Server) sendStats(c *client, payload []byte, now time.Time) {
	if err := c.send("stats", payload); err != nil {
		s.pushErrors.Add(1)
		s.metrics.recordSendError()
		c.close()
		return
	}
	c.markPushed(now)
	s.pushesSent.Add(1)
	s.metrics.recordSent("stats")
}

// buildPayload assembles the summary plus any requested detail views
// for one resolved subscription.
func (s *Server) buildPayload(ctx context.Context, r resolved) ([]byte, error) {
	summary, err := s.stats.Summary(ctx, r.gatewayID, r.from, r.to)
	if err != nil {
		return nil, err
	}

	p := statsPayload{
		GatewayID: r.gatewayID,
		From:      r.from,
		To:        r.to,
		Summary:   summary,
	}

	if r.Table.Dimension != "" {
		table, err := s.stats.Table(ctx, r.gatewayID, storage.Dimension(r.Table.Dimension),
			r.from, r.to, storage.TableQuery{
				Offset: r.Table.Offset,
				Limit:  r.Table.Limit,
				SortBy: r.Table.SortBy,
				Desc:   r.Table.Desc,
				Search: r.Table.Search,
			})
		if err != nil {
			return nil, err
		}
		p.Table = table
	}
	if r.Drilldown.Dimension != "" {
		rows, err := s.stats.Drilldown(ctx, r.gatewayID, storage.Dimension(r.Drilldown.Dimension),
			r.Drilldown.Key, r.from, r.to)
		if err != nil {
			return nil, err
		}
		p.Drilldown = rows
	}
	if r.ChainFlow {
		edges, err := s.stats.ChainFlow(ctx, r.gatewayID, r.from, r.to)
		if err != nil {
			return nil, err
		}
		p.ChainFlow = edges
	}

	return json.Marshal(p)
}

func (s *Server) activeGateway() string {
	if s.overlay == nil {
		return ""
	}
	return s.overlay.ActiveGateway()
}

// ClientCount reports the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Stats reports fan-out counters.
func (s *Server) Stats() (pushes, errs, broadcasts int64) {
	return s.pushesSent.Load(), s.pushErrors.Load(), s.broadcasts.Load()
}
