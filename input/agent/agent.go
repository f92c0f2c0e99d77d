// Package agent is the HTTP ingestion path for push-mode sources:
// external agents that compute traffic deltas themselves and deliver
// them in batches, instead of being polled or streamed from. Accepted
// records enter the same pipeline as the stream and poll adapters.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/time/rate"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/input"
	"github.com/gatewatch/gatewatch/metric"
	"github.com/gatewatch/gatewatch/natsclient"
	"github.com/gatewatch/gatewatch/pkg/security"
	"github.com/gatewatch/gatewatch/realtime"
	"github.com/gatewatch/gatewatch/types"
)

// Defaults for the ingestion listener.
const (
	DefaultPort          = 8090
	DefaultMaxBatchSize  = 1000
	DefaultRatePerSecond = 50

	maxBodyBytes = 4 << 20
)

// Config configures the ingestion listener.
type Config struct {
	Port          int
	MaxBatchSize  int
	RatePerSecond int
}

func (c *Config) defaults() {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = DefaultMaxBatchSize
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = DefaultRatePerSecond
	}
}

// Server accepts delta batches and gateway config snapshots over HTTP.
type Server struct {
	config    Config
	pipeline  *input.Pipeline
	realtime  *realtime.Store
	bus       *natsclient.Client // nil-safe, no-op when absent
	validator security.TokenValidator
	schema    *gojsonschema.Schema
	limiter   *rate.Limiter
	logger    *slog.Logger
	metrics   *Metrics

	httpServer *http.Server

	// Statistics
	batchesAccepted atomic.Int64
	recordsAccepted atomic.Int64
	batchesRejected atomic.Int64

	done        chan struct{}
	started     bool
	lifecycleMu sync.Mutex
}

// New creates the ingestion server. The bus may be nil.
func New(config Config, pipe *input.Pipeline, rt *realtime.Store, bus *natsclient.Client,
	validator security.TokenValidator, registry *metric.Registry, logger *slog.Logger) (*Server, error) {
	config.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "agent.Server", "New", "nil token validator")
	}

	schema, err := compileBatchSchema()
	if err != nil {
		return nil, errors.WrapFatal(err, "agent.Server", "New", "compile batch schema")
	}

	return &Server{
		config:    config,
		pipeline:  pipe,
		realtime:  rt,
		bus:       bus,
		validator: validator,
		schema:    schema,
		limiter:   rate.NewLimiter(rate.Limit(config.RatePerSecond), config.RatePerSecond),
		logger:    logger.With("component", "agent_ingest"),
		metrics:   newMetrics(registry),
		done:      make(chan struct{}),
	}, nil
}

// Handler returns the ingestion routes, for mounting on a shared mux or
// an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/ingest/traffic", s.handleTraffic)
	mux.HandleFunc("/api/ingest/snapshot", s.handleSnapshot)
	return mux
}

// Start begins listening on the configured port.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "agent.Server", "Start", "ingestion listener")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return errors.WrapFatal(err, "agent.Server", "Start", fmt.Sprintf("listen on port %d", s.config.Port))
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.started = true

	go func() {
		defer close(s.done)
		err := s.httpServer.Serve(listener)
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("ingestion listener failed", "error", err)
		}
	}()

	s.logger.Info("ingestion listener started", "port", s.config.Port)
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "agent.Server", "Stop", "ingestion listener")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "agent.Server", "Stop", "listener shutdown")
	}

	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return nil
}

func (s *Server) handleTraffic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if !s.authorize(r) {
		s.metrics.recordBatch("unauthorized")
		writeError(w, http.StatusUnauthorized, errors.ErrUnauthorized.Error())
		return
	}
	if !s.limiter.Allow() {
		s.metrics.recordBatch("rate_limited")
		s.batchesRejected.Add(1)
		writeError(w, http.StatusTooManyRequests, errors.ErrRateLimited.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.metrics.recordBatch("too_large")
		s.batchesRejected.Add(1)
		writeError(w, http.StatusRequestEntityTooLarge, errors.ErrBatchTooLarge.Error())
		return
	}

	result, err := s.schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil || !result.Valid() {
		s.metrics.recordBatch("invalid")
		s.batchesRejected.Add(1)
		writeError(w, http.StatusBadRequest, validationDetail(result, err))
		return
	}

	var deltas []types.AgentDelta
	if err := json.Unmarshal(body, &deltas); err != nil {
		s.metrics.recordBatch("invalid")
		s.batchesRejected.Add(1)
		writeError(w, http.StatusBadRequest, "malformed batch")
		return
	}
	if len(deltas) > s.config.MaxBatchSize {
		s.metrics.recordBatch("too_large")
		s.batchesRejected.Add(1)
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds limit %d", len(deltas), s.config.MaxBatchSize))
		return
	}

	now := time.Now().UTC()
	for i := range deltas {
		d := toTrafficDelta(&deltas[i], now)
		s.pipeline.Emit(r.Context(), "agent", d)
	}

	s.batchesAccepted.Add(1)
	s.recordsAccepted.Add(int64(len(deltas)))
	s.metrics.recordAccepted(len(deltas))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]int{"accepted": len(deltas)})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, errors.ErrUnauthorized.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "snapshot too large")
		return
	}

	var snap types.GatewayConfigSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		writeError(w, http.StatusBadRequest, "malformed snapshot")
		return
	}
	if snap.GatewayID == "" {
		writeError(w, http.StatusBadRequest, "gatewayId required")
		return
	}
	if snap.Timestamp == 0 {
		snap.Timestamp = time.Now().UnixMilli()
	}

	s.realtime.StoreSnapshot(&snap)
	s.metrics.recordSnapshot()

	if s.bus.IsConnected() {
		subject := natsclient.SubjectSnapshot + "." + snap.GatewayID
		if err := s.bus.Publish(subject, body); err != nil {
			s.logger.Warn("snapshot publish failed", "gateway", snap.GatewayID, "error", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// authorize checks the Authorization bearer token against the
// control-plane validator.
func (s *Server) authorize(r *http.Request) bool {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	return s.validator.Validate(strings.TrimPrefix(header, "Bearer "))
}

// toTrafficDelta normalizes one agent record. A zero client timestamp
// falls back to the server clock.
func toTrafficDelta(d *types.AgentDelta, now time.Time) *types.TrafficDelta {
	ts := now
	if d.Timestamp > 0 {
		ts = time.UnixMilli(d.Timestamp).UTC()
	}
	return &types.TrafficDelta{
		GatewayID:   d.GatewayID,
		Domain:      d.Domain,
		IP:          d.IP,
		SourceIP:    d.SourceIP,
		Chains:      d.Chains,
		Rule:        d.Rule,
		RulePayload: d.RulePayload,
		Upload:      d.Upload,
		Download:    d.Download,
		Timestamp:   ts,
	}
}

func validationDetail(result *gojsonschema.Result, err error) string {
	if err != nil {
		return "malformed batch"
	}
	if len(result.Errors()) == 0 {
		return "invalid batch"
	}
	return result.Errors()[0].String()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// Stats reports listener counters.
func (s *Server) Stats() (batches, records, rejected int64) {
	return s.batchesAccepted.Load(), s.recordsAccepted.Load(), s.batchesRejected.Load()
}
