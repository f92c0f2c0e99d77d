// Package poll is the adapter for poll-family gateways: a fixed-interval
// poller of the gateway's /v1/requests/recent endpoint, whose entries
// carry cumulative byte counters and completion flags. Deltas come out of
// the connection tracker; finished requests enter its completed-record
// suppression set so reappearing entries are not double-counted.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/input"
	"github.com/gatewatch/gatewatch/pkg/retry"
	"github.com/gatewatch/gatewatch/tracker"
	"github.com/gatewatch/gatewatch/types"
)

// Defaults for the poll loop.
const (
	DefaultInterval       = 2 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	sweepInterval         = time.Minute
)

// Config configures one poll adapter.
type Config struct {
	Gateway        types.Gateway
	Interval       time.Duration
	RequestTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// Adapter polls one gateway.
type Adapter struct {
	config   Config
	tracker  *tracker.Tracker
	pipeline *input.Pipeline
	logger   *slog.Logger
	client   *http.Client
	backoff  *retry.Backoff

	// Statistics
	polls         atomic.Int64
	pollErrors    atomic.Int64
	deltasEmitted atomic.Int64

	shutdown    chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	started     bool
	lifecycleMu sync.Mutex
}

// New creates a poll adapter. The tracker is owned by the adapter.
func New(config Config, trk *tracker.Tracker, pipe *input.Pipeline, logger *slog.Logger) *Adapter {
	config.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		config:   config,
		tracker:  trk,
		pipeline: pipe,
		logger:   logger.With("gateway", config.Gateway.ID, "kind", "poll"),
		client:   &http.Client{Timeout: config.RequestTimeout},
		backoff:  retry.NewBackoff(retry.GatewayPoll()),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the poll loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if a.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "poll.Adapter", "Start", a.config.Gateway.ID)
	}
	a.started = true

	go a.pollLoop(ctx)
	return nil
}

// Stop halts the loop.
func (a *Adapter) Stop(timeout time.Duration) error {
	a.lifecycleMu.Lock()
	defer a.lifecycleMu.Unlock()
	if !a.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "poll.Adapter", "Stop", a.config.Gateway.ID)
	}

	a.stopOnce.Do(func() { close(a.shutdown) })

	select {
	case <-a.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "poll.Adapter", "Stop", "poll loop shutdown")
	}
}

// pollLoop runs until shutdown. Poll failures step an exponential backoff
// in place of the normal interval; once attempts are exhausted the
// failure is surfaced and polling resumes at the normal cadence plus one
// base backoff step.
func (a *Adapter) pollLoop(ctx context.Context) {
	defer close(a.done)

	wait := time.Duration(0) // first poll immediately
	lastSweep := time.Now()

	for {
		if wait > 0 && !a.sleep(ctx, wait) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		default:
		}

		a.polls.Add(1)
		resp, err := a.fetch(ctx)
		if err != nil {
			a.pollErrors.Add(1)
			a.trackError(err)
			a.setUp(false)

			delay, ok := a.backoff.Next()
			if !ok {
				a.logger.Error("gateway unreachable, giving up retries",
					"attempts", a.backoff.Attempt(), "error", err)
				wait = a.config.Interval + a.backoff.Base()
				a.backoff.Reset()
				continue
			}
			wait = delay
			continue
		}

		a.backoff.Reset()
		a.setUp(true)
		a.processResponse(ctx, resp)
		wait = a.config.Interval

		if now := time.Now(); now.Sub(lastSweep) >= sweepInterval {
			a.tracker.SweepStale(now)
			lastSweep = now
		}
	}
}

func (a *Adapter) fetch(ctx context.Context) (*types.PollResponse, error) {
	endpoint := strings.TrimRight(a.config.Gateway.URL, "/") + "/v1/requests/recent"
	reqCtx, cancel := context.WithTimeout(ctx, a.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "poll.Adapter", "fetch", "build request")
	}
	if a.config.Gateway.Token != "" {
		req.Header.Set("X-Key", a.config.Gateway.Token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "poll.Adapter", "fetch", "poll gateway")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, errors.WrapFatal(errors.ErrGatewayAuth, "poll.Adapter", "fetch",
			fmt.Sprintf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, errors.WrapTransient(errors.ErrGatewayUnreachable, "poll.Adapter", "fetch",
			fmt.Sprintf("status %d", resp.StatusCode))
	}

	var body types.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.WrapInvalid(err, "poll.Adapter", "fetch", "decode response")
	}
	return &body, nil
}

// processResponse reduces one poll result to deltas in listing order,
// then drops tracker state for requests that left the recent window.
// Finished requests survive the drop through the completed-record set.
func (a *Adapter) processResponse(ctx context.Context, resp *types.PollResponse) {
	now := time.Now()
	present := make(map[string]bool, len(resp.Requests))

	for i := range resp.Requests {
		r := &resp.Requests[i]
		id := strconv.FormatInt(r.ID, 10)
		present[id] = true
		chains := chainFromRequest(r)

		delta := a.tracker.Observe(id, r.OutBytes, r.InBytes, chains, now)
		if !delta.Empty() {
			domain, ip := splitRemote(r)
			a.deltasEmitted.Add(1)
			a.pipeline.Emit(ctx, "poll", &types.TrafficDelta{
				GatewayID: a.config.Gateway.ID,
				Domain:    domain,
				IP:        ip,
				SourceIP:  hostOnly(r.LocalAddress),
				Chains:    chains,
				Rule:      r.Rule,
				Upload:    delta.Upload,
				Download:  delta.Download,
				Timestamp: now,
			})
		}

		if r.Finished() {
			a.tracker.MarkCompleted(id, r.OutBytes, r.InBytes, now)
		}
	}

	a.tracker.Sync(present)
}

// splitRemote derives (domain, ip) from a poll entry. The remote host is
// the requested name; the remote address carries the resolved IP.
func splitRemote(r *types.PollRequest) (string, string) {
	ip := hostOnly(r.RemoteAddress)
	domain := hostOnly(r.RemoteHost)
	if domain == "" {
		domain = ip
	}
	return domain, ip
}

// hostOnly strips a trailing :port when present.
func hostOnly(addr string) string {
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
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
	a.pipeline.Core.GatewayUp.WithLabelValues(a.config.Gateway.ID, "poll").Set(v)
}

func (a *Adapter) trackError(err error) {
	class := "transient"
	if errors.IsFatal(err) {
		class = "fatal"
	}
	if a.pipeline.Core != nil {
		a.pipeline.Core.AdapterErrors.WithLabelValues(a.config.Gateway.ID, class).Inc()
	}
	a.logger.Warn("gateway poll failed", "error", err)
}

// Stats returns adapter counters for health reporting.
func (a *Adapter) Stats() (polls, pollErrors, deltas int64) {
	return a.polls.Load(), a.pollErrors.Load(), a.deltasEmitted.Load()
}
