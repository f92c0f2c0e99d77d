// Package natsclient wraps the NATS connection used as GateWatch's internal
// event fabric: coalesced traffic-activity notifications, gateway snapshot
// sync, and live log streaming. All bus traffic is fire-and-forget; durable
// accounting never rides on it. A nil *Client is valid and turns every
// operation into a no-op, so the process runs in local-only mode without a
// broker.
package natsclient

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/metric"
)

// Subject prefixes for the internal bus.
const (
	SubjectActivity = "gatewatch.activity" // gatewatch.activity.<gatewayID>
	SubjectSnapshot = "gatewatch.snapshot" // gatewatch.snapshot.<gatewayID>
	SubjectLogs     = "gatewatch.logs"     // gatewatch.logs.<component>
)

// Options configures the NATS connection.
type Options struct {
	URL           string
	Name          string
	Token         string
	Username      string
	Password      string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	DrainTimeout  time.Duration
}

// DefaultOptions returns connection defaults suited to a local broker.
func DefaultOptions(url string) Options {
	return Options{
		URL:           url,
		Name:          "gatewatch",
		MaxReconnects: -1, // retry forever
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
		DrainTimeout:  10 * time.Second,
	}
}

// Client manages a NATS connection with reconnect tracking.
type Client struct {
	conn    *nats.Conn
	opts    Options
	metrics *metric.CoreMetrics
	logger  *slog.Logger

	mu   sync.Mutex
	subs []*nats.Subscription
}

// Connect establishes the NATS connection. metrics and logger may be nil.
func Connect(opts Options, metrics *metric.CoreMetrics, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.URL == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsclient", "Connect", "nats url")
	}

	c := &Client{opts: opts, metrics: metrics, logger: logger}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.Timeout(opts.Timeout),
		nats.DrainTimeout(opts.DrainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.setConnected(false)
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.setConnected(true)
			if metrics != nil {
				metrics.NATSReconnects.Inc()
			}
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.setConnected(false)
		}),
	}
	switch {
	case opts.Token != "":
		natsOpts = append(natsOpts, nats.Token(opts.Token))
	case opts.Username != "":
		natsOpts = append(natsOpts, nats.UserInfo(opts.Username, opts.Password))
	}

	conn, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "Connect", "dial "+opts.URL)
	}

	c.conn = conn
	c.setConnected(true)
	return c, nil
}

func (c *Client) setConnected(up bool) {
	if c.metrics == nil {
		return
	}
	if up {
		c.metrics.NATSConnected.Set(1)
	} else {
		c.metrics.NATSConnected.Set(0)
	}
}

// Publish sends a message on the bus. Safe on a nil client or after the
// connection closed; bus messages are best-effort.
func (c *Client) Publish(subject string, data []byte) error {
	if c == nil || c.conn == nil {
		return nil
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "natsclient", "Publish", subject)
	}
	return nil
}

// Subscribe registers a handler for a subject. The subscription is tracked
// and drained on Close. Returns nil subscription on a nil client.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	if c == nil || c.conn == nil {
		return nil, nil
	}
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.WrapTransient(err, "natsclient", "Subscribe", subject)
	}

	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c != nil && c.conn != nil && c.conn.IsConnected()
}

// Close drains subscriptions and closes the connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("nats subscription drain", "subject", sub.Subject, "error", err)
		}
	}

	err := c.conn.Drain()
	c.conn = nil
	c.setConnected(false)
	if err != nil {
		return errors.WrapTransient(err, "natsclient", "Close", "drain connection")
	}
	return nil
}
