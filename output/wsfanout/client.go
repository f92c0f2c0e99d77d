package wsfanout

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Client connection states.
const (
	stateConnecting int32 = iota
	stateAuthorized
	stateSubscribed
	stateClosed
)

// CloseUnauthorized is the close code sent to clients presenting a bad
// token.
const CloseUnauthorized = 4401

const writeTimeout = 10 * time.Second

// inboundMessage is one client-to-server frame. Subscription fields
// ride inline next to the type discriminator.
type inboundMessage struct {
	Type string `json:"type"`
	Subscription
}

// outboundMessage is one server-to-client frame.
type outboundMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// client is one dashboard socket and its subscription state.
type client struct {
	conn    *websocket.Conn
	state   atomic.Int32
	writeMu sync.Mutex

	mu       sync.Mutex
	sub      Subscription
	minPush  time.Duration
	lastPush time.Time
}

func newClient(conn *websocket.Conn, defaultMinPush time.Duration) *client {
	c := &client{conn: conn, minPush: defaultMinPush}
	c.state.Store(stateConnecting)
	return c
}

// subscription returns a copy of the current subscription.
func (c *client) subscription() Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub
}

// applySubscribe installs a new subscription. It reports whether
// anything actually changed.
func (c *client) applySubscribe(sub Subscription, defaultMinPush time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := sub != c.sub
	c.sub = sub
	c.minPush = defaultMinPush
	if sub.MinPushInterval > 0 {
		c.minPush = time.Duration(sub.MinPushInterval) * time.Millisecond
	}
	if c.state.CompareAndSwap(stateAuthorized, stateSubscribed) {
		changed = true
	}
	return changed
}

// due reports whether the client's minimum push interval has elapsed.
func (c *client) due(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPush.IsZero() || now.Sub(c.lastPush) >= c.minPush
}

func (c *client) markPushed(now time.Time) {
	c.mu.Lock()
	c.lastPush = now
	c.mu.Unlock()
}

// send writes one frame, serialized against concurrent pushes.
func (c *client) send(msgType string, data []byte) error {
	msg := outboundMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// close transitions to closed and tears the socket down. Safe to call
// more than once.
func (c *client) close() {
	if c.state.Swap(stateClosed) == stateClosed {
		return
	}
	c.conn.Close()
}

func (c *client) closed() bool {
	return c.state.Load() == stateClosed
}
