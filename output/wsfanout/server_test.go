package wsfanout

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewatch/gatewatch/notify"
	"github.com/gatewatch/gatewatch/pkg/security"
	"github.com/gatewatch/gatewatch/realtime"
	"github.com/gatewatch/gatewatch/stats"
	"github.com/gatewatch/gatewatch/storage"
	"github.com/gatewatch/gatewatch/types"
)

type fakeReader struct {
	summaryHits atomic.Int64
	tableHits   atomic.Int64
	chainHits   atomic.Int64
}

func (f *fakeReader) Summary(context.Context, string, time.Time, time.Time) (*storage.BaseSummary, error) {
	f.summaryHits.Add(1)
	return &storage.BaseSummary{
		Totals:  storage.Totals{Upload: 1000, Download: 2000, Connections: 10},
		Domains: []storage.NamedCounts{{Name: "example.com", Upload: 1000, Download: 2000, Connections: 10}},
	}, nil
}

func (f *fakeReader) Table(context.Context, string, storage.Dimension, time.Time, time.Time, storage.TableQuery) (*storage.TableResult, error) {
	f.tableHits.Add(1)
	return &storage.TableResult{
		Rows:  []storage.NamedCounts{{Name: "example.com", Upload: 1000, Download: 2000}},
		Total: 1,
	}, nil
}

func (f *fakeReader) Drilldown(context.Context, string, storage.Dimension, string, time.Time, time.Time) ([]storage.NamedCounts, error) {
	return nil, nil
}

func (f *fakeReader) ChainFlow(context.Context, string, time.Time, time.Time) ([]storage.ChainEdge, error) {
	f.chainHits.Add(1)
	return []storage.ChainEdge{{From: "RuleSet", To: "Auto", Upload: 100, Download: 200}}, nil
}

type harness struct {
	server  *Server
	ts      *httptest.Server
	reader  *fakeReader
	overlay *realtime.Store
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	reader := &fakeReader{}
	overlay := realtime.NewStore()
	statsSvc, err := stats.New(reader, overlay)
	require.NoError(t, err)
	t.Cleanup(func() { _ = statsSvc.Close() })

	// Seed the overlay so the active gateway resolves.
	overlay.RecordTraffic(&types.TrafficDelta{
		GatewayID: "gw1", Domain: "example.com", IP: "1.2.3.4", SourceIP: "192.168.1.10",
		Chains: []string{"Auto"}, Rule: "RuleSet", Upload: 1, Download: 1,
		Timestamp: time.Now(),
	})

	srv, err := New(cfg, statsSvc, overlay, nil, nil, security.NewStaticToken("secret", ""), nil, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{server: srv, ts: ts, reader: reader, overlay: overlay}
}

func (h *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.ts.URL, "http") + h.server.config.Path
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, timeout time.Duration) (outboundMessage, error) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	var msg outboundMessage
	_, data, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg, nil
}

func decodePayload(t *testing.T, msg outboundMessage) statsPayload {
	t.Helper()
	require.Equal(t, "stats", msg.Type)
	var p statsPayload
	require.NoError(t, json.Unmarshal(msg.Data, &p))
	return p
}

func TestUnauthorizedClosedWithDistinctCode(t *testing.T) {
	h := newHarness(t, Config{})

	conn := h.dial(t, "wrong")
	_, err := readFrame(t, conn, 2*time.Second)
	require.Error(t, err)

	closeErr, ok := err.(*websocket.CloseError)
	require.True(t, ok, "expected close error, got %v", err)
	assert.Equal(t, CloseUnauthorized, closeErr.Code)
	assert.Equal(t, 0, h.server.ClientCount())
}

func TestInitialSnapshotOnAuthorize(t *testing.T) {
	h := newHarness(t, Config{})

	conn := h.dial(t, "secret")
	msg, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)

	p := decodePayload(t, msg)
	assert.Equal(t, "gw1", p.GatewayID)
	// Durable base plus the seeded overlay delta.
	assert.Equal(t, int64(1001), p.Summary.Totals.Upload)
	assert.NotZero(t, msg.Timestamp)
}

func TestSubscribeChangeTriggersImmediatePush(t *testing.T) {
	h := newHarness(t, Config{})

	conn := h.dial(t, "secret")
	_, err := readFrame(t, conn, 2*time.Second) // initial snapshot
	require.NoError(t, err)

	sub := map[string]any{"type": "subscribe", "gatewayId": "gw2", "chainFlow": true}
	require.NoError(t, conn.WriteJSON(sub))

	msg, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	p := decodePayload(t, msg)
	assert.Equal(t, "gw2", p.GatewayID)
	require.Len(t, p.ChainFlow, 1)
	assert.Equal(t, "RuleSet", p.ChainFlow[0].From)

	// Identical subscribe is a no-op: no push follows.
	require.NoError(t, conn.WriteJSON(sub))
	_, err = readFrame(t, conn, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestSubscribeTableView(t *testing.T) {
	h := newHarness(t, Config{})

	conn := h.dial(t, "secret")
	_, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "subscribe", "gatewayId": "gw1",
		"table": map[string]any{"dimension": "domain", "limit": 10, "sortBy": "upload", "desc": true},
	}))

	msg, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	p := decodePayload(t, msg)
	require.NotNil(t, p.Table)
	assert.Equal(t, 1, p.Table.Total)
	assert.EqualValues(t, 1, h.reader.tableHits.Load())
}

func TestPingPong(t *testing.T) {
	h := newHarness(t, Config{})

	conn := h.dial(t, "secret")
	_, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	msg, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", msg.Type)
}

func TestInvalidJSONIgnored(t *testing.T) {
	h := newHarness(t, Config{})

	conn := h.dial(t, "secret")
	_, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	msg, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", msg.Type)
}

func TestBroadcastSharesPayloadAcrossClients(t *testing.T) {
	h := newHarness(t, Config{MinPushInterval: time.Millisecond})

	conn1 := h.dial(t, "secret")
	conn2 := h.dial(t, "secret")
	_, err := readFrame(t, conn1, 2*time.Second)
	require.NoError(t, err)
	_, err = readFrame(t, conn2, 2*time.Second)
	require.NoError(t, err)

	// Both clients are live on the active gateway with the default
	// subscription, so one pass computes one payload.
	time.Sleep(5 * time.Millisecond)
	hits := h.reader.summaryHits.Load()
	h.server.broadcast()

	msg1, err := readFrame(t, conn1, 2*time.Second)
	require.NoError(t, err)
	msg2, err := readFrame(t, conn2, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "stats", msg1.Type)
	assert.Equal(t, msg1.Data, msg2.Data)
	assert.LessOrEqual(t, h.reader.summaryHits.Load()-hits, int64(1))
}

func TestBroadcastHonorsMinPushInterval(t *testing.T) {
	h := newHarness(t, Config{MinPushInterval: time.Minute})

	conn := h.dial(t, "secret")
	_, err := readFrame(t, conn, 2*time.Second) // initial push starts the interval
	require.NoError(t, err)

	h.server.broadcast()
	_, err = readFrame(t, conn, 200*time.Millisecond)
	assert.Error(t, err, "client inside its push interval must be skipped")
}

func TestActivitySignalWakesBroadcast(t *testing.T) {
	h := newHarness(t, Config{BroadcastWindow: 10 * time.Millisecond, MinPushInterval: time.Millisecond})

	notifier := notify.New(nil, nil, notify.WithMinInterval(time.Millisecond))
	h.server.notifier = notifier
	h.server.wg.Add(2)
	go h.server.drainLocal()
	go h.server.broadcastLoop()
	t.Cleanup(func() { h.server.stopOnce.Do(func() { close(h.server.shutdown) }) })

	conn := h.dial(t, "secret")
	_, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond) // clear the min push interval
	notifier.NotifyTraffic("gw1")

	msg, err := readFrame(t, conn, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "stats", msg.Type)
}

func TestSubscriptionResolution(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	r := Subscription{}.resolve("gw1", now)
	assert.Equal(t, "gw1", r.gatewayID)
	assert.Equal(t, now, r.to)
	assert.Equal(t, now.Add(-time.Hour), r.from)

	from := now.Add(-30 * time.Minute)
	r = Subscription{GatewayID: "gw2", From: from.UnixMilli(), To: now.UnixMilli()}.resolve("gw1", now)
	assert.Equal(t, "gw2", r.gatewayID)
	assert.Equal(t, from, r.from)
	assert.Equal(t, now, r.to)

	// Equal resolved views share a key; differing views do not.
	a := Subscription{GatewayID: "gw1"}.resolve("", now)
	b := Subscription{}.resolve("gw1", now)
	assert.Equal(t, a.key(), b.key())

	c := Subscription{GatewayID: "gw1", ChainFlow: true}.resolve("", now)
	assert.NotEqual(t, a.key(), c.key())
}
