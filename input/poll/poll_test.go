package poll

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewatch/gatewatch/batch"
	"github.com/gatewatch/gatewatch/input"
	"github.com/gatewatch/gatewatch/realtime"
	"github.com/gatewatch/gatewatch/storage"
	"github.com/gatewatch/gatewatch/tracker"
	"github.com/gatewatch/gatewatch/types"
	"github.com/gatewatch/gatewatch/writequeue"
)

type nullSink struct{}

func (nullSink) WriteDetail(context.Context, []storage.DetailRow) error       { return nil }
func (nullSink) WriteAggregate(context.Context, []storage.AggregateRow) error { return nil }
func (nullSink) WriteCountries(context.Context, []storage.CountryRow) error   { return nil }

// fakeGateway serves /v1/requests/recent from a swappable response.
type fakeGateway struct {
	server *httptest.Server

	mu       sync.Mutex
	response types.PollResponse
	status   int
	polls    int
	keys     []string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/requests/recent", func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.polls++
		g.keys = append(g.keys, r.Header.Get("X-Key"))
		if g.status != http.StatusOK {
			w.WriteHeader(g.status)
			return
		}
		json.NewEncoder(w).Encode(g.response)
	})
	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) setResponse(resp types.PollResponse) {
	g.mu.Lock()
	g.response = resp
	g.mu.Unlock()
}

func (g *fakeGateway) pollCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls
}

func newTestAdapter(t *testing.T, url string) (*Adapter, *realtime.Store) {
	t.Helper()

	queue, err := writequeue.New(writequeue.Options{Name: "poll-test"})
	require.NoError(t, err)
	require.NoError(t, queue.Start(context.Background()))
	t.Cleanup(func() { _ = queue.Stop(2 * time.Second) })

	overlay := realtime.NewStore()
	buf := batch.New(queue, nullSink{}, nullSink{}, overlay, batch.Options{})

	pipe := &input.Pipeline{Batch: buf, Realtime: overlay}
	a := New(Config{
		Gateway:  types.Gateway{ID: "gw1", Kind: types.GatewayPoll, URL: url, Token: "secret"},
		Interval: 20 * time.Millisecond,
	}, tracker.New(), pipe, nil)

	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Stop(2 * time.Second) })
	return a, overlay
}

func pollEntry(id int64, out, in int64) types.PollRequest {
	return types.PollRequest{
		ID:            id,
		RemoteHost:    "example.com",
		RemoteAddress: "1.2.3.4:443",
		LocalAddress:  "192.168.1.10:52000",
		OutBytes:      out,
		InBytes:       in,
		PolicyName:    "HK-01",
	}
}

func overlayTotal(overlay *realtime.Store, gw string) (up, down int64) {
	for _, row := range overlay.Traffic(gw) {
		up += row.Upload
		down += row.Download
	}
	return up, down
}

func TestAdapterEmitsDeltasFromCumulativeCounters(t *testing.T) {
	g := newFakeGateway(t)
	g.setResponse(types.PollResponse{Requests: []types.PollRequest{pollEntry(1, 100, 200)}})
	_, overlay := newTestAdapter(t, g.server.URL)

	require.Eventually(t, func() bool {
		up, down := overlayTotal(overlay, "gw1")
		return up == 100 && down == 200
	}, 2*time.Second, 10*time.Millisecond)

	g.setResponse(types.PollResponse{Requests: []types.PollRequest{pollEntry(1, 150, 260)}})
	require.Eventually(t, func() bool {
		up, down := overlayTotal(overlay, "gw1")
		return up == 150 && down == 260
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdapterSuppressesFinishedRequests(t *testing.T) {
	g := newFakeGateway(t)
	done := pollEntry(1, 100, 200)
	done.Completed = true
	g.setResponse(types.PollResponse{Requests: []types.PollRequest{done}})
	_, overlay := newTestAdapter(t, g.server.URL)

	require.Eventually(t, func() bool {
		up, _ := overlayTotal(overlay, "gw1")
		return up == 100
	}, 2*time.Second, 10*time.Millisecond)

	// The entry keeps appearing in subsequent polls with identical
	// counters; the completed record must swallow it.
	require.Eventually(t, func() bool {
		return g.pollCount() >= 5
	}, 2*time.Second, 10*time.Millisecond)

	up, down := overlayTotal(overlay, "gw1")
	assert.Equal(t, int64(100), up)
	assert.Equal(t, int64(200), down)
}

func TestAdapterDropsEntriesAbsentFromWindow(t *testing.T) {
	g := newFakeGateway(t)
	g.setResponse(types.PollResponse{Requests: []types.PollRequest{pollEntry(1, 100, 200)}})
	a, overlay := newTestAdapter(t, g.server.URL)

	require.Eventually(t, func() bool {
		up, _ := overlayTotal(overlay, "gw1")
		return up == 100
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, a.tracker.Len())

	// The entry leaves the recent window: the next poll drops its state
	// rather than waiting for the staleness sweep.
	g.setResponse(types.PollResponse{})
	require.Eventually(t, func() bool {
		return a.tracker.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAdapterCompletedRecordSurvivesWindowGap(t *testing.T) {
	g := newFakeGateway(t)
	done := pollEntry(1, 100, 200)
	done.Completed = true
	g.setResponse(types.PollResponse{Requests: []types.PollRequest{done}})
	a, overlay := newTestAdapter(t, g.server.URL)

	require.Eventually(t, func() bool {
		up, _ := overlayTotal(overlay, "gw1")
		return up == 100
	}, 2*time.Second, 10*time.Millisecond)

	// The finished entry drops out of the window, then the gateway's
	// recent list replays it with unchanged counters.
	g.setResponse(types.PollResponse{})
	require.Eventually(t, func() bool {
		return a.tracker.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	g.setResponse(types.PollResponse{Requests: []types.PollRequest{done}})
	before := g.pollCount()
	require.Eventually(t, func() bool {
		return g.pollCount() >= before+3
	}, 2*time.Second, 10*time.Millisecond)

	up, down := overlayTotal(overlay, "gw1")
	assert.Equal(t, int64(100), up)
	assert.Equal(t, int64(200), down)
}

func TestAdapterSendsTokenHeader(t *testing.T) {
	g := newFakeGateway(t)
	newTestAdapter(t, g.server.URL)

	require.Eventually(t, func() bool {
		return g.pollCount() >= 1
	}, 2*time.Second, 10*time.Millisecond)

	g.mu.Lock()
	key := g.keys[0]
	g.mu.Unlock()
	assert.Equal(t, "secret", key)
}

func TestAdapterBacksOffOnErrors(t *testing.T) {
	g := newFakeGateway(t)
	g.mu.Lock()
	g.status = http.StatusInternalServerError
	g.mu.Unlock()

	a, _ := newTestAdapter(t, g.server.URL)

	// With 2s initial backoff, errors must not be polled at the normal
	// 20ms cadence.
	time.Sleep(300 * time.Millisecond)
	assert.LessOrEqual(t, g.pollCount(), 2)

	_, pollErrors, _ := a.Stats()
	assert.GreaterOrEqual(t, pollErrors, int64(1))
}

func TestChainFromNotes(t *testing.T) {
	r := &types.PollRequest{
		PolicyName: "HK-01",
		Notes:      []string{"some other note", "Proxy chain: Auto → HK-01"},
	}
	assert.Equal(t, []string{"Auto", "HK-01"}, chainFromRequest(r))

	r = &types.PollRequest{Notes: []string{"Proxy chain: Final -> US-02 -> exit"}}
	assert.Equal(t, []string{"Final", "US-02", "exit"}, chainFromRequest(r))

	r = &types.PollRequest{Notes: []string{"Proxy chain: Solo"}}
	assert.Equal(t, []string{"Solo"}, chainFromRequest(r))
}

func TestChainPolicyFallback(t *testing.T) {
	r := &types.PollRequest{OriginalPolicyName: "Auto", PolicyName: "HK-01"}
	assert.Equal(t, []string{"Auto", "HK-01"}, chainFromRequest(r))

	// Duplicate policy names collapse to one hop.
	r = &types.PollRequest{OriginalPolicyName: "HK-01", PolicyName: "HK-01"}
	assert.Equal(t, []string{"HK-01"}, chainFromRequest(r))

	r = &types.PollRequest{PolicyName: "HK-01"}
	assert.Equal(t, []string{"HK-01"}, chainFromRequest(r))

	// No policy at all is direct traffic.
	r = &types.PollRequest{}
	assert.Equal(t, []string{"DIRECT"}, chainFromRequest(r))
}

func TestSplitRemote(t *testing.T) {
	r := &types.PollRequest{RemoteHost: "example.com", RemoteAddress: "1.2.3.4:443"}
	domain, ip := splitRemote(r)
	assert.Equal(t, "example.com", domain)
	assert.Equal(t, "1.2.3.4", ip)

	// IP-only entry.
	r = &types.PollRequest{RemoteAddress: "5.6.7.8:80"}
	domain, ip = splitRemote(r)
	assert.Equal(t, "5.6.7.8", domain)
	assert.Equal(t, "5.6.7.8", ip)
}
