package health

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor(nil)

	m.UpdateHealthy("stream-adapter", "connected")
	m.UpdateDegraded("geoip", "online fallback active")

	status, ok := m.Get("stream-adapter")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "stream-adapter", status.Component)
	assert.False(t, status.Timestamp.IsZero())

	status, ok = m.Get("geoip")
	require.True(t, ok)
	assert.True(t, status.IsDegraded())

	_, ok = m.Get("unknown")
	assert.False(t, ok)
}

func TestMonitor_AggregateHealth(t *testing.T) {
	m := NewMonitor(nil)

	m.UpdateHealthy("a", "ok")
	m.UpdateHealthy("b", "ok")
	assert.True(t, m.AggregateHealth("gatewatch").IsHealthy())

	m.UpdateDegraded("b", "slow")
	agg := m.AggregateHealth("gatewatch")
	assert.True(t, agg.IsDegraded())
	assert.Len(t, agg.SubStatuses, 2)

	m.UpdateUnhealthy("a", "down")
	assert.True(t, m.AggregateHealth("gatewatch").IsUnhealthy())

	m.Remove("a")
	assert.True(t, m.AggregateHealth("gatewatch").IsDegraded())
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor(nil)
	m.UpdateHealthy("writer", "ok")

	rec := httptest.NewRecorder()
	m.Handler("gatewatch").ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 200, rec.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "gatewatch", status.Component)
	assert.True(t, status.Healthy)

	m.UpdateUnhealthy("writer", "sink unreachable")
	rec = httptest.NewRecorder()
	m.Handler("gatewatch").ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rec.Code)
}
