// Package realtime holds the in-memory short-horizon overlay of traffic
// and country counters observed since the last successful durable flush.
// The stats layer merges this overlay with durable aggregates so dashboard
// clients see sub-flush-interval traffic. A gateway's overlay slice is
// cleared only after its batch is durably persisted, never on a timer.
package realtime

import (
	"sync"
	"time"

	"github.com/gatewatch/gatewatch/types"
)

// OverlayKey carries the full dimensionality of a durable detail row, so
// merging overlay and durable data never loses a drill-down axis.
type OverlayKey struct {
	Domain   string
	IP       string
	SourceIP string
	Chain    string
	Rule     string
}

// OverlayRow is the accumulated overlay for one key.
type OverlayRow struct {
	Key         OverlayKey
	Upload      int64
	Download    int64
	Connections int64
	FirstSeen   time.Time
	LastSeen    time.Time

	// touched is the wall clock of the last Record call, the gate for
	// flush-time clearing. Distinct from LastSeen, which carries the
	// delta's own timestamp.
	touched time.Time
}

// CountryCounts is the accumulated overlay for one country.
type CountryCounts struct {
	Upload      int64
	Download    int64
	Connections int64

	touched time.Time
}

type gatewayOverlay struct {
	traffic   map[OverlayKey]*OverlayRow
	countries map[string]*CountryCounts
}

// Store is the process-wide realtime overlay, keyed by gateway.
type Store struct {
	mu        sync.RWMutex
	gateways  map[string]*gatewayOverlay
	snapshots map[string]*types.GatewayConfigSnapshot

	lastActive   string
	lastActiveAt time.Time
}

// NewStore creates an empty realtime store.
func NewStore() *Store {
	return &Store{
		gateways:  make(map[string]*gatewayOverlay),
		snapshots: make(map[string]*types.GatewayConfigSnapshot),
	}
}

func (s *Store) overlay(gatewayID string) *gatewayOverlay {
	g, ok := s.gateways[gatewayID]
	if !ok {
		g = &gatewayOverlay{
			traffic:   make(map[OverlayKey]*OverlayRow),
			countries: make(map[string]*CountryCounts),
		}
		s.gateways[gatewayID] = g
	}
	return g
}

// RecordTraffic mirrors a delta into the overlay.
func (s *Store) RecordTraffic(d *types.TrafficDelta) {
	key := OverlayKey{
		Domain:   d.Domain,
		IP:       d.IP,
		SourceIP: d.SourceIP,
		Chain:    d.Chain(),
		Rule:     d.Rule,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.overlay(d.GatewayID)
	row, ok := g.traffic[key]
	if !ok {
		row = &OverlayRow{Key: key, FirstSeen: d.Timestamp}
		g.traffic[key] = row
	}
	row.Upload += d.Upload
	row.Download += d.Download
	row.Connections++
	row.touched = time.Now()
	if d.Timestamp.After(row.LastSeen) {
		row.LastSeen = d.Timestamp
	}

	s.lastActive = d.GatewayID
	s.lastActiveAt = d.Timestamp
}

// RecordCountry mirrors a resolved country contribution into the overlay.
func (s *Store) RecordCountry(gatewayID, country string, upload, download int64) {
	if country == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	g := s.overlay(gatewayID)
	c, ok := g.countries[country]
	if !ok {
		c = &CountryCounts{}
		g.countries[country] = c
	}
	c.Upload += upload
	c.Download += download
	c.Connections++
	c.touched = time.Now()
}

// ClearTraffic drops a gateway's traffic overlay rows last touched at or
// before the cutoff. Called only after the gateway's traffic batch was
// durably written; rows recorded while that write was in flight stay
// visible until their own flush succeeds.
func (s *Store) ClearTraffic(gatewayID string, cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gateways[gatewayID]
	if !ok {
		return
	}
	for key, row := range g.traffic {
		if !row.touched.After(cutoff) {
			delete(g.traffic, key)
		}
	}
}

// ClearCountries drops a gateway's country overlay entries last touched
// at or before the cutoff. Called only after the gateway's country batch
// was durably written.
func (s *Store) ClearCountries(gatewayID string, cutoff time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.gateways[gatewayID]
	if !ok {
		return
	}
	for country, c := range g.countries {
		if !c.touched.After(cutoff) {
			delete(g.countries, country)
		}
	}
}

// Traffic returns a copy of the traffic overlay rows for a gateway.
func (s *Store) Traffic(gatewayID string) []OverlayRow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.gateways[gatewayID]
	if !ok {
		return nil
	}
	rows := make([]OverlayRow, 0, len(g.traffic))
	for _, row := range g.traffic {
		rows = append(rows, *row)
	}
	return rows
}

// Countries returns a copy of the country overlay for a gateway.
func (s *Store) Countries(gatewayID string) map[string]CountryCounts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.gateways[gatewayID]
	if !ok {
		return nil
	}
	out := make(map[string]CountryCounts, len(g.countries))
	for country, c := range g.countries {
		out[country] = *c
	}
	return out
}

// StoreSnapshot caches the last synced gateway configuration snapshot,
// last-write-wins.
func (s *Store) StoreSnapshot(snap *types.GatewayConfigSnapshot) {
	if snap == nil || snap.GatewayID == "" {
		return
	}
	s.mu.Lock()
	s.snapshots[snap.GatewayID] = snap
	s.mu.Unlock()
}

// Snapshot returns the cached configuration snapshot for a gateway.
func (s *Store) Snapshot(gatewayID string) (*types.GatewayConfigSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[gatewayID]
	return snap, ok
}

// ActiveGateway returns the gateway that most recently produced a delta.
// Used to resolve subscriptions that name no gateway.
func (s *Store) ActiveGateway() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}
