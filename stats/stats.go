// Package stats computes the dashboard views: durable aggregates from the
// stats reader merged with the realtime overlay for recency-correct
// numbers, behind a TTL'd base-summary cache so broadcast ticks don't
// recompute the eight-way aggregation per client.
package stats

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/pkg/cache"
	"github.com/gatewatch/gatewatch/realtime"
	"github.com/gatewatch/gatewatch/storage"
)

// Cache TTLs for the base summary. Live ranges change every broadcast
// tick; historical ranges are stable.
const (
	LiveTTL       = 2 * time.Second
	HistoricalTTL = 5 * time.Minute

	// liveWindow is how close to now a range's end must be to count as
	// live.
	liveWindow = 2 * time.Minute

	topSliceLimit = 50
)

// Service merges durable and overlay data.
type Service struct {
	reader  storage.StatsReader
	overlay *realtime.Store
	base    *cache.TTLCache[*storage.BaseSummary]
}

// New creates the stats service. The overlay may be nil, yielding
// durable-only views.
func New(reader storage.StatsReader, overlay *realtime.Store) (*Service, error) {
	base, err := cache.NewTTLCache[*storage.BaseSummary](LiveTTL)
	if err != nil {
		return nil, errors.Wrap(err, "stats", "New", "base summary cache")
	}
	return &Service{reader: reader, overlay: overlay, base: base}, nil
}

// CacheKey identifies one base summary computation. Clients resolving to
// the same key share cached results.
func CacheKey(gatewayID string, from, to time.Time) string {
	return fmt.Sprintf("%s|%d|%d", gatewayID, from.Unix(), to.Unix())
}

// isLive reports whether a range ends near now, so overlay data belongs
// in it.
func isLive(to time.Time) bool {
	return time.Since(to) < liveWindow
}

// Summary returns the base aggregation for a gateway and range, merged
// with the realtime overlay when the range is live.
func (s *Service) Summary(ctx context.Context, gatewayID string, from, to time.Time) (*storage.BaseSummary, error) {
	key := CacheKey(gatewayID, from, to)

	base, ok := s.base.Get(key)
	if !ok {
		var err error
		base, err = s.reader.Summary(ctx, gatewayID, from, to)
		if err != nil {
			return nil, err
		}
		ttl := HistoricalTTL
		if isLive(to) {
			ttl = LiveTTL
		}
		s.base.SetWithTTL(key, base, ttl)
	}

	if s.overlay == nil || !isLive(to) {
		return base, nil
	}
	return s.merge(gatewayID, base), nil
}

// merge layers the gateway's overlay on top of a durable base summary,
// leaving the cached base untouched.
func (s *Service) merge(gatewayID string, base *storage.BaseSummary) *storage.BaseSummary {
	rows := s.overlay.Traffic(gatewayID)
	countries := s.overlay.Countries(gatewayID)
	if len(rows) == 0 && len(countries) == 0 {
		return base
	}

	merged := &storage.BaseSummary{
		Totals: base.Totals,
		Trend:  base.Trend,
	}

	for _, row := range rows {
		merged.Totals.Upload += row.Upload
		merged.Totals.Download += row.Download
		merged.Totals.Connections += row.Connections
	}

	merged.Domains = mergeSlice(base.Domains, rows, func(k realtime.OverlayKey) string { return k.Domain })
	merged.IPs = mergeSlice(base.IPs, rows, func(k realtime.OverlayKey) string { return k.IP })
	merged.Devices = mergeSlice(base.Devices, rows, func(k realtime.OverlayKey) string { return k.SourceIP })
	merged.Proxies = mergeSlice(base.Proxies, rows, func(k realtime.OverlayKey) string { return k.Chain })
	merged.Rules = mergeSlice(base.Rules, rows, func(k realtime.OverlayKey) string { return k.Rule })
	merged.Countries = mergeCountries(base.Countries, countries)

	return merged
}

// mergeSlice folds overlay rows into one dimension slice and re-sorts by
// total bytes.
func mergeSlice(base []storage.NamedCounts, rows []realtime.OverlayRow,
	name func(realtime.OverlayKey) string) []storage.NamedCounts {

	byName := make(map[string]*storage.NamedCounts, len(base))
	for _, nc := range base {
		c := nc
		byName[nc.Name] = &c
	}

	for _, row := range rows {
		n := name(row.Key)
		if n == "" {
			continue
		}
		nc, ok := byName[n]
		if !ok {
			nc = &storage.NamedCounts{Name: n}
			byName[n] = nc
		}
		nc.Upload += row.Upload
		nc.Download += row.Download
		nc.Connections += row.Connections
	}

	out := make([]storage.NamedCounts, 0, len(byName))
	for _, nc := range byName {
		out = append(out, *nc)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Upload+out[i].Download > out[j].Upload+out[j].Download
	})
	if len(out) > topSliceLimit {
		out = out[:topSliceLimit]
	}
	return out
}

func mergeCountries(base []storage.NamedCounts, overlay map[string]realtime.CountryCounts) []storage.NamedCounts {
	byName := make(map[string]*storage.NamedCounts, len(base))
	for _, nc := range base {
		c := nc
		byName[nc.Name] = &c
	}

	for country, c := range overlay {
		nc, ok := byName[country]
		if !ok {
			nc = &storage.NamedCounts{Name: country}
			byName[country] = nc
		}
		nc.Upload += c.Upload
		nc.Download += c.Download
		nc.Connections += c.Connections
	}

	out := make([]storage.NamedCounts, 0, len(byName))
	for _, nc := range byName {
		out = append(out, *nc)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Upload+out[i].Download > out[j].Upload+out[j].Download
	})
	return out
}

// Table proxies the paginated domain/IP tables.
func (s *Service) Table(ctx context.Context, gatewayID string, dim storage.Dimension,
	from, to time.Time, q storage.TableQuery) (*storage.TableResult, error) {
	return s.reader.Table(ctx, gatewayID, dim, from, to, q)
}

// Drilldown proxies the dimension drill-downs.
func (s *Service) Drilldown(ctx context.Context, gatewayID string, dim storage.Dimension,
	key string, from, to time.Time) ([]storage.NamedCounts, error) {
	return s.reader.Drilldown(ctx, gatewayID, dim, key, from, to)
}

// ChainFlow proxies the chain-flow graph.
func (s *Service) ChainFlow(ctx context.Context, gatewayID string, from, to time.Time) ([]storage.ChainEdge, error) {
	return s.reader.ChainFlow(ctx, gatewayID, from, to)
}

// Close releases the cache.
func (s *Service) Close() error {
	return s.base.Close()
}
