package stats

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewatch/gatewatch/realtime"
	"github.com/gatewatch/gatewatch/storage"
	"github.com/gatewatch/gatewatch/types"
)

type fakeReader struct {
	summary     *storage.BaseSummary
	summaryHits atomic.Int64
}

func (f *fakeReader) Summary(context.Context, string, time.Time, time.Time) (*storage.BaseSummary, error) {
	f.summaryHits.Add(1)
	return f.summary, nil
}

func (f *fakeReader) Table(context.Context, string, storage.Dimension, time.Time, time.Time, storage.TableQuery) (*storage.TableResult, error) {
	return &storage.TableResult{}, nil
}

func (f *fakeReader) Drilldown(context.Context, string, storage.Dimension, string, time.Time, time.Time) ([]storage.NamedCounts, error) {
	return nil, nil
}

func (f *fakeReader) ChainFlow(context.Context, string, time.Time, time.Time) ([]storage.ChainEdge, error) {
	return nil, nil
}

func baseSummary() *storage.BaseSummary {
	return &storage.BaseSummary{
		Totals:  storage.Totals{Upload: 1000, Download: 2000, Connections: 10},
		Domains: []storage.NamedCounts{{Name: "example.com", Upload: 1000, Download: 2000, Connections: 10}},
		Countries: []storage.NamedCounts{
			{Name: "US", Upload: 900, Download: 1800, Connections: 9},
		},
	}
}

func newTestService(t *testing.T, reader storage.StatsReader, overlay *realtime.Store) *Service {
	t.Helper()
	s, err := New(reader, overlay)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSummaryMergesOverlayForLiveRange(t *testing.T) {
	reader := &fakeReader{summary: baseSummary()}
	overlay := realtime.NewStore()
	s := newTestService(t, reader, overlay)

	overlay.RecordTraffic(&types.TrafficDelta{
		GatewayID: "gw1", Domain: "example.com", IP: "1.2.3.4", SourceIP: "192.168.1.10",
		Chains: []string{"Auto"}, Rule: "RuleSet", Upload: 100, Download: 200,
		Timestamp: time.Now(),
	})
	overlay.RecordTraffic(&types.TrafficDelta{
		GatewayID: "gw1", Domain: "fresh.io", IP: "5.6.7.8", SourceIP: "192.168.1.10",
		Chains: []string{"Auto"}, Rule: "RuleSet", Upload: 10, Download: 10,
		Timestamp: time.Now(),
	})
	overlay.RecordCountry("gw1", "DE", 10, 10)

	now := time.Now()
	summary, err := s.Summary(context.Background(), "gw1", now.Add(-time.Hour), now)
	require.NoError(t, err)

	assert.Equal(t, int64(1110), summary.Totals.Upload)
	assert.Equal(t, int64(2210), summary.Totals.Download)
	assert.Equal(t, int64(12), summary.Totals.Connections)

	byName := map[string]storage.NamedCounts{}
	for _, nc := range summary.Domains {
		byName[nc.Name] = nc
	}
	assert.Equal(t, int64(1100), byName["example.com"].Upload)
	assert.Equal(t, int64(10), byName["fresh.io"].Upload)

	countries := map[string]storage.NamedCounts{}
	for _, nc := range summary.Countries {
		countries[nc.Name] = nc
	}
	assert.Equal(t, int64(910), countries["US"].Upload)
	assert.Equal(t, int64(10), countries["DE"].Upload)
}

func TestSummaryHistoricalRangeSkipsOverlay(t *testing.T) {
	reader := &fakeReader{summary: baseSummary()}
	overlay := realtime.NewStore()
	s := newTestService(t, reader, overlay)

	overlay.RecordTraffic(&types.TrafficDelta{
		GatewayID: "gw1", Domain: "fresh.io", IP: "5.6.7.8", SourceIP: "192.168.1.10",
		Upload: 10, Download: 10, Timestamp: time.Now(),
	})

	to := time.Now().Add(-24 * time.Hour)
	summary, err := s.Summary(context.Background(), "gw1", to.Add(-time.Hour), to)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), summary.Totals.Upload)
}

func TestSummaryCachesBase(t *testing.T) {
	reader := &fakeReader{summary: baseSummary()}
	s := newTestService(t, reader, nil)

	now := time.Now().Truncate(time.Second)
	from, to := now.Add(-time.Hour), now

	for i := 0; i < 5; i++ {
		_, err := s.Summary(context.Background(), "gw1", from, to)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), reader.summaryHits.Load())

	// Different range computes separately.
	_, err := s.Summary(context.Background(), "gw1", from.Add(-time.Hour), to)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reader.summaryHits.Load())
}

func TestSummaryMergeDoesNotMutateCachedBase(t *testing.T) {
	reader := &fakeReader{summary: baseSummary()}
	overlay := realtime.NewStore()
	s := newTestService(t, reader, overlay)

	now := time.Now().Truncate(time.Second)
	from, to := now.Add(-time.Hour), now

	overlay.RecordTraffic(&types.TrafficDelta{
		GatewayID: "gw1", Domain: "example.com", IP: "1.2.3.4", SourceIP: "192.168.1.10",
		Upload: 100, Download: 100, Timestamp: time.Now(),
	})

	first, err := s.Summary(context.Background(), "gw1", from, to)
	require.NoError(t, err)
	second, err := s.Summary(context.Background(), "gw1", from, to)
	require.NoError(t, err)

	// Overlay applied once per call, not compounded into the cached base.
	assert.Equal(t, first.Totals.Upload, second.Totals.Upload)
	assert.Equal(t, int64(1100), second.Totals.Upload)
}

func TestCacheKey(t *testing.T) {
	from := time.Unix(1000, 0)
	to := time.Unix(2000, 0)
	assert.Equal(t, CacheKey("gw1", from, to), CacheKey("gw1", from, to))
	assert.NotEqual(t, CacheKey("gw1", from, to), CacheKey("gw2", from, to))
	assert.NotEqual(t, CacheKey("gw1", from, to), CacheKey("gw1", from, to.Add(time.Second)))
}
