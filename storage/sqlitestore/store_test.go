package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewatch/gatewatch/storage"
	"github.com/gatewatch/gatewatch/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var (
	bucket1 = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	bucket2 = time.Date(2026, 9, 1, 12, 1, 0, 0, time.UTC)
)

func seedTraffic(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.WriteDetail(ctx, []storage.DetailRow{
		{GatewayID: "gw1", Bucket: bucket1, Domain: "example.com", IP: "1.2.3.4",
			SourceIP: "192.168.1.10", Chain: "Auto > HK-01", Rule: "RuleSet",
			Upload: 100, Download: 200, Connections: 2},
		{GatewayID: "gw1", Bucket: bucket1, Domain: "other.com", IP: "5.6.7.8",
			SourceIP: "192.168.1.11", Chain: "Auto > US-02", Rule: "Match",
			Upload: 10, Download: 20, Connections: 1},
		{GatewayID: "gw1", Bucket: bucket2, Domain: "example.com", IP: "1.2.3.4",
			SourceIP: "192.168.1.10", Chain: "Auto > HK-01", Rule: "RuleSet",
			Upload: 50, Download: 60, Connections: 1},
		{GatewayID: "gw2", Bucket: bucket1, Domain: "elsewhere.net", IP: "9.9.9.9",
			SourceIP: "10.0.0.2", Chain: "DIRECT", Rule: "Match",
			Upload: 1, Download: 1, Connections: 1},
	}))

	require.NoError(t, s.WriteAggregate(ctx, []storage.AggregateRow{
		{GatewayID: "gw1", Bucket: bucket1, Upload: 110, Download: 220, Connections: 3},
		{GatewayID: "gw1", Bucket: bucket2, Upload: 50, Download: 60, Connections: 1},
		{GatewayID: "gw2", Bucket: bucket1, Upload: 1, Download: 1, Connections: 1},
	}))

	require.NoError(t, s.WriteCountries(ctx, []storage.CountryRow{
		{GatewayID: "gw1", Bucket: bucket1, Country: "US", Upload: 100, Download: 200, Connections: 2},
		{GatewayID: "gw1", Bucket: bucket1, Country: "DE", Upload: 10, Download: 20, Connections: 1},
	}))
}

func TestWriteDetailMergesOnReplay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	row := storage.DetailRow{GatewayID: "gw1", Bucket: bucket1, Domain: "example.com",
		IP: "1.2.3.4", SourceIP: "192.168.1.10", Chain: "Auto > HK-01", Rule: "RuleSet",
		Upload: 100, Download: 200, Connections: 1}
	require.NoError(t, s.WriteDetail(ctx, []storage.DetailRow{row}))
	require.NoError(t, s.WriteDetail(ctx, []storage.DetailRow{row}))

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM traffic_detail`).Scan(&count))
	assert.Equal(t, 1, count)

	var upload int64
	require.NoError(t, s.db.QueryRow(`SELECT upload FROM traffic_detail`).Scan(&upload))
	assert.Equal(t, int64(200), upload)
}

func TestSummary(t *testing.T) {
	s := openTestStore(t)
	seedTraffic(t, s)

	from := bucket1
	to := bucket1.Add(10 * time.Minute)
	summary, err := s.Summary(context.Background(), "gw1", from, to)
	require.NoError(t, err)

	assert.Equal(t, int64(160), summary.Totals.Upload)
	assert.Equal(t, int64(280), summary.Totals.Download)
	assert.Equal(t, int64(4), summary.Totals.Connections)

	require.Len(t, summary.Domains, 2)
	assert.Equal(t, "example.com", summary.Domains[0].Name)
	assert.Equal(t, int64(150), summary.Domains[0].Upload)

	require.Len(t, summary.Countries, 2)
	assert.Equal(t, "US", summary.Countries[0].Name)

	require.Len(t, summary.Trend, 2)
	assert.Equal(t, bucket1, summary.Trend[0].Bucket)
	assert.Equal(t, int64(110), summary.Trend[0].Upload)

	require.Len(t, summary.Proxies, 2)
	require.Len(t, summary.Rules, 2)
	require.Len(t, summary.Devices, 2)
	require.Len(t, summary.IPs, 2)
}

func TestSummaryScopedToGateway(t *testing.T) {
	s := openTestStore(t)
	seedTraffic(t, s)

	summary, err := s.Summary(context.Background(), "gw2", bucket1, bucket1.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Totals.Upload)
	require.Len(t, summary.Domains, 1)
	assert.Equal(t, "elsewhere.net", summary.Domains[0].Name)
}

func TestTablePaginationAndSort(t *testing.T) {
	s := openTestStore(t)
	seedTraffic(t, s)

	from, to := bucket1, bucket1.Add(time.Hour)

	result, err := s.Table(context.Background(), "gw1", storage.DimDomain, from, to,
		storage.TableQuery{Limit: 1, SortBy: "upload", Desc: true})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "example.com", result.Rows[0].Name)

	result, err = s.Table(context.Background(), "gw1", storage.DimDomain, from, to,
		storage.TableQuery{Offset: 1, Limit: 1, SortBy: "upload", Desc: true})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "other.com", result.Rows[0].Name)
}

func TestTableSearch(t *testing.T) {
	s := openTestStore(t)
	seedTraffic(t, s)

	result, err := s.Table(context.Background(), "gw1", storage.DimDomain,
		bucket1, bucket1.Add(time.Hour), storage.TableQuery{Search: "example"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Total)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "example.com", result.Rows[0].Name)
}

func TestTableRejectsNonTableDimension(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Table(context.Background(), "gw1", storage.DimProxy,
		bucket1, bucket1.Add(time.Hour), storage.TableQuery{})
	require.Error(t, err)
}

func TestDrilldown(t *testing.T) {
	s := openTestStore(t)
	seedTraffic(t, s)

	domains, err := s.Drilldown(context.Background(), "gw1", storage.DimDevice,
		"192.168.1.10", bucket1, bucket1.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, "example.com", domains[0].Name)
	assert.Equal(t, int64(150), domains[0].Upload)
}

func TestChainFlow(t *testing.T) {
	s := openTestStore(t)
	seedTraffic(t, s)

	edges, err := s.ChainFlow(context.Background(), "gw1", bucket1, bucket1.Add(time.Hour))
	require.NoError(t, err)

	byPair := map[string]storage.ChainEdge{}
	for _, e := range edges {
		byPair[e.From+"->"+e.To] = e
	}

	hk := byPair["Auto->HK-01"]
	assert.Equal(t, int64(150), hk.Upload)
	assert.Equal(t, int64(260), hk.Download)

	rule := byPair["RuleSet->Auto"]
	assert.Equal(t, int64(150), rule.Upload)

	us := byPair["Auto->US-02"]
	assert.Equal(t, int64(10), us.Upload)
}

func TestGeoCacheRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, found, err := s.Lookup(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.False(t, found)

	loc := &types.GeoLocation{Country: "US", CountryName: "United States", ASN: 15169, ASName: "Google"}
	require.NoError(t, s.Store(ctx, "8.8.8.8", loc))

	got, found, err := s.Lookup(ctx, "8.8.8.8")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "US", got.Country)
	assert.Equal(t, uint(15169), got.ASN)

	// Overwrite wins.
	require.NoError(t, s.Store(ctx, "8.8.8.8", &types.GeoLocation{Country: "CA"}))
	got, _, err = s.Lookup(ctx, "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, "CA", got.Country)
}
