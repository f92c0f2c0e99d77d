// Package storage defines the durable-store contracts the pipeline writes
// to and the stats layer reads from. The stores themselves are external
// collaborators; this package holds the row shapes, the sink/reader
// interfaces, and a SQLite reference backend under sqlitestore used for
// development and tests.
//
// Thread safety: all implementations must be safe for concurrent use.
// Writes are idempotent accumulations — replaying a batch after a partial
// failure merges rather than duplicates — which is what makes the write
// queue's at-least-once delivery acceptable.
package storage

import (
	"context"
	"time"

	"github.com/gatewatch/gatewatch/types"
)

// Bucket truncates a timestamp to the minute, the storage granularity for
// every row shape.
func Bucket(t time.Time) time.Time {
	return t.Truncate(time.Minute).UTC()
}

// DetailRow is one fine-grained traffic row.
type DetailRow struct {
	GatewayID   string
	Bucket      time.Time
	Domain      string
	IP          string
	SourceIP    string
	Chain       string
	Rule        string
	Upload      int64
	Download    int64
	Connections int64
}

// AggregateRow is one pre-aggregated traffic row per (gateway, minute).
type AggregateRow struct {
	GatewayID   string
	Bucket      time.Time
	Upload      int64
	Download    int64
	Connections int64
}

// CountryRow is one geo traffic row per (gateway, minute, country).
type CountryRow struct {
	GatewayID   string
	Bucket      time.Time
	Country     string
	Upload      int64
	Download    int64
	Connections int64
}

// TrafficSink accepts traffic writes. The detail and aggregate tables are
// written independently within one write task; a failure in one must not
// block the other.
type TrafficSink interface {
	WriteDetail(ctx context.Context, rows []DetailRow) error
	WriteAggregate(ctx context.Context, rows []AggregateRow) error
}

// CountrySink accepts country rollup writes.
type CountrySink interface {
	WriteCountries(ctx context.Context, rows []CountryRow) error
}

// GeoCache is the durable second-level cache of resolved geolocations.
type GeoCache interface {
	// Lookup returns the cached location for ip, with found=false on miss.
	Lookup(ctx context.Context, ip string) (*types.GeoLocation, bool, error)
	// Store persists a resolved location, overwriting any prior entry.
	Store(ctx context.Context, ip string, loc *types.GeoLocation) error
}

// Dimension selects a drill-down axis.
type Dimension string

// Drill-down axes exposed to dashboard clients.
const (
	DimDomain Dimension = "domain"
	DimIP     Dimension = "ip"
	DimDevice Dimension = "device" // source IP
	DimProxy  Dimension = "proxy"  // chain
	DimRule   Dimension = "rule"
)

// Totals is the aggregate counter triple.
type Totals struct {
	Upload      int64 `json:"upload"`
	Download    int64 `json:"download"`
	Connections int64 `json:"connections"`
}

// NamedCounts is one aggregated row keyed by a dimension value.
type NamedCounts struct {
	Name        string `json:"name"`
	Upload      int64  `json:"upload"`
	Download    int64  `json:"download"`
	Connections int64  `json:"connections"`
}

// TrendBucket is one minute bucket of a trend series.
type TrendBucket struct {
	Bucket   time.Time `json:"bucket"`
	Upload   int64     `json:"upload"`
	Download int64     `json:"download"`
}

// ChainEdge is one edge of the rule chain-flow graph with its traffic
// weight.
type ChainEdge struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Upload   int64  `json:"upload"`
	Download int64  `json:"download"`
}

// BaseSummary is the eight-way base aggregation for one gateway and time
// range: totals plus the top slices of every dimension and the trend.
type BaseSummary struct {
	Totals    Totals        `json:"totals"`
	Domains   []NamedCounts `json:"domains"`
	IPs       []NamedCounts `json:"ips"`
	Countries []NamedCounts `json:"countries"`
	Devices   []NamedCounts `json:"devices"`
	Proxies   []NamedCounts `json:"proxies"`
	Rules     []NamedCounts `json:"rules"`
	Trend     []TrendBucket `json:"trend"`
}

// TableQuery selects a page of a dimension table.
type TableQuery struct {
	Offset int
	Limit  int
	SortBy string // "upload", "download", "connections", "name"
	Desc   bool
	Search string // substring match on the dimension value
}

// TableResult is one page plus the unpaginated row count.
type TableResult struct {
	Rows  []NamedCounts `json:"rows"`
	Total int           `json:"total"`
}

// StatsReader serves the aggregation queries behind the dashboard views.
type StatsReader interface {
	// Summary computes the base aggregation for a gateway and range.
	Summary(ctx context.Context, gatewayID string, from, to time.Time) (*BaseSummary, error)
	// Table returns a paginated, sortable, searchable dimension table.
	// Only DimDomain and DimIP are served as tables.
	Table(ctx context.Context, gatewayID string, dim Dimension, from, to time.Time, q TableQuery) (*TableResult, error)
	// Drilldown returns the top domains for one value of a dimension.
	Drilldown(ctx context.Context, gatewayID string, dim Dimension, key string, from, to time.Time) ([]NamedCounts, error)
	// ChainFlow returns the weighted rule chain-flow edges.
	ChainFlow(ctx context.Context, gatewayID string, from, to time.Time) ([]ChainEdge, error)
}
