package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/storage"
)

// topSliceLimit caps each dimension slice in a base summary.
const topSliceLimit = 50

// dimColumns maps a dimension to its traffic_detail column. Values are
// fixed identifiers, never user input.
var dimColumns = map[storage.Dimension]string{
	storage.DimDomain: "domain",
	storage.DimIP:     "ip",
	storage.DimDevice: "source_ip",
	storage.DimProxy:  "chain",
	storage.DimRule:   "rule",
}

// Summary computes the eight-way base aggregation for one gateway and
// range.
func (s *Store) Summary(ctx context.Context, gatewayID string, from, to time.Time) (*storage.BaseSummary, error) {
	summary := &storage.BaseSummary{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(upload), 0), COALESCE(SUM(download), 0), COALESCE(SUM(connections), 0)
		FROM traffic_minute WHERE gateway_id = ? AND bucket >= ? AND bucket < ?`,
		gatewayID, from.UTC(), to.UTC()).
		Scan(&summary.Totals.Upload, &summary.Totals.Download, &summary.Totals.Connections)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "Summary", "totals")
	}

	for dim, dest := range map[storage.Dimension]*[]storage.NamedCounts{
		storage.DimDomain: &summary.Domains,
		storage.DimIP:     &summary.IPs,
		storage.DimDevice: &summary.Devices,
		storage.DimProxy:  &summary.Proxies,
		storage.DimRule:   &summary.Rules,
	} {
		rows, err := s.topCounts(ctx, gatewayID, dimColumns[dim], from, to)
		if err != nil {
			return nil, err
		}
		*dest = rows
	}

	countries, err := s.topCountries(ctx, gatewayID, from, to)
	if err != nil {
		return nil, err
	}
	summary.Countries = countries

	trend, err := s.trend(ctx, gatewayID, from, to)
	if err != nil {
		return nil, err
	}
	summary.Trend = trend

	return summary, nil
}

func (s *Store) topCounts(ctx context.Context, gatewayID, column string, from, to time.Time) ([]storage.NamedCounts, error) {
	query := fmt.Sprintf(`
		SELECT %s, SUM(upload), SUM(download), SUM(connections)
		FROM traffic_detail WHERE gateway_id = ? AND bucket >= ? AND bucket < ?
		GROUP BY %s ORDER BY SUM(upload) + SUM(download) DESC LIMIT %d`,
		column, column, topSliceLimit)

	rows, err := s.db.QueryContext(ctx, query, gatewayID, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "topCounts", column)
	}
	defer rows.Close()
	return scanNamedCounts(rows)
}

func (s *Store) topCountries(ctx context.Context, gatewayID string, from, to time.Time) ([]storage.NamedCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT country, SUM(upload), SUM(download), SUM(connections)
		FROM traffic_country WHERE gateway_id = ? AND bucket >= ? AND bucket < ?
		GROUP BY country ORDER BY SUM(upload) + SUM(download) DESC LIMIT ?`,
		gatewayID, from.UTC(), to.UTC(), topSliceLimit)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "topCountries", "query")
	}
	defer rows.Close()
	return scanNamedCounts(rows)
}

func (s *Store) trend(ctx context.Context, gatewayID string, from, to time.Time) ([]storage.TrendBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bucket, upload, download
		FROM traffic_minute WHERE gateway_id = ? AND bucket >= ? AND bucket < ?
		ORDER BY bucket ASC`,
		gatewayID, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "trend", "query")
	}
	defer rows.Close()

	var trend []storage.TrendBucket
	for rows.Next() {
		var b storage.TrendBucket
		if err := rows.Scan(&b.Bucket, &b.Upload, &b.Download); err != nil {
			return nil, errors.WrapTransient(err, "sqlitestore", "trend", "scan")
		}
		b.Bucket = b.Bucket.UTC()
		trend = append(trend, b)
	}
	return trend, rows.Err()
}

// Table returns one page of a domain or IP table.
func (s *Store) Table(ctx context.Context, gatewayID string, dim storage.Dimension,
	from, to time.Time, q storage.TableQuery) (*storage.TableResult, error) {

	if dim != storage.DimDomain && dim != storage.DimIP {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "sqlitestore", "Table",
			fmt.Sprintf("dimension %q is not served as a table", dim))
	}
	column := dimColumns[dim]

	args := []any{gatewayID, from.UTC(), to.UTC()}
	where := "gateway_id = ? AND bucket >= ? AND bucket < ?"
	if q.Search != "" {
		where += fmt.Sprintf(" AND %s LIKE ? ESCAPE '\\'", column)
		args = append(args, "%"+escapeLike(q.Search)+"%")
	}

	var total int
	countQuery := fmt.Sprintf(`SELECT COUNT(DISTINCT %s) FROM traffic_detail WHERE %s`, column, where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "Table", "count")
	}

	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	query := fmt.Sprintf(`
		SELECT %s, SUM(upload), SUM(download), SUM(connections)
		FROM traffic_detail WHERE %s
		GROUP BY %s ORDER BY %s LIMIT %d OFFSET %d`,
		column, where, column, orderClause(q, column), limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "Table", "query")
	}
	defer rows.Close()

	page, err := scanNamedCounts(rows)
	if err != nil {
		return nil, err
	}
	return &storage.TableResult{Rows: page, Total: total}, nil
}

// orderClause builds a safe ORDER BY from the whitelisted sort keys.
func orderClause(q storage.TableQuery, column string) string {
	var expr string
	switch q.SortBy {
	case "upload":
		expr = "SUM(upload)"
	case "download":
		expr = "SUM(download)"
	case "connections":
		expr = "SUM(connections)"
	case "name":
		expr = column
	default:
		expr = "SUM(upload) + SUM(download)"
	}
	if q.Desc {
		return expr + " DESC"
	}
	return expr + " ASC"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "%", "\\%")
	return strings.ReplaceAll(s, "_", "\\_")
}

// Drilldown returns the top domains reached through one value of a
// dimension.
func (s *Store) Drilldown(ctx context.Context, gatewayID string, dim storage.Dimension,
	key string, from, to time.Time) ([]storage.NamedCounts, error) {

	column, ok := dimColumns[dim]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "sqlitestore", "Drilldown",
			fmt.Sprintf("unknown dimension %q", dim))
	}

	query := fmt.Sprintf(`
		SELECT domain, SUM(upload), SUM(download), SUM(connections)
		FROM traffic_detail
		WHERE gateway_id = ? AND bucket >= ? AND bucket < ? AND %s = ?
		GROUP BY domain ORDER BY SUM(upload) + SUM(download) DESC LIMIT %d`,
		column, topSliceLimit)

	rows, err := s.db.QueryContext(ctx, query, gatewayID, from.UTC(), to.UTC(), key)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "Drilldown", "query")
	}
	defer rows.Close()
	return scanNamedCounts(rows)
}

// ChainFlow builds the weighted rule chain-flow edges. Chains are stored
// rendered ("Selector > Node"); each adjacent hop pair contributes one
// edge, and the rule feeds the chain's first hop.
func (s *Store) ChainFlow(ctx context.Context, gatewayID string, from, to time.Time) ([]storage.ChainEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chain, rule, SUM(upload), SUM(download)
		FROM traffic_detail WHERE gateway_id = ? AND bucket >= ? AND bucket < ?
		GROUP BY chain, rule`,
		gatewayID, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "ChainFlow", "query")
	}
	defer rows.Close()

	type edgeKey struct{ from, to string }
	weights := make(map[edgeKey]*storage.ChainEdge)
	add := func(fromNode, toNode string, up, down int64) {
		k := edgeKey{from: fromNode, to: toNode}
		e, ok := weights[k]
		if !ok {
			e = &storage.ChainEdge{From: fromNode, To: toNode}
			weights[k] = e
		}
		e.Upload += up
		e.Download += down
	}

	for rows.Next() {
		var chain, rule string
		var up, down int64
		if err := rows.Scan(&chain, &rule, &up, &down); err != nil {
			return nil, errors.WrapTransient(err, "sqlitestore", "ChainFlow", "scan")
		}

		hops := strings.Split(chain, " > ")
		if rule != "" {
			add(rule, hops[0], up, down)
		}
		for i := 0; i+1 < len(hops); i++ {
			add(hops[i], hops[i+1], up, down)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "sqlitestore", "ChainFlow", "iterate")
	}

	edges := make([]storage.ChainEdge, 0, len(weights))
	for _, e := range weights {
		edges = append(edges, *e)
	}
	return edges, nil
}

func scanNamedCounts(rows *sql.Rows) ([]storage.NamedCounts, error) {
	var out []storage.NamedCounts
	for rows.Next() {
		var nc storage.NamedCounts
		if err := rows.Scan(&nc.Name, &nc.Upload, &nc.Download, &nc.Connections); err != nil {
			return nil, errors.WrapTransient(err, "sqlitestore", "scanNamedCounts", "scan")
		}
		out = append(out, nc)
	}
	return out, rows.Err()
}
