// Package sqlitestore is the SQLite reference backend for the storage
// contracts. It serves development and tests, and doubles as the durable
// geo cache in single-node deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/storage"
	"github.com/gatewatch/gatewatch/types"
)

// Store implements TrafficSink, CountrySink, GeoCache and StatsReader on
// one SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.WrapFatal(err, "sqlitestore", "Open", "create data directory")
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlitestore", "Open", "open database")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "sqlitestore", "Open", "ping database")
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL; PRAGMA temp_store=MEMORY;`); err != nil {
		db.Close()
		return nil, errors.WrapFatal(err, "sqlitestore", "Open", "set pragmas")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS traffic_detail (
			gateway_id TEXT NOT NULL,
			bucket DATETIME NOT NULL,
			domain TEXT NOT NULL,
			ip TEXT NOT NULL,
			source_ip TEXT NOT NULL,
			chain TEXT NOT NULL,
			rule TEXT NOT NULL,
			upload INTEGER NOT NULL DEFAULT 0,
			download INTEGER NOT NULL DEFAULT 0,
			connections INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(gateway_id, bucket, domain, ip, source_ip, chain, rule)
		);`,
		`CREATE TABLE IF NOT EXISTS traffic_minute (
			gateway_id TEXT NOT NULL,
			bucket DATETIME NOT NULL,
			upload INTEGER NOT NULL DEFAULT 0,
			download INTEGER NOT NULL DEFAULT 0,
			connections INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(gateway_id, bucket)
		);`,
		`CREATE TABLE IF NOT EXISTS traffic_country (
			gateway_id TEXT NOT NULL,
			bucket DATETIME NOT NULL,
			country TEXT NOT NULL,
			upload INTEGER NOT NULL DEFAULT 0,
			download INTEGER NOT NULL DEFAULT 0,
			connections INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(gateway_id, bucket, country)
		);`,
		`CREATE TABLE IF NOT EXISTS geo_cache (
			ip TEXT PRIMARY KEY,
			location TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_detail_gateway_bucket ON traffic_detail(gateway_id, bucket);`,
		`CREATE INDEX IF NOT EXISTS idx_country_gateway_bucket ON traffic_country(gateway_id, bucket);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.WrapFatal(err, "sqlitestore", "migrate", "apply schema")
		}
	}
	return nil
}

// WriteDetail merges detail rows additively on their full key. Replays
// merge into existing rows rather than duplicating them.
func (s *Store) WriteDetail(ctx context.Context, rows []storage.DetailRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "sqlitestore", "WriteDetail", "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO traffic_detail (gateway_id, bucket, domain, ip, source_ip, chain, rule, upload, download, connections)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(gateway_id, bucket, domain, ip, source_ip, chain, rule) DO UPDATE SET
			upload = upload + excluded.upload,
			download = download + excluded.download,
			connections = connections + excluded.connections`)
	if err != nil {
		return errors.WrapTransient(err, "sqlitestore", "WriteDetail", "prepare statement")
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.GatewayID, row.Bucket, row.Domain, row.IP,
			row.SourceIP, row.Chain, row.Rule, row.Upload, row.Download, row.Connections); err != nil {
			return errors.WrapTransient(err, "sqlitestore", "WriteDetail", "insert row")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "sqlitestore", "WriteDetail", "commit")
	}
	return nil
}

// WriteAggregate merges per-minute rollup rows.
func (s *Store) WriteAggregate(ctx context.Context, rows []storage.AggregateRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "sqlitestore", "WriteAggregate", "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO traffic_minute (gateway_id, bucket, upload, download, connections)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(gateway_id, bucket) DO UPDATE SET
			upload = upload + excluded.upload,
			download = download + excluded.download,
			connections = connections + excluded.connections`)
	if err != nil {
		return errors.WrapTransient(err, "sqlitestore", "WriteAggregate", "prepare statement")
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.GatewayID, row.Bucket,
			row.Upload, row.Download, row.Connections); err != nil {
			return errors.WrapTransient(err, "sqlitestore", "WriteAggregate", "insert row")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "sqlitestore", "WriteAggregate", "commit")
	}
	return nil
}

// WriteCountries merges country rollup rows.
func (s *Store) WriteCountries(ctx context.Context, rows []storage.CountryRow) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapTransient(err, "sqlitestore", "WriteCountries", "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO traffic_country (gateway_id, bucket, country, upload, download, connections)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(gateway_id, bucket, country) DO UPDATE SET
			upload = upload + excluded.upload,
			download = download + excluded.download,
			connections = connections + excluded.connections`)
	if err != nil {
		return errors.WrapTransient(err, "sqlitestore", "WriteCountries", "prepare statement")
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row.GatewayID, row.Bucket, row.Country,
			row.Upload, row.Download, row.Connections); err != nil {
			return errors.WrapTransient(err, "sqlitestore", "WriteCountries", "insert row")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.WrapTransient(err, "sqlitestore", "WriteCountries", "commit")
	}
	return nil
}

// Lookup returns the cached location for ip.
func (s *Store) Lookup(ctx context.Context, ip string) (*types.GeoLocation, bool, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT location FROM geo_cache WHERE ip = ?`, ip).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.WrapTransient(err, "sqlitestore", "Lookup", "query geo cache")
	}

	var loc types.GeoLocation
	if err := json.Unmarshal([]byte(payload), &loc); err != nil {
		return nil, false, errors.WrapInvalid(err, "sqlitestore", "Lookup", "decode cached location")
	}
	return &loc, true, nil
}

// Store persists a resolved location, overwriting any prior entry.
func (s *Store) Store(ctx context.Context, ip string, loc *types.GeoLocation) error {
	payload, err := json.Marshal(loc)
	if err != nil {
		return errors.WrapInvalid(err, "sqlitestore", "Store", "encode location")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO geo_cache (ip, location, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET location = excluded.location, updated_at = excluded.updated_at`,
		ip, string(payload), time.Now().UTC())
	if err != nil {
		return errors.WrapTransient(err, "sqlitestore", "Store", "upsert geo cache")
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
