package geoip

import (
	"context"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/oschwald/maxminddb-golang"

	"github.com/gatewatch/gatewatch/config"
	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/types"
)

const defaultLocalSpacing = 50 * time.Millisecond

// countryRecord maps the country database entry.
type countryRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
	Continent struct {
		Code  string            `maxminddb:"code"`
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"continent"`
}

// asnRecord maps the ASN database entry.
type asnRecord struct {
	Number       uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// mmdbResolver reads MMDB files from disk. Files are re-stat'd on a timer
// and reopened when their modification time changes, so database updates
// land without a restart.
type mmdbResolver struct {
	countryPath string
	asnPath     string
	spacing     time.Duration
	logger      *slog.Logger

	mu          sync.RWMutex
	country     *maxminddb.Reader
	asn         *maxminddb.Reader
	countryTime time.Time
	asnTime     time.Time

	reloadStop chan struct{}
	reloadDone chan struct{}
}

func newMMDBResolver(cfg config.GeoIPConfig, logger *slog.Logger) (*mmdbResolver, error) {
	if cfg.CountryMMDB == "" {
		return nil, errors.WrapFatal(errors.ErrDatabaseFiles, "geoip", "newMMDBResolver",
			"local mode requires country_mmdb")
	}

	spacing := cfg.LocalSpacing
	if spacing <= 0 {
		spacing = defaultLocalSpacing
	}

	r := &mmdbResolver{
		countryPath: cfg.CountryMMDB,
		asnPath:     cfg.ASNMMDB,
		spacing:     spacing,
		logger:      logger,
		reloadStop:  make(chan struct{}),
		reloadDone:  make(chan struct{}),
	}
	// Missing or unreadable files are not fatal: lookups fail (and the
	// online fallback takes over, when configured) until a reload finds
	// usable databases.
	if err := r.reload(); err != nil {
		logger.Warn("local database unavailable, retrying on reload interval", "error", err)
	}

	interval := cfg.ReloadInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go r.reloadLoop(interval)
	return r, nil
}

func (r *mmdbResolver) Spacing() time.Duration { return r.spacing }

// ready reports whether the country database is currently open.
func (r *mmdbResolver) ready() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.country != nil
}

func (r *mmdbResolver) Resolve(_ context.Context, ip string) (*types.GeoLocation, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "geoip", "Resolve", "unparseable IP")
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.country == nil {
		return nil, errors.WrapTransient(errors.ErrDatabaseFiles, "geoip", "Resolve", "country database not open")
	}

	var rec countryRecord
	if err := r.country.Lookup(parsed, &rec); err != nil {
		return nil, errors.WrapTransient(err, "geoip", "Resolve", "country lookup")
	}
	if rec.Country.ISOCode == "" {
		return nil, errors.WrapInvalid(errors.ErrGeoUnavailable, "geoip", "Resolve", "no country for IP")
	}

	loc := &types.GeoLocation{
		Country:       rec.Country.ISOCode,
		CountryName:   rec.Country.Names["en"],
		Continent:     rec.Continent.Code,
		ContinentName: rec.Continent.Names["en"],
	}

	if r.asn != nil {
		var as asnRecord
		if err := r.asn.Lookup(parsed, &as); err == nil {
			loc.ASN = as.Number
			loc.ASName = as.Organization
		}
	}
	return loc, nil
}

// reload opens any database whose file changed since the last open.
func (r *mmdbResolver) reload() error {
	countryStat, err := os.Stat(r.countryPath)
	if err != nil {
		return errors.WrapTransient(errors.ErrDatabaseFiles, "geoip", "reload", r.countryPath)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.country == nil || countryStat.ModTime().After(r.countryTime) {
		reader, err := maxminddb.Open(r.countryPath)
		if err != nil {
			return errors.WrapTransient(err, "geoip", "reload", "open country database")
		}
		if r.country != nil {
			r.country.Close()
		}
		r.country = reader
		r.countryTime = countryStat.ModTime()
		r.logger.Info("opened country database", "path", r.countryPath)
	}

	if r.asnPath == "" {
		return nil
	}
	asnStat, err := os.Stat(r.asnPath)
	if err != nil {
		// ASN data is optional enrichment; country-only operation is fine.
		return nil
	}
	if r.asn == nil || asnStat.ModTime().After(r.asnTime) {
		reader, err := maxminddb.Open(r.asnPath)
		if err != nil {
			r.logger.Warn("failed to open ASN database", "path", r.asnPath, "error", err)
			return nil
		}
		if r.asn != nil {
			r.asn.Close()
		}
		r.asn = reader
		r.asnTime = asnStat.ModTime()
		r.logger.Info("opened ASN database", "path", r.asnPath)
	}
	return nil
}

func (r *mmdbResolver) reloadLoop(interval time.Duration) {
	defer close(r.reloadDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.reloadStop:
			return
		case <-ticker.C:
			if err := r.reload(); err != nil {
				r.logger.Warn("database reload failed", "error", err)
			}
		}
	}
}

func (r *mmdbResolver) Close() error {
	close(r.reloadStop)
	<-r.reloadDone

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.country != nil {
		r.country.Close()
		r.country = nil
	}
	if r.asn != nil {
		r.asn.Close()
		r.asn = nil
	}
	return nil
}
