// Package geoip resolves destination IPs to locations for traffic
// enrichment. Resolution is best-effort: callers always get a location or
// nil, never an error. Lookups flow memory cache, durable cache,
// single-flight join, failure cooldown, then a rate-limited serial queue
// in front of the configured resolver. Local mode reads MMDB files and
// falls back to the online HTTP API when the files are missing or a
// lookup fails; online mode queries the API directly.
package geoip

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/gatewatch/gatewatch/config"
	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/metric"
	"github.com/gatewatch/gatewatch/pkg/cache"
	"github.com/gatewatch/gatewatch/storage"
	"github.com/gatewatch/gatewatch/types"
)

// resolver performs one real lookup against the local or online source.
type resolver interface {
	Resolve(ctx context.Context, ip string) (*types.GeoLocation, error)
	// Spacing is the minimum gap between consecutive lookups.
	Spacing() time.Duration
	Close() error
}

// inflight is one pending resolution shared by every caller asking for
// the same IP. Settling is idempotent: Close and the worker may both
// attempt it.
type inflight struct {
	ip   string
	done chan struct{}
	loc  *types.GeoLocation
	once sync.Once
}

func (fl *inflight) settle(loc *types.GeoLocation) {
	fl.once.Do(func() {
		fl.loc = loc
		close(fl.done)
	})
}

// Service is the enrichment front end.
type Service struct {
	cfg      config.GeoIPConfig
	memory   cache.Cache[*types.GeoLocation]
	durable  storage.GeoCache // may be nil
	resolver resolver
	metrics  *Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[string]*inflight
	cooldown map[string]time.Time
	queue    chan *inflight
	closed   bool

	done chan struct{}
}

// New builds a Service from configuration. The durable cache may be nil,
// in which case only the memory layer backs the resolver.
func New(cfg config.GeoIPConfig, durable storage.GeoCache, registry *metric.Registry, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	size := cfg.MemoryCacheSize
	if size <= 0 {
		size = 10000
	}
	memory, err := cache.NewFIFOCache[*types.GeoLocation](size)
	if err != nil {
		return nil, errors.Wrap(err, "geoip", "New", "memory cache")
	}

	var res resolver
	if cfg.Mode == "local" {
		local, err := newMMDBResolver(cfg, logger)
		if err != nil {
			return nil, err
		}
		res = local
		if cfg.OnlineURL != "" {
			online, err := newOnlineResolver(cfg)
			if err != nil {
				local.Close()
				return nil, err
			}
			res = &fallbackResolver{local: local, online: online, logger: logger}
		}
	} else {
		res, err = newOnlineResolver(cfg)
		if err != nil {
			return nil, err
		}
	}
	return newService(cfg, memory, durable, res, registry, logger), nil
}

func newService(cfg config.GeoIPConfig, memory cache.Cache[*types.GeoLocation],
	durable storage.GeoCache, res resolver, registry *metric.Registry, logger *slog.Logger) *Service {

	if logger == nil {
		logger = slog.Default()
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 1000
	}

	s := &Service{
		cfg:      cfg,
		memory:   memory,
		durable:  durable,
		resolver: res,
		metrics:  newMetrics(registry),
		logger:   logger,
		pending:  make(map[string]*inflight),
		cooldown: make(map[string]time.Time),
		queue:    make(chan *inflight, capacity),
		done:     make(chan struct{}),
	}
	go s.worker()
	return s
}

// Resolve returns the location for ip, or nil when it cannot be resolved
// right now (invalid address, overflow, cooldown, lookup failure, or
// context cancellation). It never returns an error.
func (s *Service) Resolve(ctx context.Context, ip string) *types.GeoLocation {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil
	}
	if isLocalAddr(addr) {
		return types.LocalGeoLocation()
	}

	if loc, ok := s.memory.Get(ip); ok {
		s.metrics.recordLookup("memory")
		return loc
	}

	fl, joined := s.admit(ip)
	if fl == nil {
		return nil
	}
	if joined {
		return s.wait(ctx, fl)
	}

	// This caller owns the resolution. Try the durable cache before
	// paying for a real lookup; a durable hit is promoted to memory and
	// clears any cooldown.
	if s.durable != nil {
		loc, found, err := s.durable.Lookup(ctx, ip)
		if err != nil {
			s.logger.Warn("durable geo cache lookup failed", "ip", ip, "error", err)
		} else if found {
			s.metrics.recordLookup("durable")
			s.memory.Set(ip, loc)
			s.clearCooldown(ip)
			s.resolveNow(fl, loc)
			return loc
		}
	}

	if s.coolingDown(ip) {
		s.metrics.recordCooldownSkip()
		s.resolveNow(fl, nil)
		return nil
	}

	if !s.enqueue(fl) {
		s.metrics.recordOverflow()
		s.resolveNow(fl, nil)
		return nil
	}
	return s.wait(ctx, fl)
}

// admit registers this caller against the IP's inflight entry. The second
// return is true when an existing resolution was joined.
func (s *Service) admit(ip string) (*inflight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	if fl, ok := s.pending[ip]; ok {
		return fl, true
	}
	fl := &inflight{ip: ip, done: make(chan struct{})}
	s.pending[ip] = fl
	return fl, false
}

func (s *Service) wait(ctx context.Context, fl *inflight) *types.GeoLocation {
	select {
	case <-fl.done:
		return fl.loc
	case <-ctx.Done():
		return nil
	}
}

// resolveNow settles an inflight outside the worker and unregisters it.
func (s *Service) resolveNow(fl *inflight, loc *types.GeoLocation) {
	s.unregister(fl)
	fl.settle(loc)
}

func (s *Service) unregister(fl *inflight) {
	s.mu.Lock()
	if s.pending[fl.ip] == fl {
		delete(s.pending, fl.ip)
	}
	s.mu.Unlock()
}

func (s *Service) coolingDown(ip string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldown[ip]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.cooldown, ip)
		return false
	}
	return true
}

func (s *Service) clearCooldown(ip string) {
	s.mu.Lock()
	delete(s.cooldown, ip)
	s.mu.Unlock()
}

func (s *Service) enqueue(fl *inflight) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.queue <- fl:
		s.metrics.setQueueDepth(len(s.queue))
		return true
	default:
		return false
	}
}

// worker drains the queue serially with the resolver's spacing between
// lookups.
func (s *Service) worker() {
	defer close(s.done)

	var last time.Time

	for fl := range s.queue {
		s.metrics.setQueueDepth(len(s.queue))

		if s.isClosed() {
			s.resolveNow(fl, nil)
			continue
		}

		// Re-read per lookup: the fallback resolver's spacing shifts
		// with database availability.
		if gap := s.resolver.Spacing() - time.Since(last); gap > 0 {
			time.Sleep(gap)
		}
		last = time.Now()

		loc, err := s.lookup(fl.ip)
		if err != nil || loc == nil {
			s.markFailed(fl.ip)
			s.metrics.recordFailure()
			if err != nil {
				s.logger.Warn("geo lookup failed", "ip", fl.ip, "error", err)
			}
			s.resolveNow(fl, nil)
			continue
		}

		s.metrics.recordLookup(s.cfg.Mode)
		s.memory.Set(fl.ip, loc)
		s.storeDurable(fl.ip, loc)
		s.resolveNow(fl, loc)
	}
}

func (s *Service) lookup(ip string) (*types.GeoLocation, error) {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.resolver.Resolve(ctx, ip)
}

func (s *Service) markFailed(ip string) {
	cooldown := s.cfg.FailureCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Minute
	}
	s.mu.Lock()
	s.cooldown[ip] = time.Now().Add(cooldown)
	s.mu.Unlock()
}

func (s *Service) storeDurable(ip string, loc *types.GeoLocation) {
	if s.durable == nil {
		return
	}
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.durable.Store(ctx, ip, loc); err != nil {
		s.logger.Warn("durable geo cache store failed", "ip", ip, "error", err)
	}
}

func (s *Service) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the worker. Queued and pending resolutions settle to nil so
// no caller is left waiting.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	for ip, fl := range s.pending {
		delete(s.pending, ip)
		fl.settle(nil)
	}
	s.mu.Unlock()

	<-s.done
	s.memory.Close()
	return s.resolver.Close()
}

// isLocalAddr reports whether addr never leaves the local network.
func isLocalAddr(addr netip.Addr) bool {
	return addr.IsPrivate() || addr.IsLoopback() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified()
}
