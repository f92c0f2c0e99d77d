// Package batch accumulates traffic deltas under their batch key and
// country contributions under (gateway, country), and flushes both to the
// persistence write queue as two independent operations. Each side's
// accumulator is cleared only when its own write succeeds; a failed side
// is merged back and naturally retried on the next flush cycle.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/metric"
	"github.com/gatewatch/gatewatch/realtime"
	"github.com/gatewatch/gatewatch/storage"
	"github.com/gatewatch/gatewatch/types"
	"github.com/gatewatch/gatewatch/writequeue"
)

// Defaults for the flush triggers.
const (
	DefaultFlushInterval = 30 * time.Second
	DefaultMaxPending    = 5000
)

// accum is the running sum for one batch key.
type accum struct {
	key         types.BatchKey
	sourceIP    string
	rule        string
	upload      int64
	download    int64
	connections int64
	firstTS     time.Time
}

// countryAccum is the running sum for one (gateway, country).
type countryAccum struct {
	upload      int64
	download    int64
	connections int64
}

type countryKey struct {
	gatewayID string
	country   string
}

// Options configures a Buffer.
type Options struct {
	FlushInterval time.Duration
	MaxPending    int
	Logger        *slog.Logger
	Core          *metric.CoreMetrics
}

func (o *Options) defaults() {
	if o.FlushInterval <= 0 {
		o.FlushInterval = DefaultFlushInterval
	}
	if o.MaxPending <= 0 {
		o.MaxPending = DefaultMaxPending
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Buffer is the process-wide delta accumulator feeding the write queue.
type Buffer struct {
	opts Options

	mu            sync.Mutex
	traffic       map[types.BatchKey]*accum
	countries     map[countryKey]*countryAccum
	pendingDeltas int

	queue       *writequeue.Queue
	trafficSink storage.TrafficSink
	countrySink storage.CountrySink
	overlay     *realtime.Store

	flushSignal chan struct{}
	shutdown    chan struct{}
	done        chan struct{}
	stopOnce    sync.Once
	started     bool
	lifecycleMu sync.Mutex
}

// New creates a Buffer bound to one write queue and its sinks. The
// realtime overlay may be nil in tests.
func New(queue *writequeue.Queue, trafficSink storage.TrafficSink, countrySink storage.CountrySink,
	overlay *realtime.Store, opts Options) *Buffer {
	opts.defaults()
	return &Buffer{
		opts:        opts,
		traffic:     make(map[types.BatchKey]*accum),
		countries:   make(map[countryKey]*countryAccum),
		queue:       queue,
		trafficSink: trafficSink,
		countrySink: countrySink,
		overlay:     overlay,
		flushSignal: make(chan struct{}, 1),
		shutdown:    make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Add merges one delta into its batch key. Triggers a size flush when the
// pending delta count reaches the configured maximum.
func (b *Buffer) Add(d *types.TrafficDelta) {
	key := types.KeyOf(d)

	b.mu.Lock()
	a, ok := b.traffic[key]
	if !ok {
		a = &accum{key: key, sourceIP: d.SourceIP, rule: d.Rule, firstTS: d.Timestamp}
		b.traffic[key] = a
	}
	a.upload += d.Upload
	a.download += d.Download
	a.connections++
	b.pendingDeltas++
	full := b.pendingDeltas >= b.opts.MaxPending
	b.mu.Unlock()

	if full {
		select {
		case b.flushSignal <- struct{}{}:
		default:
		}
	}
}

// AddCountry merges one resolved country contribution.
func (b *Buffer) AddCountry(gatewayID, country string, upload, download int64) {
	if country == "" {
		return
	}

	b.mu.Lock()
	key := countryKey{gatewayID: gatewayID, country: country}
	c, ok := b.countries[key]
	if !ok {
		c = &countryAccum{}
		b.countries[key] = c
	}
	c.upload += upload
	c.download += download
	c.connections++
	b.mu.Unlock()
}

// PendingDeltas returns the number of unflushed deltas.
func (b *Buffer) PendingDeltas() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pendingDeltas
}

// Start launches the timer-driven flush loop.
func (b *Buffer) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Buffer", "Start", "batch buffer")
	}
	b.started = true

	go b.run(ctx)
	return nil
}

func (b *Buffer) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.shutdown:
			return
		case <-ticker.C:
			b.Flush(ctx)
		case <-b.flushSignal:
			b.Flush(ctx)
		}
	}
}

// Stop performs one final flush and halts the loop.
func (b *Buffer) Stop(timeout time.Duration) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if !b.started {
		return errors.WrapInvalid(errors.ErrNotStarted, "Buffer", "Stop", "batch buffer")
	}

	b.stopOnce.Do(func() { close(b.shutdown) })

	select {
	case <-b.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Buffer", "Stop", "flush loop shutdown")
	}

	// Final flush after the loop stopped, so nothing races it.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	b.Flush(ctx)
	return nil
}

// Flush hands the accumulated traffic and country rows to the write queue
// as two independent operations and waits for both to settle. Success on
// a side clears that side's source accumulator and the realtime rows the
// flush covered; overlay rows recorded after the snapshot instant are
// kept. Failure merges the side back for the next cycle.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	traffic := b.traffic
	countries := b.countries
	b.traffic = make(map[types.BatchKey]*accum)
	b.countries = make(map[countryKey]*countryAccum)
	b.pendingDeltas = 0
	// Everything in the swapped maps was recorded before this instant;
	// anything later lands in the fresh maps and must survive the
	// overlay clear for this cycle.
	cutoff := time.Now()
	b.mu.Unlock()

	start := time.Now()
	trafficDone := b.flushTraffic(traffic, cutoff)
	countryDone := b.flushCountries(countries, cutoff)

	trafficOK := <-trafficDone
	countryOK := <-countryDone

	if b.opts.Core != nil {
		b.opts.Core.FlushDuration.WithLabelValues("combined").Observe(time.Since(start).Seconds())
	}

	if !trafficOK {
		b.mergeTrafficBack(traffic)
	}
	if !countryOK {
		b.mergeCountriesBack(countries)
	}
}

// flushTraffic enqueues the traffic side. The returned channel reports
// whether the side succeeded (an empty side succeeds trivially).
func (b *Buffer) flushTraffic(traffic map[types.BatchKey]*accum, cutoff time.Time) <-chan bool {
	done := make(chan bool, 1)
	if len(traffic) == 0 {
		done <- true
		return done
	}

	detail, agg, gateways := buildTrafficRows(traffic)

	result, err := b.queue.Enqueue(len(detail)+len(agg), writequeue.TrafficTask(b.trafficSink, detail, agg))
	if err != nil {
		b.opts.Logger.Warn("traffic flush rejected by write queue", "keys", len(traffic), "error", err)
		done <- false
		return done
	}

	go func() {
		if err := <-result; err != nil {
			b.opts.Logger.Warn("traffic flush failed", "rows", len(detail), "error", err)
			done <- false
			return
		}
		if b.overlay != nil {
			for gw := range gateways {
				b.overlay.ClearTraffic(gw, cutoff)
			}
		}
		done <- true
	}()
	return done
}

func (b *Buffer) flushCountries(countries map[countryKey]*countryAccum, cutoff time.Time) <-chan bool {
	done := make(chan bool, 1)
	if len(countries) == 0 {
		done <- true
		return done
	}

	rows, gateways := buildCountryRows(countries, time.Now())

	result, err := b.queue.Enqueue(len(rows), writequeue.CountryTask(b.countrySink, rows))
	if err != nil {
		b.opts.Logger.Warn("country flush rejected by write queue", "rows", len(rows), "error", err)
		done <- false
		return done
	}

	go func() {
		if err := <-result; err != nil {
			b.opts.Logger.Warn("country flush failed", "rows", len(rows), "error", err)
			done <- false
			return
		}
		if b.overlay != nil {
			for gw := range gateways {
				b.overlay.ClearCountries(gw, cutoff)
			}
		}
		done <- true
	}()
	return done
}

func buildTrafficRows(traffic map[types.BatchKey]*accum) (
	[]storage.DetailRow, []storage.AggregateRow, map[string]bool) {

	detail := make([]storage.DetailRow, 0, len(traffic))
	aggByKey := make(map[string]*storage.AggregateRow)
	gateways := make(map[string]bool)

	for key, a := range traffic {
		bucket := storage.Bucket(a.firstTS)
		detail = append(detail, storage.DetailRow{
			GatewayID:   key.GatewayID,
			Bucket:      bucket,
			Domain:      key.Domain,
			IP:          key.IP,
			SourceIP:    a.sourceIP,
			Chain:       key.Chain,
			Rule:        a.rule,
			Upload:      a.upload,
			Download:    a.download,
			Connections: a.connections,
		})
		gateways[key.GatewayID] = true

		aggKey := key.GatewayID + "\x00" + bucket.Format(time.RFC3339)
		row, ok := aggByKey[aggKey]
		if !ok {
			row = &storage.AggregateRow{GatewayID: key.GatewayID, Bucket: bucket}
			aggByKey[aggKey] = row
		}
		row.Upload += a.upload
		row.Download += a.download
		row.Connections += a.connections
	}

	agg := make([]storage.AggregateRow, 0, len(aggByKey))
	for _, row := range aggByKey {
		agg = append(agg, *row)
	}
	return detail, agg, gateways
}

func buildCountryRows(countries map[countryKey]*countryAccum, now time.Time) (
	[]storage.CountryRow, map[string]bool) {

	bucket := storage.Bucket(now)
	rows := make([]storage.CountryRow, 0, len(countries))
	gateways := make(map[string]bool)

	for key, c := range countries {
		rows = append(rows, storage.CountryRow{
			GatewayID:   key.gatewayID,
			Bucket:      bucket,
			Country:     key.country,
			Upload:      c.upload,
			Download:    c.download,
			Connections: c.connections,
		})
		gateways[key.gatewayID] = true
	}
	return rows, gateways
}

// mergeTrafficBack returns a failed side's accumulators to the live maps,
// summing into any accumulation that happened while the write was in
// flight.
func (b *Buffer) mergeTrafficBack(traffic map[types.BatchKey]*accum) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, old := range traffic {
		cur, ok := b.traffic[key]
		if !ok {
			b.traffic[key] = old
			continue
		}
		cur.upload += old.upload
		cur.download += old.download
		cur.connections += old.connections
		if old.firstTS.Before(cur.firstTS) {
			cur.firstTS = old.firstTS
		}
	}
	// The merged-back deltas count toward the size trigger again.
	for _, old := range traffic {
		b.pendingDeltas += int(old.connections)
	}
}

func (b *Buffer) mergeCountriesBack(countries map[countryKey]*countryAccum) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, old := range countries {
		cur, ok := b.countries[key]
		if !ok {
			b.countries[key] = old
			continue
		}
		cur.upload += old.upload
		cur.download += old.download
		cur.connections += old.connections
	}
}
