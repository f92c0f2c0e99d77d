// Package tracker maintains the per-gateway map of in-flight connections
// and turns each gateway's cumulative byte counters into per-cycle deltas.
// It also keeps a TTL-bounded record of completed connections so a poll
// gateway's "recent" window cannot double-count a finished connection.
package tracker

import (
	"sync"
	"time"
)

// Defaults for the two independent eviction timers.
const (
	DefaultStaleAfter   = 5 * time.Minute
	DefaultCompletedTTL = 10 * time.Minute
)

// TrackedConnection is the per-connection accounting record. Owned by one
// adapter instance; mutated only on that adapter's poll/message cycle.
type TrackedConnection struct {
	ID            string
	LastUpload    int64
	LastDownload  int64
	TotalUpload   int64
	TotalDownload int64
	Chains        []string
	FirstSeen     time.Time
	LastSeen      time.Time
	Completed     bool
}

// CompletedRecord remembers a finished connection's final counters for a
// bounded window to suppress re-counting.
type CompletedRecord struct {
	ID            string
	FinalUpload   int64
	FinalDownload int64
	CompletedAt   time.Time
}

// Delta is the outcome of one observation.
type Delta struct {
	Upload   int64
	Download int64
	First    bool // connection was unseen before this observation
}

// Empty reports whether the observation produced no countable bytes.
func (d Delta) Empty() bool {
	return d.Upload == 0 && d.Download == 0
}

// Tracker tracks connections for a single gateway.
type Tracker struct {
	mu           sync.Mutex
	conns        map[string]*TrackedConnection
	completed    map[string]*CompletedRecord
	staleAfter   time.Duration
	completedTTL time.Duration
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStaleAfter overrides the staleness eviction window.
func WithStaleAfter(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.staleAfter = d
		}
	}
}

// WithCompletedTTL overrides the completed-record suppression window.
func WithCompletedTTL(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.completedTTL = d
		}
	}
}

// New creates a Tracker with default eviction windows.
func New(opts ...Option) *Tracker {
	t := &Tracker{
		conns:        make(map[string]*TrackedConnection),
		completed:    make(map[string]*CompletedRecord),
		staleAfter:   DefaultStaleAfter,
		completedTTL: DefaultCompletedTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records the current cumulative counters for a connection and
// returns the countable delta.
//
// Unseen connection: the initial counters themselves are the first delta,
// so short-lived connections that complete before the next cycle are not
// lost. Seen connection: delta = max(0, current-last) per direction; when
// a counter runs backwards the counter restarted, and the current value is
// the full delta. A live completed record with counters at or below its
// finals suppresses the observation entirely.
func (t *Tracker) Observe(id string, upload, download int64, chains []string, now time.Time) Delta {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.completed[id]; ok {
		if now.Sub(rec.CompletedAt) < t.completedTTL {
			if upload <= rec.FinalUpload && download <= rec.FinalDownload {
				return Delta{}
			}
			// Counters moved past the recorded finals: the connection is
			// live again, resume accounting from the finals.
			delete(t.completed, id)
			conn := &TrackedConnection{
				ID:           id,
				LastUpload:   upload,
				LastDownload: download,
				Chains:       chains,
				FirstSeen:    now,
				LastSeen:     now,
			}
			d := Delta{Upload: upload - rec.FinalUpload, Download: download - rec.FinalDownload}
			if d.Upload < 0 {
				d.Upload = upload
			}
			if d.Download < 0 {
				d.Download = download
			}
			conn.TotalUpload = d.Upload
			conn.TotalDownload = d.Download
			t.conns[id] = conn
			return d
		}
		delete(t.completed, id)
	}

	conn, seen := t.conns[id]
	if !seen {
		conn = &TrackedConnection{
			ID:            id,
			LastUpload:    upload,
			LastDownload:  download,
			TotalUpload:   upload,
			TotalDownload: download,
			Chains:        chains,
			FirstSeen:     now,
			LastSeen:      now,
		}
		t.conns[id] = conn
		return Delta{Upload: upload, Download: download, First: true}
	}

	var d Delta
	if upload < conn.LastUpload {
		d.Upload = upload
	} else {
		d.Upload = upload - conn.LastUpload
	}
	if download < conn.LastDownload {
		d.Download = download
	} else {
		d.Download = download - conn.LastDownload
	}

	conn.LastUpload = upload
	conn.LastDownload = download
	conn.TotalUpload += d.Upload
	conn.TotalDownload += d.Download
	conn.LastSeen = now
	if len(chains) > 0 {
		conn.Chains = chains
	}
	return d
}

// MarkCompleted records a connection as finished. No-op if the connection
// was already marked, so a gateway re-reporting the completion flag does
// not refresh the suppression window.
func (t *Tracker) MarkCompleted(id string, finalUpload, finalDownload int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if conn, ok := t.conns[id]; ok {
		if conn.Completed {
			return
		}
		conn.Completed = true
	}
	if _, ok := t.completed[id]; ok {
		return
	}
	t.completed[id] = &CompletedRecord{
		ID:            id,
		FinalUpload:   finalUpload,
		FinalDownload: finalDownload,
		CompletedAt:   now,
	}
}

// Sync removes tracked connections absent from the latest snapshot and
// returns the removed records.
func (t *Tracker) Sync(present map[string]bool) []*TrackedConnection {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*TrackedConnection
	for id, conn := range t.conns {
		if !present[id] {
			removed = append(removed, conn)
			delete(t.conns, id)
		}
	}
	return removed
}

// SweepStale evicts connections not updated within the staleness window
// and expired completed records. Bounds memory when a gateway keeps
// reporting a ghost entry or stops reporting entirely.
func (t *Tracker) SweepStale(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	for id, conn := range t.conns {
		if now.Sub(conn.LastSeen) > t.staleAfter {
			delete(t.conns, id)
			evicted++
		}
	}
	for id, rec := range t.completed {
		if now.Sub(rec.CompletedAt) >= t.completedTTL {
			delete(t.completed, id)
		}
	}
	return evicted
}

// Get returns the tracked connection for id, if present.
func (t *Tracker) Get(id string) (*TrackedConnection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[id]
	return conn, ok
}

// Len returns the number of tracked connections.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CompletedLen returns the number of live completed records.
func (t *Tracker) CompletedLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.completed)
}
