// Package gatewatch monitors traffic flowing through proxy gateways
// and serves a live aggregated view to dashboard clients.
//
// # Architecture
//
// Data moves through a single pipeline shared by every ingestion path:
//
//	┌──────────────┐   ┌──────────────┐   ┌──────────────┐
//	│ input/stream │   │  input/poll  │   │ input/agent  │
//	│ (WebSocket   │   │ (REST poll,  │   │ (HTTP push,  │
//	│  snapshots)  │   │  backoff)    │   │  validated)  │
//	└──────┬───────┘   └──────┬───────┘   └──────┬───────┘
//	       │    tracker (cumulative → delta)     │
//	       └──────────────────┼──────────────────┘
//	                          ↓
//	                   input.Pipeline
//	        ┌─────────────────┼─────────────────┐
//	        ↓                 ↓                 ↓
//	  batch.Buffer      realtime.Store     geoip.Service
//	        │           (overlay since      (two-level
//	        ↓            last flush)         cache, MMDB
//	  writequeue                             or online)
//	  (budgeted,
//	   reject-on-
//	   overflow)
//	        ↓
//	  storage (SQLite reference, minute-bucket upserts)
//	        ↓
//	  stats (durable base + overlay merge, TTL cache)
//	        ↓
//	  output/wsfanout (per-client subscriptions, shared
//	  payloads, activity-driven broadcast)
//
// Stream-family gateways push full connection snapshots with cumulative
// counters over a persistent WebSocket; poll-family gateways are polled
// for recent requests. The tracker reduces both to per-connection
// deltas, handling counter resets and suppressing completed requests
// that reappear in later polls.
//
// Durable writes are batched per minute bucket and applied with
// additive upserts, so at-least-once delivery merges instead of
// double-counting. The realtime overlay is cleared for a gateway only
// after that gateway's write succeeds; until then the stats layer
// merges overlay counters on top of the durable base, keeping live
// views recency-correct.
//
// Cross-cutting packages: metric (private Prometheus registry), health
// (component statuses + JSON endpoint), errors (classified errors),
// logging (slog mirror onto NATS), natsclient (optional internal bus),
// notify (coalesced activity signals), config (YAML + env overrides).
//
// The binary lives in cmd/gatewatch.
package gatewatch
