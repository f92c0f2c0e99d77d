// Package types defines the shared data model for the GateWatch pipeline:
// normalized traffic deltas, geolocation results, batch keys, the wire
// formats of both supported gateway families, and gateway configuration
// snapshots pushed by agents.
package types

import (
	"fmt"
	"time"
)

// TrafficDelta is one observed increase in a connection's cumulative
// counters, normalized from either gateway family. Immutable once emitted.
// Chains are ordered outermost selector first, terminal rule last.
type TrafficDelta struct {
	GatewayID   string    `json:"gatewayId"`
	Domain      string    `json:"domain"`
	IP          string    `json:"ip"`
	SourceIP    string    `json:"sourceIP"`
	Chains      []string  `json:"chains"`
	Rule        string    `json:"rule"`
	RulePayload string    `json:"rulePayload"`
	Upload      int64     `json:"uploadBytes"`
	Download    int64     `json:"downloadBytes"`
	Timestamp   time.Time `json:"timestamp"`
}

// Chain returns the delta's chain as a single rendered string, or "DIRECT"
// when no chain was observed.
func (d *TrafficDelta) Chain() string {
	if len(d.Chains) == 0 {
		return "DIRECT"
	}
	chain := d.Chains[0]
	for _, hop := range d.Chains[1:] {
		chain += " > " + hop
	}
	return chain
}

// BatchKey identifies the accumulation bucket for a delta within one flush
// interval.
type BatchKey struct {
	GatewayID string
	Domain    string
	IP        string
	Chain     string
}

// KeyOf derives the batch key for a delta.
func KeyOf(d *TrafficDelta) BatchKey {
	return BatchKey{
		GatewayID: d.GatewayID,
		Domain:    d.Domain,
		IP:        d.IP,
		Chain:     d.Chain(),
	}
}

// String renders the key for logs.
func (k BatchKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.GatewayID, k.Domain, k.IP, k.Chain)
}

// GatewayKind distinguishes the two supported gateway families.
type GatewayKind string

const (
	// GatewayStream is the stream family: a persistent WebSocket
	// connection delivering full connection snapshots.
	GatewayStream GatewayKind = "stream"
	// GatewayPoll is the poll family: a REST endpoint listing recent
	// requests, polled at a fixed interval.
	GatewayPoll GatewayKind = "poll"
)

// Gateway holds the credentials and endpoint of one monitored gateway,
// read from the control plane.
type Gateway struct {
	ID    string      `json:"id" yaml:"id"`
	Name  string      `json:"name" yaml:"name"`
	Kind  GatewayKind `json:"kind" yaml:"kind"`
	URL   string      `json:"url" yaml:"url"`
	Token string      `json:"token,omitempty" yaml:"token,omitempty"`
}
