package wsfanout

import (
	"fmt"
	"time"

	"github.com/gatewatch/gatewatch/stats"
	"github.com/gatewatch/gatewatch/storage"
)

// Subscription is the per-client view selection, mutated only by
// subscribe messages from that client's socket. All fields are value
// types so two subscriptions compare with ==.
type Subscription struct {
	GatewayID       string        `json:"gatewayId,omitempty"` // empty = active gateway
	From            int64         `json:"from,omitempty"`      // unix millis, 0 = To - 1h
	To              int64         `json:"to,omitempty"`        // unix millis, 0 = live
	MinPushInterval int64         `json:"minPushInterval,omitempty"`
	Table           TableView     `json:"table,omitempty"`
	Drilldown       DrilldownView `json:"drilldown,omitempty"`
	ChainFlow       bool          `json:"chainFlow,omitempty"`
}

// TableView requests one page of a domain or IP table. A zero Dimension
// disables the view.
type TableView struct {
	Dimension string `json:"dimension,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	SortBy    string `json:"sortBy,omitempty"`
	Desc      bool   `json:"desc,omitempty"`
	Search    string `json:"search,omitempty"`
}

// DrilldownView requests the top domains for one device, proxy or rule.
// A zero Dimension disables the view.
type DrilldownView struct {
	Dimension string `json:"dimension,omitempty"`
	Key       string `json:"key,omitempty"`
}

// resolved is a subscription with its gateway and time range pinned for
// one broadcast pass. Two clients with equal resolved views share a
// payload.
type resolved struct {
	Subscription
	gatewayID string
	from      time.Time
	to        time.Time
}

// resolve pins the subscription against the active gateway and the pass
// clock. Live ranges resolve To to now so every live client in the same
// pass lands on the same cache key.
func (sub Subscription) resolve(activeGateway string, now time.Time) resolved {
	r := resolved{Subscription: sub, gatewayID: sub.GatewayID}
	if r.gatewayID == "" {
		r.gatewayID = activeGateway
	}
	if sub.To > 0 {
		r.to = time.UnixMilli(sub.To).UTC()
	} else {
		r.to = now
	}
	if sub.From > 0 {
		r.from = time.UnixMilli(sub.From).UTC()
	} else {
		r.from = r.to.Add(-time.Hour)
	}
	return r
}

// key identifies the payload this resolved view produces. The stats
// cache key covers gateway and range; view parameters extend it.
func (r resolved) key() string {
	k := stats.CacheKey(r.gatewayID, r.from, r.to)
	if r.Table.Dimension != "" {
		k += fmt.Sprintf("|t:%s:%s:%s:%d:%d:%t", r.Table.Dimension, r.Table.SortBy,
			r.Table.Search, r.Table.Offset, r.Table.Limit, r.Table.Desc)
	}
	if r.Drilldown.Dimension != "" {
		k += "|dd:" + r.Drilldown.Dimension + ":" + r.Drilldown.Key
	}
	if r.ChainFlow {
		k += "|cf"
	}
	return k
}

// statsPayload is the data field of one outbound stats message.
type statsPayload struct {
	GatewayID string                `json:"gatewayId"`
	From      time.Time             `json:"from"`
	To        time.Time             `json:"to"`
	Summary   *storage.BaseSummary  `json:"summary"`
	Table     *storage.TableResult  `json:"table,omitempty"`
	Drilldown []storage.NamedCounts `json:"drilldown,omitempty"`
	ChainFlow []storage.ChainEdge   `json:"chainFlow,omitempty"`
}
