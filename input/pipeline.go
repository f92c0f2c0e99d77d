// Package input holds the delta pipeline shared by every ingestion path:
// adapters and the HTTP agent endpoint all emit normalized deltas through
// the same fan-in so batching, realtime mirroring, enrichment and
// activity signaling behave identically regardless of source.
package input

import (
	"context"

	"github.com/gatewatch/gatewatch/batch"
	"github.com/gatewatch/gatewatch/geoip"
	"github.com/gatewatch/gatewatch/metric"
	"github.com/gatewatch/gatewatch/notify"
	"github.com/gatewatch/gatewatch/realtime"
	"github.com/gatewatch/gatewatch/types"
)

// Pipeline fans one accepted delta out to the batch buffer, the realtime
// overlay, the enrichment service and the activity notifier.
type Pipeline struct {
	Batch    *batch.Buffer
	Realtime *realtime.Store
	Geo      *geoip.Service   // optional
	Notifier *notify.Notifier // optional
	Core     *metric.CoreMetrics
}

// Emit processes one delta from the named source. Geo enrichment runs
// asynchronously; its contribution lands in the country accumulators when
// resolution completes.
func (p *Pipeline) Emit(ctx context.Context, source string, d *types.TrafficDelta) {
	p.Batch.Add(d)
	p.Realtime.RecordTraffic(d)

	if p.Core != nil {
		p.Core.DeltasObserved.WithLabelValues(d.GatewayID, source).Inc()
		p.Core.BytesObserved.WithLabelValues(d.GatewayID, "upload").Add(float64(d.Upload))
		p.Core.BytesObserved.WithLabelValues(d.GatewayID, "download").Add(float64(d.Download))
	}

	if p.Notifier != nil {
		p.Notifier.NotifyTraffic(d.GatewayID)
	}

	if p.Geo != nil && d.IP != "" {
		go p.enrich(ctx, d)
	}
}

func (p *Pipeline) enrich(ctx context.Context, d *types.TrafficDelta) {
	loc := p.Geo.Resolve(ctx, d.IP)
	if loc == nil || loc.Country == "" {
		return
	}
	p.Batch.AddCountry(d.GatewayID, loc.Country, d.Upload, d.Download)
	p.Realtime.RecordCountry(d.GatewayID, loc.Country, d.Upload, d.Download)
}
