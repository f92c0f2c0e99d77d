package writequeue

import (
	"context"
	stderrors "errors"

	"github.com/gatewatch/gatewatch/errors"
	"github.com/gatewatch/gatewatch/storage"
)

// TrafficTask builds the write task for one flushed traffic batch. The
// detail and pre-aggregated tables are attempted independently, so a
// failure in one does not block the other; overall success requires both.
func TrafficTask(sink storage.TrafficSink, detail []storage.DetailRow, agg []storage.AggregateRow) Task {
	return func(ctx context.Context) error {
		var detailErr, aggErr error
		if len(detail) > 0 {
			detailErr = sink.WriteDetail(ctx, detail)
		}
		if len(agg) > 0 {
			aggErr = sink.WriteAggregate(ctx, agg)
		}
		if detailErr != nil || aggErr != nil {
			return errors.WrapTransient(
				stderrors.Join(detailErr, aggErr),
				"writequeue", "TrafficTask", "durable traffic write")
		}
		return nil
	}
}

// CountryTask builds the write task for one flushed country batch.
func CountryTask(sink storage.CountrySink, rows []storage.CountryRow) Task {
	return func(ctx context.Context) error {
		if len(rows) == 0 {
			return nil
		}
		if err := sink.WriteCountries(ctx, rows); err != nil {
			return errors.WrapTransient(err, "writequeue", "CountryTask", "durable country write")
		}
		return nil
	}
}
