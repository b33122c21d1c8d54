// Package metering turns raw electrical readings into energy deltas
// and fans them out to the persisted usage buckets.
package metering

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/models"
)

// EnergyDelta converts one sampling interval of electrical readings
// into kWh. Power is voltage times current in watts; the interval is
// the time the meter spent at that power. Negative results (clock
// skew, sensor glitches) clamp to zero so buckets never shrink.
func EnergyDelta(voltage, current float64, interval time.Duration) float64 {
	kwh := voltage * current * interval.Hours() / 1000.0
	if kwh < 0 {
		return 0
	}
	return kwh
}

// Aggregator applies a sample's energy delta to every bucket
// granularity inside the caller's account transaction.
type Aggregator struct {
	logger *zap.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(logger *zap.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// Apply upserts the hour, day and month buckets the sample timestamp
// falls into, adding deltaKWh to each. All writes go through txn so
// they commit or roll back with the account update.
func (a *Aggregator) Apply(ctx context.Context, txn store.AccountTxn, sampleAt time.Time, deltaKWh float64) error {
	for _, g := range models.Granularities {
		period := store.TruncatePeriod(sampleAt, g)
		if err := txn.UpsertBucket(ctx, g, period, deltaKWh, sampleAt); err != nil {
			a.logger.Error("bucket upsert failed",
				zap.String("meter_id", txn.Account().MeterID),
				zap.String("granularity", string(g)),
				zap.Time("period_start", period),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}

// DayKWh reads the accumulated energy of the daily bucket the given
// timestamp falls into, observing writes made earlier in the same
// transaction.
func (a *Aggregator) DayKWh(ctx context.Context, txn store.AccountTxn, at time.Time) (float64, error) {
	return txn.BucketKWh(ctx, models.GranularityDay, store.TruncatePeriod(at, models.GranularityDay))
}
