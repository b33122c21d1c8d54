// Package recalc keeps billing state moving between telemetry
// samples. On a fixed interval it reprices every meter against the
// current rate tables, and for meters that have stopped reporting it
// re-applies the last known power draw as an energy delta through the
// same aggregation path the pipeline uses. A meter that goes quiet
// keeps accruing at its last reading; a meter still streaming is left
// to the pipeline so the same span is never billed twice.
package recalc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/alerting"
	"github.com/gridpulse/metering-plane/internal/billing"
	"github.com/gridpulse/metering-plane/internal/metering"
	"github.com/gridpulse/metering-plane/internal/notifications"
	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/events"
	"github.com/gridpulse/metering-plane/pkg/metrics"
	"github.com/gridpulse/metering-plane/pkg/models"
)

// Recalculator sweeps all meters on a fixed interval.
type Recalculator struct {
	store      store.Store
	rates      billing.RateSource
	aggregator *metering.Aggregator
	calculator *billing.Calculator
	monitor    *alerting.Monitor
	bus        *events.Bus
	interval   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a recalculator.
func New(s store.Store, rates billing.RateSource, aggregator *metering.Aggregator, monitor *alerting.Monitor, bus *events.Bus, interval time.Duration, logger *zap.Logger) *Recalculator {
	return &Recalculator{
		store:      s,
		rates:      rates,
		aggregator: aggregator,
		calculator: billing.NewCalculator(),
		monitor:    monitor,
		bus:        bus,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
	}
}

// Start begins the sweep loop. It returns when ctx is cancelled.
func (r *Recalculator) Start(ctx context.Context) {
	r.logger.Info("starting recalculator", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("recalculator stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep processes every meter once. A failing meter is logged and
// skipped; it never aborts the sweep.
func (r *Recalculator) Sweep(ctx context.Context) {
	meterIDs, err := r.store.ListMeterIDs(ctx)
	if err != nil {
		r.logger.Error("failed to list meters", zap.Error(err))
		return
	}

	failed := 0
	for _, meterID := range meterIDs {
		if err := r.recalcMeter(ctx, meterID); err != nil {
			failed++
			metrics.RecalcMeterErrors.Inc()
			r.logger.Error("meter recalculation failed",
				zap.String("meter_id", meterID),
				zap.Error(err),
			)
		}
	}

	metrics.RecalcRuns.Inc()
	r.bus.Publish(ctx, events.NewEvent(events.EventRecalcCompleted, "", map[string]interface{}{
		"meters": len(meterIDs),
		"failed": failed,
	}))
}

func (r *Recalculator) recalcMeter(ctx context.Context, meterID string) error {
	var (
		fire       bool
		monthReset bool
		alert      notifications.Alert
	)
	now := r.now().UTC()

	err := r.store.WithAccount(ctx, meterID, func(ctx context.Context, txn store.AccountTxn) error {
		account := txn.Account()

		if !account.LastSampleAt.IsZero() {
			lastMonth := store.TruncatePeriod(account.LastSampleAt, models.GranularityMonth)
			if store.TruncatePeriod(now, models.GranularityMonth).After(lastMonth) {
				monthReset = true
				account.CumulativeKWh = 0
				account.TotalCost = 0
				account.CostToday = 0
				account.AlertFired = false
			}
		}

		// Extend the last reading over one sweep interval, but only
		// for meters that have gone quiet: a meter still streaming
		// samples is billed by the pipeline, and accruing here too
		// would count the same span twice. The sweep advances
		// LastSampleAt so the next one does not re-bill it either.
		if stalled := account.LastSampleAt.IsZero() || now.Sub(account.LastSampleAt) >= r.interval; stalled {
			delta := metering.EnergyDelta(account.Voltage, account.Current, r.interval)
			if delta > 0 {
				account.CumulativeKWh += delta
				if err := r.aggregator.Apply(ctx, txn, now, delta); err != nil {
					return err
				}
				account.LastSampleAt = now
			}
		}

		table, err := r.rates.RateTable(ctx, account.Region)
		if errors.Is(err, store.ErrRateTableNotFound) {
			return fmt.Errorf("region %q has no rate table", account.Region)
		}
		if err != nil {
			return err
		}

		total, err := r.calculator.Compute(account.CumulativeKWh, table)
		if err != nil {
			return err
		}
		account.TotalCost = total.Total

		dayKWh, err := r.aggregator.DayKWh(ctx, txn, now)
		if err != nil {
			return err
		}
		today, err := r.calculator.Compute(dayKWh, table)
		if err != nil {
			return err
		}
		account.CostToday = today.Total

		fire = r.monitor.Evaluate(account)
		if fire {
			alert = alerting.PendingAlert(account, now)
		}

		metrics.RecordIngest(account.MeterID, account.CumulativeKWh, account.TotalCost)
		return nil
	})
	if err != nil {
		return err
	}

	if monthReset {
		r.bus.Publish(ctx, events.NewEvent(events.EventMeterMonthReset, meterID, nil))
	}
	if fire {
		_ = r.monitor.Fire(ctx, alert)
	}
	return nil
}
