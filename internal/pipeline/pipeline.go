// Package pipeline processes telemetry samples end to end: energy
// conversion, bucket aggregation, billing, threshold evaluation and
// persistence, all inside one per-meter transaction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/alerting"
	"github.com/gridpulse/metering-plane/internal/billing"
	"github.com/gridpulse/metering-plane/internal/config"
	"github.com/gridpulse/metering-plane/internal/metering"
	"github.com/gridpulse/metering-plane/internal/notifications"
	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/events"
	"github.com/gridpulse/metering-plane/pkg/metrics"
	"github.com/gridpulse/metering-plane/pkg/models"
)

var (
	// ErrInvalidTelemetry indicates a sample that cannot be processed:
	// missing meter ID or non-finite electrical readings.
	ErrInvalidTelemetry = errors.New("invalid telemetry sample")
	// ErrRegionNotConfigured indicates the meter's region has no rate table.
	ErrRegionNotConfigured = errors.New("no rate table for region")
)

// Archiver receives every accepted raw sample, best effort.
type Archiver interface {
	Archive(sample models.TelemetrySample)
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	cfg        config.IngestConfig
	store      store.Store
	aggregator *metering.Aggregator
	calculator *billing.Calculator
	rates      billing.RateSource
	monitor    *alerting.Monitor
	bus        *events.Bus
	archiver   Archiver
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a pipeline. archiver may be nil.
func New(
	cfg config.IngestConfig,
	s store.Store,
	aggregator *metering.Aggregator,
	rates billing.RateSource,
	monitor *alerting.Monitor,
	bus *events.Bus,
	archiver Archiver,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		store:      s,
		aggregator: aggregator,
		calculator: billing.NewCalculator(),
		rates:      rates,
		monitor:    monitor,
		bus:        bus,
		archiver:   archiver,
		logger:     logger,
		now:        time.Now,
	}
}

// Ingest runs one sample through the pipeline and returns the
// post-commit usage snapshot. transport labels the ingress metric
// ("http", "kafka", "mqtt").
func (p *Pipeline) Ingest(ctx context.Context, sample models.TelemetrySample, transport string) (*models.UsageSnapshot, error) {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	if err := validate(sample); err != nil {
		p.reject(ctx, sample, "invalid")
		return nil, err
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = p.now().UTC()
	}

	if p.archiver != nil {
		p.archiver.Archive(sample)
	}

	var (
		snapshot   models.UsageSnapshot
		fire       bool
		monthReset bool
		alert      notifications.Alert
	)

	err := p.store.WithAccount(ctx, sample.MeterID, func(ctx context.Context, txn store.AccountTxn) error {
		account := txn.Account()
		ts := sample.Timestamp.UTC()
		prev := account.LastSampleAt

		account.InstantWatt = sample.Voltage * sample.Current
		account.Voltage = sample.Voltage
		account.Current = sample.Current
		account.LastSampleAt = ts
		if sample.MAC != "" {
			account.MAC = sample.MAC
		}

		monthReset = crossedMonth(prev, ts)
		if monthReset {
			// The first sample of a new month persists zeros no
			// matter what it reads; accrual resumes from the next
			// sample.
			account.CumulativeKWh = 0
			account.TotalCost = 0
			account.CostToday = 0
			account.AlertFired = false
			snapshot = models.UsageSnapshot{MeterID: account.MeterID}
			return nil
		}

		delta := metering.EnergyDelta(sample.Voltage, sample.Current, p.interval(prev, ts))
		account.CumulativeKWh += delta

		if delta > 0 {
			if err := p.aggregator.Apply(ctx, txn, ts, delta); err != nil {
				return err
			}
		}

		table, err := p.rates.RateTable(ctx, account.Region)
		if errors.Is(err, store.ErrRateTableNotFound) {
			return fmt.Errorf("%w: %s", ErrRegionNotConfigured, account.Region)
		}
		if err != nil {
			return err
		}

		total, err := p.calculator.Compute(account.CumulativeKWh, table)
		if err != nil {
			return err
		}
		account.TotalCost = total.Total

		dayKWh, err := p.aggregator.DayKWh(ctx, txn, ts)
		if err != nil {
			return err
		}
		today, err := p.calculator.Compute(dayKWh, table)
		if err != nil {
			return err
		}
		account.CostToday = today.Total

		fire = p.monitor.Evaluate(account)
		if fire {
			alert = alerting.PendingAlert(account, ts)
		}

		snapshot = models.UsageSnapshot{
			MeterID:       account.MeterID,
			CumulativeKWh: account.CumulativeKWh,
			TotalCost:     account.TotalCost,
			CostToday:     account.CostToday,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrMeterNotFound) {
			p.reject(ctx, sample, "unknown_meter")
		} else if errors.Is(err, ErrRegionNotConfigured) {
			p.reject(ctx, sample, "no_rate_table")
		}
		return nil, err
	}

	if monthReset {
		p.bus.Publish(ctx, events.NewEvent(events.EventMeterMonthReset, sample.MeterID, nil))
	}
	if fire {
		// Delivery failures leave the meter armed; the next sample
		// re-evaluates and retries.
		_ = p.monitor.Fire(ctx, alert)
	}

	metrics.SamplesIngested.WithLabelValues(transport).Inc()
	metrics.RecordIngest(snapshot.MeterID, snapshot.CumulativeKWh, snapshot.TotalCost)
	metrics.IngestDuration.Observe(p.now().Sub(start).Seconds())

	return &snapshot, nil
}

// interval returns the time span the sample's power reading covers.
func (p *Pipeline) interval(lastSampleAt, ts time.Time) time.Duration {
	if !p.cfg.UseElapsedInterval || lastSampleAt.IsZero() {
		return p.cfg.SampleInterval
	}
	elapsed := ts.Sub(lastSampleAt)
	if elapsed < 0 {
		return 0
	}
	if elapsed > p.cfg.MaxInterval {
		return p.cfg.MaxInterval
	}
	return elapsed
}

func (p *Pipeline) reject(ctx context.Context, sample models.TelemetrySample, reason string) {
	metrics.SamplesRejected.WithLabelValues(reason).Inc()
	p.bus.Publish(ctx, events.NewEvent(events.EventSampleRejected, sample.MeterID, map[string]interface{}{
		"reason": reason,
	}))
}

func validate(sample models.TelemetrySample) error {
	if sample.MeterID == "" {
		return fmt.Errorf("%w: missing meter id", ErrInvalidTelemetry)
	}
	if !isFinite(sample.Voltage) || !isFinite(sample.Current) {
		return fmt.Errorf("%w: non-finite readings", ErrInvalidTelemetry)
	}
	if sample.Voltage < 0 {
		return fmt.Errorf("%w: negative voltage", ErrInvalidTelemetry)
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// crossedMonth reports whether ts falls in a later calendar month than
// the previous sample. Billing state is month scoped, so the first
// sample of a new month starts from zero.
func crossedMonth(lastSampleAt, ts time.Time) bool {
	if lastSampleAt.IsZero() {
		return false
	}
	last := store.TruncatePeriod(lastSampleAt, models.GranularityMonth)
	cur := store.TruncatePeriod(ts, models.GranularityMonth)
	return cur.After(last)
}
