package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/alerting"
	"github.com/gridpulse/metering-plane/internal/billing"
	"github.com/gridpulse/metering-plane/internal/config"
	"github.com/gridpulse/metering-plane/internal/metering"
	"github.com/gridpulse/metering-plane/internal/notifications"
	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/events"
	"github.com/gridpulse/metering-plane/pkg/models"
)

type captureNotifier struct {
	mu     sync.Mutex
	alerts []notifications.Alert
}

func (c *captureNotifier) Send(_ context.Context, alert notifications.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, alert)
	return nil
}

func flatRateTable(region string) *models.RateTable {
	return &models.RateTable{
		Region: region,
		Tiers: []models.RateTier{
			{UpperBound: 100, CostPerUnit: 1},
			{UpperBound: 300, CostPerUnit: 1},
			{UpperBound: 500, CostPerUnit: 1},
			{UpperBound: 1000, CostPerUnit: 1},
		},
	}
}

type testRig struct {
	pipeline *Pipeline
	store    *store.MemoryStore
	notifier *captureNotifier
}

func newTestRig(t *testing.T, cfg config.IngestConfig) *testRig {
	t.Helper()
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = 15 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	logger := zap.NewNop()
	s := store.NewMemoryStore()
	notifier := &captureNotifier{}
	bus := events.NewBus(logger)
	monitor := alerting.NewMonitor(s, notifier, bus, logger)
	p := New(cfg, s, metering.NewAggregator(logger), billing.NewStoreRateSource(s), monitor, bus, nil, logger)

	require.NoError(t, s.PutRateTable(context.Background(), flatRateTable("north")))
	require.NoError(t, s.CreateAccount(context.Background(), &models.MeterAccount{
		MeterID: "m-1",
		Region:  "north",
	}))
	return &testRig{pipeline: p, store: s, notifier: notifier}
}

func sampleAt(ts time.Time, voltage, current float64) models.TelemetrySample {
	return models.TelemetrySample{
		MeterID:   "m-1",
		Voltage:   voltage,
		Current:   current,
		Timestamp: ts,
	}
}

func TestIngestHappyPath(t *testing.T) {
	rig := newTestRig(t, config.IngestConfig{})
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	// 240V * 100A for 15s = 0.1 kWh.
	snap, err := rig.pipeline.Ingest(context.Background(), sampleAt(ts, 240, 100), "http")
	require.NoError(t, err)
	require.InDelta(t, 0.1, snap.CumulativeKWh, 1e-9)

	account, err := rig.store.GetAccount(context.Background(), "m-1")
	require.NoError(t, err)
	require.InDelta(t, 0.1, account.CumulativeKWh, 1e-9)
	require.InDelta(t, 24000, account.InstantWatt, 1e-9)
	require.Equal(t, ts, account.LastSampleAt)

	buckets, err := rig.store.ListBuckets(context.Background(), "m-1", models.GranularityHour, ts.Add(-time.Hour), ts.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.InDelta(t, 0.1, buckets[0].KWh, 1e-9)
}

func TestIngestRejectsInvalidSamples(t *testing.T) {
	rig := newTestRig(t, config.IngestConfig{})
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	_, err := rig.pipeline.Ingest(context.Background(), models.TelemetrySample{Voltage: 240, Current: 1, Timestamp: ts}, "http")
	require.ErrorIs(t, err, ErrInvalidTelemetry)

	_, err = rig.pipeline.Ingest(context.Background(), sampleAt(ts, -240, 1), "http")
	require.ErrorIs(t, err, ErrInvalidTelemetry)
}

func TestIngestUnknownMeter(t *testing.T) {
	rig := newTestRig(t, config.IngestConfig{})
	sample := sampleAt(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), 240, 1)
	sample.MeterID = "nobody"

	_, err := rig.pipeline.Ingest(context.Background(), sample, "http")
	require.ErrorIs(t, err, store.ErrMeterNotFound)
}

func TestIngestUnconfiguredRegion(t *testing.T) {
	rig := newTestRig(t, config.IngestConfig{})
	require.NoError(t, rig.store.CreateAccount(context.Background(), &models.MeterAccount{
		MeterID: "m-2",
		Region:  "atlantis",
	}))

	sample := sampleAt(time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), 240, 1)
	sample.MeterID = "m-2"
	_, err := rig.pipeline.Ingest(context.Background(), sample, "http")
	require.ErrorIs(t, err, ErrRegionNotConfigured)

	// The failed sample must not leave partial state behind.
	account, err := rig.store.GetAccount(context.Background(), "m-2")
	require.NoError(t, err)
	require.Zero(t, account.CumulativeKWh)
	require.True(t, account.LastSampleAt.IsZero())
}

func TestIngestNegativeCurrentClampsToZero(t *testing.T) {
	rig := newTestRig(t, config.IngestConfig{})
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	snap, err := rig.pipeline.Ingest(context.Background(), sampleAt(ts, 240, -5), "http")
	require.NoError(t, err)
	require.Zero(t, snap.CumulativeKWh)

	account, err := rig.store.GetAccount(context.Background(), "m-1")
	require.NoError(t, err)
	require.Equal(t, ts, account.LastSampleAt)
	require.InDelta(t, -1200, account.InstantWatt, 1e-9)
}

func TestIngestMonthBoundaryResets(t *testing.T) {
	rig := newTestRig(t, config.IngestConfig{})
	ctx := context.Background()

	march := time.Date(2026, 3, 31, 23, 59, 45, 0, time.UTC)
	_, err := rig.pipeline.Ingest(ctx, sampleAt(march, 240, 1000), "http")
	require.NoError(t, err)

	account, err := rig.store.GetAccount(ctx, "m-1")
	require.NoError(t, err)
	require.Positive(t, account.CumulativeKWh)
	require.Positive(t, account.TotalCost)

	april := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	snap, err := rig.pipeline.Ingest(ctx, sampleAt(april, 240, 1000), "http")
	require.NoError(t, err)

	// The month-crossing sample persists zeros regardless of its
	// readings; accrual resumes with the next sample.
	require.Zero(t, snap.CumulativeKWh)
	require.Zero(t, snap.TotalCost)
	require.Zero(t, snap.CostToday)

	account, err = rig.store.GetAccount(ctx, "m-1")
	require.NoError(t, err)
	require.Zero(t, account.CumulativeKWh)
	require.Zero(t, account.TotalCost)
	require.Zero(t, account.CostToday)
	require.False(t, account.AlertFired)
	require.Equal(t, april, account.LastSampleAt)

	snap, err = rig.pipeline.Ingest(ctx, sampleAt(april.Add(15*time.Second), 240, 1000), "http")
	require.NoError(t, err)
	require.InDelta(t, 1.0, snap.CumulativeKWh, 1e-9)
	require.Equal(t, int64(1), snap.TotalCost)

	// March buckets survive the reset.
	marchStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	buckets, err := rig.store.ListBuckets(ctx, "m-1", models.GranularityMonth, marchStart, marchStart.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.Positive(t, buckets[0].KWh)
}

func TestIngestCostTodayTracksDailyBucket(t *testing.T) {
	rig := newTestRig(t, config.IngestConfig{})
	ctx := context.Background()

	day1 := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC)

	// 240V * 1000A for 15s = 1 kWh per sample at 1/unit.
	snap, err := rig.pipeline.Ingest(ctx, sampleAt(day1, 240, 1000), "http")
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.CostToday)
	require.Equal(t, int64(1), snap.TotalCost)

	snap, err = rig.pipeline.Ingest(ctx, sampleAt(day2, 240, 1000), "http")
	require.NoError(t, err)
	require.Equal(t, int64(1), snap.CostToday)
	require.Equal(t, int64(2), snap.TotalCost)
}

func TestIngestElapsedIntervalCapped(t *testing.T) {
	rig := newTestRig(t, config.IngestConfig{
		UseElapsedInterval: true,
		MaxInterval:        time.Minute,
	})
	ctx := context.Background()

	first := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	_, err := rig.pipeline.Ingest(ctx, sampleAt(first, 240, 1000), "http")
	require.NoError(t, err)
	before, err := rig.store.GetAccount(ctx, "m-1")
	require.NoError(t, err)

	// An hour-long gap is capped at one minute: 240kW * 1min = 4 kWh.
	second := first.Add(time.Hour)
	snap, err := rig.pipeline.Ingest(ctx, sampleAt(second, 240, 1000), "http")
	require.NoError(t, err)
	require.InDelta(t, before.CumulativeKWh+4.0, snap.CumulativeKWh, 1e-9)

	// Out-of-order timestamps contribute nothing.
	stale := first.Add(-time.Hour)
	snap2, err := rig.pipeline.Ingest(ctx, sampleAt(stale, 240, 1000), "http")
	require.NoError(t, err)
	require.InDelta(t, snap.CumulativeKWh, snap2.CumulativeKWh, 1e-9)
}

func TestIngestFiresThresholdAlert(t *testing.T) {
	rig := newTestRig(t, config.IngestConfig{})
	ctx := context.Background()

	require.NoError(t, rig.store.WithAccount(ctx, "m-1", func(_ context.Context, txn store.AccountTxn) error {
		txn.Account().Threshold = 3
		return nil
	}))

	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := rig.pipeline.Ingest(ctx, sampleAt(ts.Add(time.Duration(i)*15*time.Second), 240, 1000), "http")
		require.NoError(t, err)
	}

	require.Len(t, rig.notifier.alerts, 1)
	require.GreaterOrEqual(t, rig.notifier.alerts[0].TotalCost, int64(3))

	account, err := rig.store.GetAccount(ctx, "m-1")
	require.NoError(t, err)
	require.True(t, account.AlertFired)
	require.Equal(t, int64(4), account.Threshold)
}

func TestIngestConcurrentSamplesSum(t *testing.T) {
	rig := newTestRig(t, config.IngestConfig{})
	ctx := context.Background()

	const workers = 25
	ts := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := rig.pipeline.Ingest(ctx, sampleAt(ts.Add(time.Duration(i)*time.Second), 240, 1000), "http")
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// Each sample adds exactly 1 kWh regardless of interleaving.
	account, err := rig.store.GetAccount(ctx, "m-1")
	require.NoError(t, err)
	require.InDelta(t, float64(workers), account.CumulativeKWh, 1e-9)

	dayStart := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	buckets, err := rig.store.ListBuckets(ctx, "m-1", models.GranularityDay, dayStart, dayStart.AddDate(0, 0, 1))
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	require.InDelta(t, float64(workers), buckets[0].KWh, 1e-9)
}
