package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	SamplesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_samples_ingested_total",
			Help: "Number of telemetry samples accepted, by transport",
		},
		[]string{"transport"},
	)

	SamplesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_samples_rejected_total",
			Help: "Number of telemetry samples rejected, by reason",
		},
		[]string{"reason"},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_ingest_duration_seconds",
			Help:    "Time spent processing one sample end to end",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Billing metrics
	MeterTotalCost = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meter_total_cost",
			Help: "Month-to-date billed cost per meter in whole currency units",
		},
		[]string{"meter_id"},
	)

	MeterCumulativeKWh = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "meter_cumulative_kwh",
			Help: "Month-to-date energy per meter in kWh",
		},
		[]string{"meter_id"},
	)

	// Alerting metrics
	AlertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threshold_alerts_fired_total",
			Help: "Number of threshold alerts dispatched per meter",
		},
		[]string{"meter_id"},
	)

	AlertDispatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "threshold_alert_dispatch_failures_total",
			Help: "Number of alert notifications that failed to send",
		},
	)

	// Recalculation metrics
	RecalcRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recalc_runs_total",
			Help: "Number of completed recalculation sweeps",
		},
	)

	RecalcMeterErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "recalc_meter_errors_total",
			Help: "Number of meters that failed during a recalculation sweep",
		},
	)
)

// RecordIngest updates the per-meter billing gauges after a committed sample
func RecordIngest(meterID string, cumulativeKWh float64, totalCost int64) {
	MeterCumulativeKWh.WithLabelValues(meterID).Set(cumulativeKWh)
	MeterTotalCost.WithLabelValues(meterID).Set(float64(totalCost))
}

// DropMeter removes a deleted meter's gauges
func DropMeter(meterID string) {
	MeterCumulativeKWh.DeleteLabelValues(meterID)
	MeterTotalCost.DeleteLabelValues(meterID)
}
