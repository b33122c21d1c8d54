package models

import "time"

// Granularity identifies one of the persisted usage bucket kinds.
type Granularity string

const (
	GranularityHour  Granularity = "hour"
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

// Granularities lists every bucket kind a sample fans out to, in the
// order the aggregator applies them.
var Granularities = []Granularity{GranularityHour, GranularityDay, GranularityMonth}

// MeterAccount is the per-meter billing state. All cost fields are in
// whole currency units (the calculator rounds to integers).
type MeterAccount struct {
	MeterID       string
	MAC           string
	Region        string
	Contact       string
	CumulativeKWh float64
	InstantWatt   float64
	Voltage       float64
	Current       float64
	LastSampleAt  time.Time
	TotalCost     int64
	CostToday     int64
	Threshold     int64
	AlertFired    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// UsageBucket accumulates energy for one meter and one time period.
// At most one bucket exists per (meter, granularity, period start).
type UsageBucket struct {
	MeterID      string
	Granularity  Granularity
	PeriodStart  time.Time
	KWh          float64
	LastSampleAt time.Time
}

// TelemetrySample is one reading as sent by a meter, regardless of
// transport (HTTP query, Kafka message, MQTT payload).
type TelemetrySample struct {
	MeterID   string    `json:"meter_id"`
	Voltage   float64   `json:"voltage"`
	Current   float64   `json:"current"`
	MAC       string    `json:"mac,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageSnapshot is what an ingestion call reports back. It always
// reflects the persisted state, so a month-boundary sample reports
// the post-reset zeros.
type UsageSnapshot struct {
	MeterID       string  `json:"meter_id"`
	CumulativeKWh float64 `json:"cumulative_kwh"`
	TotalCost     int64   `json:"total_cost"`
	CostToday     int64   `json:"cost_today"`
}

// RateTier is one consumption bracket of a rate table.
type RateTier struct {
	UpperBound  float64 `json:"upper_bound"`
	CostPerUnit float64 `json:"cost_per_unit"`
	TaxPerUnit  float64 `json:"tax_per_unit"`
}

// RateTable is the per-region billing configuration. Tiers must be
// exactly four, sorted ascending by UpperBound; billing.ValidateRateTable
// enforces this at load time.
type RateTable struct {
	Region          string     `json:"region"`
	Base            float64    `json:"base"`
	PercentPerUnit  float64    `json:"percent_per_unit"`
	TotalTaxPercent float64    `json:"total_tax_percent"`
	Tax             float64    `json:"tax"`
	Tiers           []RateTier `json:"tiers"`
}
