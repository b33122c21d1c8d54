package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/models"
)

// Usage reports map bucket rows into fixed-size arrays keyed by
// calendar position. When the window wraps (hour 14 today and hour 14
// yesterday both land in slot 14) the later row overwrites the
// earlier one; consumers read the slots as "most recent value for
// that position".

type usageReport struct {
	MeterID string    `json:"meter_id"`
	Slots   []float64 `json:"slots"`
}

// handleHourlyReport returns the last 24 hours as a 24-slot array
// indexed by hour of day.
func (g *Gateway) handleHourlyReport(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	g.report(w, r, models.GranularityHour, now.Add(-24*time.Hour), 24, func(periodStart time.Time) int {
		return periodStart.Hour()
	})
}

// handleWeeklyReport returns the last 7 days as a 7-slot array
// indexed by weekday, Sunday first.
func (g *Gateway) handleWeeklyReport(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	g.report(w, r, models.GranularityDay, now.AddDate(0, 0, -7), 7, func(periodStart time.Time) int {
		return int(periodStart.Weekday())
	})
}

// handleYearlyReport returns the last 12 months as a 12-slot array
// indexed by month, January first.
func (g *Gateway) handleYearlyReport(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	g.report(w, r, models.GranularityMonth, now.AddDate(-1, 0, 0), 12, func(periodStart time.Time) int {
		return int(periodStart.Month()) - 1
	})
}

func (g *Gateway) report(w http.ResponseWriter, r *http.Request, granularity models.Granularity, from time.Time, slots int, slot func(time.Time) int) {
	meterID := chi.URLParam(r, "meter_id")
	to := time.Now().UTC().Add(time.Second)

	buckets, err := g.store.ListBuckets(r.Context(), meterID, granularity, from, to)
	if errors.Is(err, store.ErrMeterNotFound) {
		g.writeError(w, http.StatusNotFound, "meter not registered")
		return
	}
	if err != nil {
		g.logger.Error("failed to load usage buckets",
			zap.String("meter_id", meterID),
			zap.String("granularity", string(granularity)),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	report := usageReport{MeterID: meterID, Slots: make([]float64, slots)}
	for _, b := range buckets {
		report.Slots[slot(b.PeriodStart)] = b.KWh
	}

	g.writeJSON(w, http.StatusOK, report)
}
