package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/pipeline"
	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/models"
)

// handleTelemetry ingests one sample sent by meter firmware as query
// parameters:
//
//	GET /api/telemetry?meterId=m-1&voltage=231.4&current=4.2&mac=AA:BB
//
// The timestamp is server-assigned; meters carry no clock.
func (g *Gateway) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	voltage, errV := strconv.ParseFloat(q.Get("voltage"), 64)
	current, errC := strconv.ParseFloat(q.Get("current"), 64)
	if errV != nil || errC != nil {
		g.writeError(w, http.StatusBadRequest, "voltage and current must be numeric")
		return
	}

	sample := models.TelemetrySample{
		MeterID: q.Get("meterId"),
		Voltage: voltage,
		Current: current,
		MAC:     q.Get("mac"),
	}

	snapshot, err := g.pipeline.Ingest(r.Context(), sample, "http")
	switch {
	case errors.Is(err, pipeline.ErrInvalidTelemetry):
		g.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrMeterNotFound):
		g.writeError(w, http.StatusNotFound, "meter not registered")
	case errors.Is(err, pipeline.ErrRegionNotConfigured):
		g.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		g.logger.Error("ingest failed", zap.String("meter_id", sample.MeterID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to process sample")
	default:
		g.writeJSON(w, http.StatusOK, snapshot)
	}
}

// handleGetMeter returns the current account state for one meter.
func (g *Gateway) handleGetMeter(w http.ResponseWriter, r *http.Request) {
	meterID := chi.URLParam(r, "meter_id")

	account, err := g.store.GetAccount(r.Context(), meterID)
	if errors.Is(err, store.ErrMeterNotFound) {
		g.writeError(w, http.StatusNotFound, "meter not registered")
		return
	}
	if err != nil {
		g.logger.Error("failed to load meter", zap.String("meter_id", meterID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to load meter")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"meter_id":       account.MeterID,
		"region":         account.Region,
		"mac":            account.MAC,
		"cumulative_kwh": account.CumulativeKWh,
		"instant_watt":   account.InstantWatt,
		"voltage":        account.Voltage,
		"current":        account.Current,
		"total_cost":     account.TotalCost,
		"cost_today":     account.CostToday,
		"threshold":      account.Threshold,
		"alert_fired":    account.AlertFired,
		"last_sample_at": account.LastSampleAt,
	})
}
