package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/billing"
	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/events"
	"github.com/gridpulse/metering-plane/pkg/metrics"
	"github.com/gridpulse/metering-plane/pkg/models"
)

func (g *Gateway) handleRegisterMeter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MeterID   string `json:"meter_id"`
		Region    string `json:"region"`
		Contact   string `json:"contact"`
		Threshold int64  `json:"threshold"`
		MAC       string `json:"mac"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MeterID == "" || req.Region == "" {
		g.writeError(w, http.StatusBadRequest, "meter_id and region are required")
		return
	}
	if req.Threshold < 0 {
		g.writeError(w, http.StatusBadRequest, "threshold must not be negative")
		return
	}

	account := &models.MeterAccount{
		MeterID:   req.MeterID,
		Region:    req.Region,
		Contact:   req.Contact,
		Threshold: req.Threshold,
		MAC:       req.MAC,
	}
	err := g.store.CreateAccount(r.Context(), account)
	if errors.Is(err, store.ErrMeterExists) {
		g.writeError(w, http.StatusConflict, "meter already registered")
		return
	}
	if err != nil {
		g.logger.Error("failed to register meter", zap.String("meter_id", req.MeterID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to register meter")
		return
	}

	g.eventBus.Publish(r.Context(), events.NewEvent(events.EventMeterRegistered, req.MeterID, map[string]interface{}{
		"region": req.Region,
	}))
	g.writeJSON(w, http.StatusCreated, map[string]string{"meter_id": req.MeterID, "status": "registered"})
}

func (g *Gateway) handleDeleteMeter(w http.ResponseWriter, r *http.Request) {
	meterID := chi.URLParam(r, "meter_id")

	err := g.store.DeleteAccount(r.Context(), meterID)
	if errors.Is(err, store.ErrMeterNotFound) {
		g.writeError(w, http.StatusNotFound, "meter not registered")
		return
	}
	if err != nil {
		g.logger.Error("failed to delete meter", zap.String("meter_id", meterID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to delete meter")
		return
	}

	metrics.DropMeter(meterID)
	g.eventBus.Publish(r.Context(), events.NewEvent(events.EventMeterDeleted, meterID, nil))
	g.writeJSON(w, http.StatusOK, map[string]string{"meter_id": meterID, "status": "deleted"})
}

// handleSetThreshold sets a meter's alert budget and re-arms the
// latch, so a meter already past the new value alerts again on its
// next sample.
func (g *Gateway) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	meterID := chi.URLParam(r, "meter_id")

	var req struct {
		Threshold int64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Threshold < 0 {
		g.writeError(w, http.StatusBadRequest, "threshold must not be negative")
		return
	}

	err := g.store.WithAccount(r.Context(), meterID, func(_ context.Context, txn store.AccountTxn) error {
		account := txn.Account()
		account.Threshold = req.Threshold
		account.AlertFired = false
		return nil
	})
	if errors.Is(err, store.ErrMeterNotFound) {
		g.writeError(w, http.StatusNotFound, "meter not registered")
		return
	}
	if err != nil {
		g.logger.Error("failed to set threshold", zap.String("meter_id", meterID), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to set threshold")
		return
	}

	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"meter_id":  meterID,
		"threshold": req.Threshold,
	})
}

func (g *Gateway) handleListRateTables(w http.ResponseWriter, r *http.Request) {
	tables, err := g.store.ListRateTables(r.Context())
	if err != nil {
		g.logger.Error("failed to list rate tables", zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to list rate tables")
		return
	}
	g.writeJSON(w, http.StatusOK, tables)
}

func (g *Gateway) handleGetRateTable(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")

	table, err := g.store.GetRateTable(r.Context(), region)
	if errors.Is(err, store.ErrRateTableNotFound) {
		g.writeError(w, http.StatusNotFound, "rate table not found")
		return
	}
	if err != nil {
		g.logger.Error("failed to load rate table", zap.String("region", region), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to load rate table")
		return
	}
	g.writeJSON(w, http.StatusOK, table)
}

func (g *Gateway) handlePutRateTable(w http.ResponseWriter, r *http.Request) {
	region := chi.URLParam(r, "region")

	var table models.RateTable
	if err := json.NewDecoder(r.Body).Decode(&table); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	table.Region = region

	if err := billing.ValidateRateTable(&table); err != nil {
		g.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if err := g.store.PutRateTable(r.Context(), &table); err != nil {
		g.logger.Error("failed to store rate table", zap.String("region", region), zap.Error(err))
		g.writeError(w, http.StatusInternalServerError, "failed to store rate table")
		return
	}

	// Drop the cached copy so new samples price against this table.
	if invalidator, ok := g.rateSource.(*billing.CachedRateSource); ok {
		invalidator.Invalidate(r.Context(), region)
	}

	g.eventBus.Publish(r.Context(), events.NewEvent(events.EventRateTableUpdated, "", map[string]interface{}{
		"region": region,
	}))
	g.writeJSON(w, http.StatusOK, &table)
}
