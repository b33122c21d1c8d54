// Package alerting watches month-to-date cost against each meter's
// configured threshold and fires at most one alert per crossing.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gridpulse/metering-plane/internal/notifications"
	"github.com/gridpulse/metering-plane/internal/store"
	"github.com/gridpulse/metering-plane/pkg/events"
	"github.com/gridpulse/metering-plane/pkg/metrics"
	"github.com/gridpulse/metering-plane/pkg/models"
)

// ErrNotificationFailed wraps delivery errors. It is non-fatal to the
// sample that triggered it; the meter simply stays armed.
var ErrNotificationFailed = errors.New("notification dispatch failed")

// Monitor decides when a meter's cost crossing warrants an alert and
// handles delivery plus the persisted latch.
type Monitor struct {
	store    store.Store
	notifier notifications.Notifier
	bus      *events.Bus
	logger   *zap.Logger
}

// NewMonitor creates a monitor.
func NewMonitor(s store.Store, notifier notifications.Notifier, bus *events.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{store: s, notifier: notifier, bus: bus, logger: logger}
}

// Evaluate runs the latch state machine on a freshly updated account,
// inside the caller's transaction. Returns true when the caller must
// dispatch an alert after commit; the latch itself is only written
// once delivery succeeds, so a failed dispatch leaves the meter armed
// and the next sample retries. The latch clears only on monthly reset
// or a manual threshold set, never by the cost falling back.
func (m *Monitor) Evaluate(account *models.MeterAccount) bool {
	if account.Threshold <= 0 || account.AlertFired {
		return false
	}
	return account.TotalCost > account.Threshold
}

// Fire delivers the alert and, on success, latches the meter in a
// second transaction: alert_fired is set and the threshold ratchets up
// by half so the alert does not immediately re-trigger on the next
// sample.
func (m *Monitor) Fire(ctx context.Context, alert notifications.Alert) error {
	if err := m.notifier.Send(ctx, alert); err != nil {
		metrics.AlertDispatchFailures.Inc()
		m.logger.Error("alert dispatch failed, meter stays armed",
			zap.String("meter_id", alert.MeterID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}

	err := m.store.WithAccount(ctx, alert.MeterID, func(_ context.Context, txn store.AccountTxn) error {
		account := txn.Account()
		account.AlertFired = true
		account.Threshold = ratchet(account.Threshold)
		return nil
	})
	if err != nil {
		m.logger.Error("failed to latch alert",
			zap.String("meter_id", alert.MeterID),
			zap.Error(err),
		)
		return err
	}

	metrics.AlertsFired.WithLabelValues(alert.MeterID).Inc()
	m.bus.Publish(ctx, events.NewEvent(events.EventAlertFired, alert.MeterID, map[string]interface{}{
		"total_cost": alert.TotalCost,
		"threshold":  alert.Threshold,
		"fired_at":   alert.FiredAt.Format(time.RFC3339),
	}))
	return nil
}

// PendingAlert builds the alert to dispatch for an account whose
// Evaluate returned true. Callers capture it inside the transaction so
// the dispatched values match what was committed.
func PendingAlert(account *models.MeterAccount, at time.Time) notifications.Alert {
	return notifications.Alert{
		MeterID:   account.MeterID,
		Contact:   account.Contact,
		TotalCost: account.TotalCost,
		Threshold: account.Threshold,
		FiredAt:   at,
	}
}

// ratchet raises a fired threshold to one and a half times its value.
func ratchet(threshold int64) int64 {
	return threshold + threshold/2
}
