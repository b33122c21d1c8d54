// Package notifications delivers threshold alerts to meter owners.
// Delivery is synchronous: the threshold monitor only latches an
// alert as fired after every configured channel accepted it, so a
// failed send is retried on the next sample.
package notifications

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Alert is one threshold crossing for one meter.
type Alert struct {
	MeterID   string    `json:"meter_id"`
	Contact   string    `json:"contact,omitempty"`
	TotalCost int64     `json:"total_cost"`
	Threshold int64     `json:"threshold"`
	FiredAt   time.Time `json:"fired_at"`
}

// Notifier delivers an alert over one channel.
type Notifier interface {
	Send(ctx context.Context, alert Alert) error
}

// Multi fans one alert out to several channels and fails if any of
// them fails.
type Multi struct {
	channels []Notifier
	logger   *zap.Logger
}

// NewMulti creates a notifier over the given channels. An empty
// channel list yields a notifier whose Send always succeeds.
func NewMulti(logger *zap.Logger, channels ...Notifier) *Multi {
	return &Multi{channels: channels, logger: logger}
}

// Send implements Notifier.
func (m *Multi) Send(ctx context.Context, alert Alert) error {
	for _, ch := range m.channels {
		if err := ch.Send(ctx, alert); err != nil {
			m.logger.Error("alert delivery failed",
				zap.String("meter_id", alert.MeterID),
				zap.Error(err),
			)
			return err
		}
	}
	return nil
}
