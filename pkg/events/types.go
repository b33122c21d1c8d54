package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Alert events
	EventAlertFired EventType = "alert.fired"

	// Meter lifecycle events
	EventMeterRegistered EventType = "meter.registered"
	EventMeterDeleted    EventType = "meter.deleted"
	EventMeterMonthReset EventType = "meter.month_reset"

	// Ingestion events
	EventSampleRejected EventType = "sample.rejected"

	// Billing events
	EventRateTableUpdated EventType = "ratetable.updated"
	EventRecalcCompleted  EventType = "recalc.completed"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event (for idempotency)
	ID string

	// Type is the event type
	Type EventType

	// Timestamp is when the event occurred
	Timestamp time.Time

	// MeterID is the meter this event belongs to (empty for system events)
	MeterID string

	// Payload contains event-specific data
	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, meterID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		MeterID:   meterID,
		Payload:   payload,
	}
}
