package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/carepulse/internal/db"
)

// EventType names a change to an alert that subscribers care about.
type EventType string

const (
	EventCreated      EventType = "created"
	EventAcknowledged EventType = "acknowledged"
	EventResolved     EventType = "resolved"
	EventEscalated    EventType = "escalated"
)

// Event is published once per alert change and fanned out to every
// subscriber of the alert's hospital in publish order.
type Event struct {
	Type       EventType       `json:"type"`
	AlertID    uuid.UUID       `json:"alert_id"`
	HospitalID uuid.UUID       `json:"hospital_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

// Payload is the body carried by every alert event.
type Payload struct {
	Alert *db.Alert `json:"alert"`
	Tier  db.Tier   `json:"tier,omitempty"`
}

// NewEvent snapshots the alert into an event. tier is set for escalations
// and left empty otherwise.
func NewEvent(t EventType, a *db.Alert, tier db.Tier, at time.Time) (Event, error) {
	body, err := json.Marshal(Payload{Alert: a, Tier: tier})
	if err != nil {
		return Event{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Event{
		Type:       t,
		AlertID:    a.ID,
		HospitalID: a.HospitalID,
		Timestamp:  at,
		Payload:    body,
	}, nil
}

// Decode returns the event's payload.
func (e Event) Decode() (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return &p, nil
}

// Publisher is the write side of a Bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus carries alert events between the services that produce them and the
// websocket hubs that deliver them. Events for one hospital are delivered to
// each handler in the order they were published.
type Bus interface {
	Publisher
	Subscribe(handler func(Event)) (unsubscribe func())
	Close() error
}

// Message is the frame written to websocket clients.
type Message struct {
	Kind     string `json:"kind"` // "event" or "notification"
	DedupKey string `json:"dedup_key,omitempty"`
	Event    Event  `json:"event"`
}

const (
	KindEvent        = "event"
	KindNotification = "notification"
)
