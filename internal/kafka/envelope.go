package kafka

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	HeaderEventType     = "x-event-type"
	HeaderEventVersion  = "x-event-version"
	HeaderCorrelationID = "x-correlation-id"
	HeaderUserID        = "x-user-id"
	HeaderRoutingKey    = "x-routing-key"
	HeaderRetry         = "x-retry"
)

// Destination is an exchange plus routing key. Each pair is one topic.
type Destination struct {
	Exchange   string
	RoutingKey string
}

func (d Destination) Topic() string { return d.Exchange + "." + d.RoutingKey }

func (d Destination) String() string { return d.Topic() }

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually the order id
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(producer, eventType, correlationID string, payload any) Envelope {
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       MustMarshal(payload),
	}
}
