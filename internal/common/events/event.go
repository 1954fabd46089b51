package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data any) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into v
func (e *Event) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *Event) error { return nil }

const AggregatePayment = "payment"

// Payment events
const (
	EventPaymentStateChanged = "payment.state.changed"
	EventPaymentCompleted    = "payment.completed"
	EventPaymentFailed       = "payment.failed"
	EventPaymentClosed       = "payment.closed"
)

// StateChangedData is the data for payment.state.changed events
type StateChangedData struct {
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Event     string `json:"event"`
	Mode      string `json:"mode"`
	QuoteID   string `json:"quote_id,omitempty"`
	StepCount int    `json:"completed_steps"`
}

// PaymentCompletedData is the data for payment.completed events
type PaymentCompletedData struct {
	SessionID    string   `json:"session_id"`
	QuoteID      string   `json:"quote_id"`
	Receiver     string   `json:"receiver"`
	ChainID      int64    `json:"destination_chain_id"`
	Amount       string   `json:"destination_amount"`
	Transactions []string `json:"transactions"`
}

// PaymentFailedData is the data for payment.failed events
type PaymentFailedData struct {
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	StepIndex int    `json:"step_index"`
	Recovery  string `json:"recovery"`
}
