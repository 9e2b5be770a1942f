package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InboundEvent is a producer-supplied event before the bus has assigned
// identity or position. Payload is carried as raw JSON so stored events
// round-trip byte-for-byte.
type InboundEvent struct {
	Source        string          `json:"source"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

// StoredEvent is an InboundEvent after publish: identity, timestamp and the
// backend-assigned sequence are fixed and never change.
type StoredEvent struct {
	InboundEvent
	ID       string    `json:"id"`
	TS       time.Time `json:"ts"`
	Sequence uint64    `json:"sequence"`
}

// ValidationError describes the specific constraint an inbound event violated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// Validate checks an inbound event against the configured payload ceiling and
// fills in a correlation ID when the producer did not supply one. The event
// is either fully accepted or rejected; no partial normalization.
func (e *InboundEvent) Validate(maxPayloadBytes int) error {
	if e.Source == "" {
		return &ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if e.Type == "" {
		return &ValidationError{Field: "type", Reason: "must not be empty"}
	}
	if len(e.Payload) > maxPayloadBytes {
		return &ValidationError{
			Field:  "payload",
			Reason: fmt.Sprintf("exceeds %d byte limit", maxPayloadBytes),
		}
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return &ValidationError{Field: "payload", Reason: "is not valid JSON"}
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.New().String()
	}
	return nil
}

// NewStoredEvent stamps an inbound event with identity and publish time.
// The sequence is assigned by the bus adapter that appends it.
func NewStoredEvent(evt InboundEvent) StoredEvent {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return StoredEvent{
		InboundEvent: evt,
		ID:           id.String(),
		TS:           time.Now().UTC(),
	}
}
