package logging

import "log/slog"

// Common field names for consistent logging across components.
const (
	FieldService      = "service"
	FieldEventID      = "event_id"
	FieldEventType    = "event_type"
	FieldSource       = "source"
	FieldSequence     = "sequence"
	FieldSubscription = "subscription_id"
	FieldChannel      = "channel"
	FieldError        = "error"
	FieldAttempt      = "attempt"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// EventType returns a slog attribute for an event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// Sequence returns a slog attribute for a log sequence number.
func Sequence(seq uint64) slog.Attr {
	return slog.Uint64(FieldSequence, seq)
}

// Subscription returns a slog attribute for a subscription ID.
func Subscription(id string) slog.Attr {
	return slog.String(FieldSubscription, id)
}

// Channel returns a slog attribute for a stream channel name.
func Channel(name string) slog.Attr {
	return slog.String(FieldChannel, name)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Attempt returns a slog attribute for a delivery attempt number.
func Attempt(n int) slog.Attr {
	return slog.Int(FieldAttempt, n)
}
