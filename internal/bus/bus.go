// Package bus abstracts event storage and transport behind interchangeable
// backends: a volatile in-memory ring buffer and a durable Redis Streams log.
package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

// ErrBackendUnavailable indicates the backend cannot be reached. Publish
// failures are surfaced to the producer as retryable; they are never retried
// internally because a re-publish would mint a distinct stored event.
var ErrBackendUnavailable = errors.New("event backend unavailable")

// ErrStreamClosed is returned by Stream.Next after Close.
var ErrStreamClosed = errors.New("stream closed")

// OffsetEvictedError reports a replay request below the trim horizon.
// Consumers must restart from EarliestSequence.
type OffsetEvictedError struct {
	Requested        uint64
	EarliestSequence uint64
}

func (e *OffsetEvictedError) Error() string {
	return fmt.Sprintf("offset %d evicted, earliest retained sequence is %d",
		e.Requested, e.EarliestSequence)
}

// Stream is a lazy, restartable cursor over stored events in sequence order.
type Stream interface {
	// Next blocks until the next event is available or ctx is done.
	Next(ctx context.Context) (models.StoredEvent, error)
	Close() error
}

// Handler processes one event for a consumer group. A nil return
// acknowledges the event; an error leaves it for redelivery.
type Handler func(ctx context.Context, evt models.StoredEvent) error

// Adapter is the event-bus backend contract. Sequences strictly increase per
// adapter instance and are never reused; publish is the single serialization
// point for ordering.
type Adapter interface {
	// Publish validates nothing; callers validate first. It assigns
	// id/timestamp/sequence, appends, and returns the stored form.
	Publish(ctx context.Context, evt models.InboundEvent) (models.StoredEvent, error)

	// ListRecent returns up to limit events, most recent first. Never blocks
	// waiting for new events.
	ListRecent(ctx context.Context, limit int) ([]models.StoredEvent, error)

	// SubscribeStream resumes at any retained offset: the stream yields
	// events with sequence > fromSequence. Offsets below the trim horizon
	// fail with *OffsetEvictedError.
	SubscribeStream(ctx context.Context, fromSequence uint64) (Stream, error)

	// Consume runs handler over the log under a named logical cursor with
	// at-least-once semantics: an unacknowledged event is re-delivered to
	// the same group on restart. Blocks until ctx is done.
	Consume(ctx context.Context, group string, handler Handler) error

	// HealthCheck reports whether the backend is reachable.
	HealthCheck(ctx context.Context) bool

	Close() error
}
