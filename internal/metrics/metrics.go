package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Publish path
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbridge_events_published_total",
			Help: "Total number of events accepted onto the bus",
		},
		[]string{"type"},
	)

	EventBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbridge_event_payload_bytes_total",
			Help: "Total payload bytes accepted onto the bus",
		},
	)

	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbridge_publish_errors_total",
			Help: "Total publish failures by kind",
		},
		[]string{"kind"},
	)

	// Webhook dispatch
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventbridge_delivery_attempts_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeadLetters = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbridge_dead_letters_total",
			Help: "Deliveries that exhausted their retry budget",
		},
	)

	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbridge_dispatch_queue_depth",
			Help: "Delivery tasks queued across all subscriptions",
		},
	)

	// Realtime fan-out
	StreamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventbridge_stream_connections",
			Help: "Live streaming connections",
		},
	)

	StreamDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventbridge_stream_dropped_events_total",
			Help: "Events dropped by per-connection overflow policy",
		},
	)
)
