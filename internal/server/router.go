package server

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventbridge-systems/eventbridge/internal/middleware"
)

// NewRouter constructs a ServeMux with bridge API routes registered.
func NewRouter(h *Handler, cors middleware.CORSConfig) http.Handler {
	mux := http.NewServeMux()

	// Event ingestion and history
	mux.HandleFunc("/events", h.EventsHandler)
	mux.HandleFunc("/events/recent", h.RecentEvents)

	// Subscription management
	mux.HandleFunc("/subscriptions", h.SubscriptionsHandler)
	mux.HandleFunc("/subscriptions/", subscriptionRouteHandler(h))

	// Dead letters
	mux.HandleFunc("/deadletters", h.DeadLettersHandler)
	mux.HandleFunc("/deadletters/replay", h.ReplayDeadLetters)

	// Realtime stream (SSE)
	mux.HandleFunc("/stream", h.StreamEvents)

	// Health endpoint
	mux.HandleFunc("/healthz", h.HealthCheck)

	// Prometheus metrics
	mux.Handle("/metrics", promhttp.Handler())

	handler := middleware.CORS(cors)(mux)
	return middleware.RequestID(handler)
}

// subscriptionRouteHandler routes /subscriptions/{id}/* requests.
func subscriptionRouteHandler(h *Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		switch {
		case strings.HasSuffix(path, "/enable"):
			h.EnableSubscription(w, r)
		case strings.HasSuffix(path, "/disable"):
			h.DisableSubscription(w, r)
		case strings.HasSuffix(path, "/retry-policy"):
			h.UpdateRetryPolicy(w, r)
		default:
			// Handle /subscriptions/{id} directly
			h.SubscriptionHandler(w, r)
		}
	}
}
