// Package server provides the HTTP boundary for the event bridge.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/eventbridge-systems/eventbridge/internal/bus"
	"github.com/eventbridge-systems/eventbridge/internal/httputil"
	"github.com/eventbridge-systems/eventbridge/internal/logging"
	"github.com/eventbridge-systems/eventbridge/internal/models"
	"github.com/eventbridge-systems/eventbridge/internal/registry"
	"github.com/eventbridge-systems/eventbridge/internal/rules"
	"github.com/eventbridge-systems/eventbridge/internal/service"
)

const defaultDeadLetterLimit = 100

// Handler provides HTTP handlers over the bridge service.
type Handler struct {
	bridge    *service.Bridge
	logger    *logging.Logger
	keepalive time.Duration
	maxBody   int64
}

// NewHandler creates a Handler. keepalive is the SSE comment interval;
// maxBody bounds request body reads.
func NewHandler(bridge *service.Bridge, logger *logging.Logger, keepalive time.Duration, maxBody int64) *Handler {
	if keepalive <= 0 {
		keepalive = 20 * time.Second
	}
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handler{bridge: bridge, logger: logger, keepalive: keepalive, maxBody: maxBody}
}

func extractIDFromPath(path, prefix string) string {
	remaining := strings.TrimPrefix(path, prefix)
	remaining = strings.TrimPrefix(remaining, "/")
	parts := strings.Split(remaining, "/")
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}

// HealthCheck handles GET /healthz.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if !h.bridge.Healthy(r.Context()) {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "service": "eventbridge",
		})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "ok", "service": "eventbridge",
	})
}

// EventsHandler handles /events routes.
func (h *Handler) EventsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.PublishEvent(w, r)
	default:
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// PublishEvent handles POST /events.
func (h *Handler) PublishEvent(w http.ResponseWriter, r *http.Request) {
	var evt models.InboundEvent
	if err := httputil.DecodeJSON(r, &evt, h.maxBody); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := h.bridge.Publish(r.Context(), evt)
	if err != nil {
		var verr *models.ValidationError
		switch {
		case errors.As(err, &verr):
			httputil.WriteError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, bus.ErrBackendUnavailable):
			httputil.WriteError(w, http.StatusServiceUnavailable, "event log unavailable")
		default:
			h.logger.ErrorContext(r.Context(), "publish failed", "error", err.Error())
			httputil.WriteError(w, http.StatusInternalServerError, "publish failed")
		}
		return
	}

	httputil.WriteJSON(w, http.StatusAccepted, stored)
}

// RecentEvents handles GET /events/recent.
func (h *Handler) RecentEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), 0)
	events, err := h.bridge.ListRecent(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list recent failed", "error", err.Error())
		httputil.WriteError(w, http.StatusServiceUnavailable, "event log unavailable")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// SubscriptionsHandler handles /subscriptions routes.
func (h *Handler) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.ListSubscriptions(w, r)
	case http.MethodPost:
		h.CreateSubscription(w, r)
	default:
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// ListSubscriptions handles GET /subscriptions.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.bridge.ListSubscriptions(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list subscriptions failed", "error", err.Error())
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"subscriptions": subs,
		"count":         len(subs),
	})
}

// CreateSubscription handles POST /subscriptions.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var sub models.Subscription
	if err := httputil.DecodeJSON(r, &sub, h.maxBody); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.bridge.CreateSubscription(r.Context(), &sub); err != nil {
		var cerr *rules.CompileError
		switch {
		case errors.As(err, &cerr):
			httputil.WriteError(w, http.StatusBadRequest, "invalid rule: "+cerr.Error())
		case errors.Is(err, registry.ErrSubscriptionExists):
			httputil.WriteError(w, http.StatusConflict, "subscription already exists")
		default:
			httputil.WriteError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, sub)
}

// SubscriptionHandler handles /subscriptions/{id} routes.
func (h *Handler) SubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	id := extractIDFromPath(r.URL.Path, "/subscriptions")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "subscription ID required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getSubscription(w, r, id)
	case http.MethodDelete:
		h.deleteSubscription(w, r, id)
	default:
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request, id string) {
	sub, err := h.bridge.GetSubscription(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrSubscriptionNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "subscription not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get subscription failed", "error", err.Error())
		httputil.WriteError(w, http.StatusInternalServerError, "failed to get subscription")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, sub)
}

func (h *Handler) deleteSubscription(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.bridge.DeleteSubscription(r.Context(), id); err != nil {
		if errors.Is(err, registry.ErrSubscriptionNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "subscription not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "delete subscription failed", "error", err.Error())
		httputil.WriteError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// EnableSubscription handles POST /subscriptions/{id}/enable.
func (h *Handler) EnableSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

// DisableSubscription handles POST /subscriptions/{id}/disable.
func (h *Handler) DisableSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := extractIDFromPath(r.URL.Path, "/subscriptions")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "subscription ID required")
		return
	}

	if err := h.bridge.SetSubscriptionActive(r.Context(), id, active); err != nil {
		if errors.Is(err, registry.ErrSubscriptionNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "subscription not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "set subscription active failed", "error", err.Error())
		httputil.WriteError(w, http.StatusInternalServerError, "failed to update subscription")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"active": active,
	})
}

// UpdateRetryPolicy handles PUT /subscriptions/{id}/retry-policy.
func (h *Handler) UpdateRetryPolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	id := extractIDFromPath(r.URL.Path, "/subscriptions")
	if id == "" {
		httputil.WriteError(w, http.StatusBadRequest, "subscription ID required")
		return
	}

	var policy models.RetryPolicy
	if err := httputil.DecodeJSON(r, &policy, h.maxBody); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.bridge.UpdateRetryPolicy(r.Context(), id, policy); err != nil {
		if errors.Is(err, registry.ErrSubscriptionNotFound) {
			httputil.WriteError(w, http.StatusNotFound, "subscription not found")
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	httputil.WriteJSON(w, http.StatusOK, policy)
}

// DeadLettersHandler handles /deadletters routes.
func (h *Handler) DeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.listDeadLetters(w, r)
	case http.MethodDelete:
		h.purgeDeadLetters(w, r)
	default:
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *Handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := httputil.ParseIntParam(r.URL.Query().Get("limit"), defaultDeadLetterLimit)
	entries, err := h.bridge.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list dead letters failed", "error", err.Error())
		httputil.WriteError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"dead_letters": entries,
		"count":        len(entries),
	})
}

func (h *Handler) purgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	if err := h.bridge.PurgeDeadLetters(r.Context()); err != nil {
		h.logger.ErrorContext(r.Context(), "purge dead letters failed", "error", err.Error())
		httputil.WriteError(w, http.StatusInternalServerError, "failed to purge dead letters")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReplayDeadLetters handles POST /deadletters/replay.
func (h *Handler) ReplayDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	replayed, err := h.bridge.ReplayDeadLetters(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "dead letter replay failed", "error", err.Error())
		httputil.WriteError(w, http.StatusInternalServerError, "replay failed")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"replayed": replayed,
	})
}
