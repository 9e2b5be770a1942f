package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/eventbridge-systems/eventbridge/internal/bus"
	"github.com/eventbridge-systems/eventbridge/internal/fanout"
	"github.com/eventbridge-systems/eventbridge/internal/httputil"
)

// StreamEvents handles GET /stream. It serves the realtime channel as
// Server-Sent Events: a welcome frame first, then event and gap frames,
// with periodic keepalive comments so proxies do not reap idle
// connections.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		httputil.WriteError(w, http.StatusBadRequest, "channel parameter required")
		return
	}

	fromSequence, err := httputil.ParseUintParam(r.URL.Query().Get("from_sequence"))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	conn, err := h.bridge.OpenStream(r.Context(), channel, fromSequence)
	if err != nil {
		var evicted *bus.OffsetEvictedError
		if errors.As(err, &evicted) {
			httputil.WriteJSON(w, http.StatusGone, map[string]interface{}{
				"error":             "requested offset has been evicted",
				"earliest_sequence": evicted.EarliestSequence,
			})
			return
		}
		h.logger.ErrorContext(r.Context(), "open stream failed", "error", err.Error())
		httputil.WriteError(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	defer conn.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	limits := h.bridge.StreamRateLimit()
	writeFrame(w, fanout.Frame{
		Type:      fanout.FrameWelcome,
		RateLimit: &limits,
	})
	flusher.Flush()

	h.logger.InfoContext(r.Context(), "stream connected",
		"connection_id", conn.ID, "channel", channel)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case frame, ok := <-conn.Frames():
			if !ok {
				return
			}
			writeFrame(w, frame)
			flusher.Flush()
		}
	}
}

func writeFrame(w http.ResponseWriter, frame fanout.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", frame.Type, data)
}
