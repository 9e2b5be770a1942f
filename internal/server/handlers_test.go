package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventbridge-systems/eventbridge/internal/bus"
	"github.com/eventbridge-systems/eventbridge/internal/dispatch"
	"github.com/eventbridge-systems/eventbridge/internal/fanout"
	"github.com/eventbridge-systems/eventbridge/internal/logging"
	"github.com/eventbridge-systems/eventbridge/internal/middleware"
	"github.com/eventbridge-systems/eventbridge/internal/models"
	"github.com/eventbridge-systems/eventbridge/internal/registry"
	"github.com/eventbridge-systems/eventbridge/internal/service"
)

type serverHarness struct {
	bridge *service.Bridge
	dlq    *dispatch.MemoryDeadLetterStore
	srv    *httptest.Server
}

func newServerHarness(t *testing.T, busCapacity int, maxBody int64) *serverHarness {
	t.Helper()

	adapter := bus.NewMemoryAdapter(busCapacity)
	t.Cleanup(func() { adapter.Close() })

	reg := registry.New(registry.NewMemoryStore(), time.Hour, models.RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	})
	dlq := dispatch.NewMemoryDeadLetterStore()
	disp := dispatch.New(dlq, dispatch.Config{Timeout: time.Second})
	hub := fanout.NewHub(fanout.Config{RefillRate: 1000, Burst: 1000, QueueDepth: 32})
	bridge := service.New(adapter, reg, disp, hub, dlq, service.Config{})

	handler := NewHandler(bridge, logging.New(slog.LevelError, "text"), 50*time.Millisecond, maxBody)
	router := NewRouter(handler, middleware.CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &serverHarness{bridge: bridge, dlq: dlq, srv: srv}
}

// start launches the bridge consumers; tests that only exercise the HTTP
// surface do not need it.
func (sh *serverHarness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, sh.bridge.Start(context.Background()))
	t.Cleanup(sh.bridge.Stop)
	time.Sleep(50 * time.Millisecond)
}

func (sh *serverHarness) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, sh.srv.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := sh.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func createSubscription(t *testing.T, sh *serverHarness, body string) models.Subscription {
	t.Helper()
	resp := sh.do(t, http.MethodPost, "/subscriptions", body)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sub models.Subscription
	decodeBody(t, resp, &sub)
	require.NotEmpty(t, sub.ID)
	return sub
}

func TestHealthz(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	resp := sh.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "eventbridge", body["service"])
}

func TestPublishEvent(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	resp := sh.do(t, http.MethodPost, "/events",
		`{"source":"svc","type":"task.created","payload":{"n":1}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var stored models.StoredEvent
	decodeBody(t, resp, &stored)
	assert.Equal(t, uint64(1), stored.Sequence)
	assert.NotEmpty(t, stored.ID)
	assert.NotEmpty(t, stored.CorrelationID)
}

func TestPublishEvent_Rejections(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	// Malformed JSON
	resp := sh.do(t, http.MethodPost, "/events", `{"source":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Validation failure
	resp = sh.do(t, http.MethodPost, "/events", `{"type":"task.created"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["error"], "source")

	// Wrong method
	resp = sh.do(t, http.MethodGet, "/events", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestPublishEvent_BodyTooLarge(t *testing.T) {
	sh := newServerHarness(t, 64, 64)

	payload := fmt.Sprintf(`{"source":"svc","type":"task.created","payload":{"filler":%q}}`,
		strings.Repeat("x", 256))
	resp := sh.do(t, http.MethodPost, "/events", payload)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["error"], "exceeds")
}

func TestRecentEvents(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	for i := 0; i < 3; i++ {
		resp := sh.do(t, http.MethodPost, "/events",
			fmt.Sprintf(`{"source":"svc","type":"task.created","payload":{"n":%d}}`, i))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}

	resp := sh.do(t, http.MethodGet, "/events/recent?limit=2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Events []models.StoredEvent `json:"events"`
		Count  int                  `json:"count"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, 2, body.Count)
	require.Len(t, body.Events, 2)
	assert.Equal(t, uint64(3), body.Events[0].Sequence)
	assert.Equal(t, uint64(2), body.Events[1].Sequence)
}

func TestSubscriptionLifecycle(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	sub := createSubscription(t, sh,
		`{"target":"https://example.com/hook","mode":"webhook","rule":"type == \"task.created\""}`)
	assert.True(t, sub.Active)
	assert.Equal(t, 3, sub.RetryPolicy.MaxAttempts)

	resp := sh.do(t, http.MethodGet, "/subscriptions", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &listing)
	assert.Equal(t, 1, listing.Count)

	resp = sh.do(t, http.MethodGet, "/subscriptions/"+sub.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched models.Subscription
	decodeBody(t, resp, &fetched)
	assert.Equal(t, sub.ID, fetched.ID)
	assert.Equal(t, "https://example.com/hook", fetched.Target)

	resp = sh.do(t, http.MethodGet, "/subscriptions/no-such-id", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = sh.do(t, http.MethodDelete, "/subscriptions/"+sub.ID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = sh.do(t, http.MethodDelete, "/subscriptions/"+sub.ID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateSubscription_InvalidRule(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	resp := sh.do(t, http.MethodPost, "/subscriptions",
		`{"target":"https://example.com/hook","mode":"webhook","rule":"type =="}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body map[string]string
	decodeBody(t, resp, &body)
	assert.Contains(t, body["error"], "invalid rule")
}

func TestCreateSubscription_UnknownMode(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	resp := sh.do(t, http.MethodPost, "/subscriptions",
		`{"target":"https://example.com/hook","mode":"carrier-pigeon","rule":"type != \"\""}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEnableDisableSubscription(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	sub := createSubscription(t, sh,
		`{"target":"ops","mode":"stream","rule":"source == \"svc\""}`)

	resp := sh.do(t, http.MethodPost, "/subscriptions/"+sub.ID+"/disable", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Active bool `json:"active"`
	}
	decodeBody(t, resp, &body)
	assert.False(t, body.Active)

	resp = sh.do(t, http.MethodGet, "/subscriptions/"+sub.ID, "")
	var fetched models.Subscription
	decodeBody(t, resp, &fetched)
	assert.False(t, fetched.Active)

	resp = sh.do(t, http.MethodPost, "/subscriptions/"+sub.ID+"/enable", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = sh.do(t, http.MethodGet, "/subscriptions/"+sub.ID, "")
	decodeBody(t, resp, &fetched)
	assert.True(t, fetched.Active)

	// Only POST toggles
	resp = sh.do(t, http.MethodGet, "/subscriptions/"+sub.ID+"/enable", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp = sh.do(t, http.MethodPost, "/subscriptions/no-such-id/disable", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateRetryPolicy(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	sub := createSubscription(t, sh,
		`{"target":"https://example.com/hook","mode":"webhook","rule":"type != \"\""}`)

	// Durations travel as nanoseconds.
	resp := sh.do(t, http.MethodPut, "/subscriptions/"+sub.ID+"/retry-policy",
		`{"max_attempts":7,"base_delay":1000000000,"max_delay":60000000000}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fetchedResp := sh.do(t, http.MethodGet, "/subscriptions/"+sub.ID, "")
	var fetched models.Subscription
	decodeBody(t, fetchedResp, &fetched)
	assert.Equal(t, 7, fetched.RetryPolicy.MaxAttempts)
	assert.Equal(t, time.Second, fetched.RetryPolicy.BaseDelay)
	assert.Equal(t, time.Minute, fetched.RetryPolicy.MaxDelay)

	resp = sh.do(t, http.MethodPut, "/subscriptions/no-such-id/retry-policy",
		`{"max_attempts":7,"base_delay":1000000000,"max_delay":60000000000}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = sh.do(t, http.MethodPost, "/subscriptions/"+sub.ID+"/retry-policy",
		`{"max_attempts":7}`)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestDeadLetterEndpoints(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)
	sh.start(t)
	ctx := context.Background()

	require.NoError(t, sh.dlq.Write(ctx, models.DeadLetter{
		EventID:        "evt-1",
		SubscriptionID: "gone",
		FinalError:     "connection refused",
		CreatedAt:      time.Now().UTC(),
	}))

	resp := sh.do(t, http.MethodGet, "/deadletters", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		DeadLetters []models.DeadLetter `json:"dead_letters"`
		Count       int                 `json:"count"`
	}
	decodeBody(t, resp, &listing)
	require.Equal(t, 1, listing.Count)
	assert.Equal(t, "evt-1", listing.DeadLetters[0].EventID)

	// Replay drains; the orphaned entry is skipped, not redelivered.
	resp = sh.do(t, http.MethodPost, "/deadletters/replay", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var replay struct {
		Replayed int `json:"replayed"`
	}
	decodeBody(t, resp, &replay)
	assert.Zero(t, replay.Replayed)

	resp = sh.do(t, http.MethodGet, "/deadletters", "")
	decodeBody(t, resp, &listing)
	assert.Zero(t, listing.Count)

	require.NoError(t, sh.dlq.Write(ctx, models.DeadLetter{EventID: "evt-2", SubscriptionID: "gone"}))
	resp = sh.do(t, http.MethodDelete, "/deadletters", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = sh.do(t, http.MethodGet, "/deadletters", "")
	decodeBody(t, resp, &listing)
	assert.Zero(t, listing.Count)
}

func TestRequestIDPropagation(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	resp := sh.do(t, http.MethodGet, "/healthz", "")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, err := http.NewRequest(http.MethodGet, sh.srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-me-123")
	echoed, err := sh.srv.Client().Do(req)
	require.NoError(t, err)
	defer echoed.Body.Close()
	assert.Equal(t, "trace-me-123", echoed.Header.Get("X-Request-ID"))
}

func TestCORSPreflight(t *testing.T) {
	sh := newServerHarness(t, 64, 1<<20)

	req, err := http.NewRequest(http.MethodOptions, sh.srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dashboard.example.com")
	resp, err := sh.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://dashboard.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}
