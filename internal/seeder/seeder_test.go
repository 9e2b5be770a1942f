package seeder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

func TestRun_PublishesCount(t *testing.T) {
	var mu sync.Mutex
	var received []models.InboundEvent

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt models.InboundEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&evt))
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, Count: 5, Seed: 42})
	published, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, published)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 5)
	for _, evt := range received {
		assert.NotEmpty(t, evt.Source)
		assert.Contains(t, eventTypes, evt.Type)
		assert.True(t, json.Valid(evt.Payload))
	}
}

func TestRun_StopsOnRejection(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, Count: 10, Seed: 42})
	published, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
	assert.Equal(t, 2, published)
}

func TestRun_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(Config{BaseURL: "http://localhost:0", Count: 10})
	published, err := s.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, published)
}

func TestGenerate_Deterministic(t *testing.T) {
	a := New(Config{Count: 1, Seed: 7}).generate()
	b := New(Config{Count: 1, Seed: 7}).generate()
	assert.Equal(t, a.Type, b.Type)
	assert.Equal(t, a.Source, b.Source)
	assert.JSONEq(t, string(a.Payload), string(b.Payload))
}
