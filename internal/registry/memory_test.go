package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub := &models.Subscription{ID: "dup", Target: "t", Mode: models.ModeWebhook}
	require.NoError(t, s.Create(ctx, sub))
	assert.ErrorIs(t, s.Create(ctx, sub), ErrSubscriptionExists)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub := &models.Subscription{ID: "a", Target: "orig", Mode: models.ModeWebhook}
	require.NoError(t, s.Create(ctx, sub))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.Target = "mutated"

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "orig", again.Target, "callers must not be able to mutate stored state")
}

func TestMemoryStore_MissingIDs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrSubscriptionNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "nope"), ErrSubscriptionNotFound)
	assert.ErrorIs(t, s.SetActive(ctx, "nope", true), ErrSubscriptionNotFound)
	assert.ErrorIs(t, s.UpdateRetryPolicy(ctx, "nope", models.RetryPolicy{
		MaxAttempts: 1, BaseDelay: time.Second, MaxDelay: time.Second,
	}), ErrSubscriptionNotFound)
}
