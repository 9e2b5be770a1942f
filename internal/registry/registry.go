// Package registry stores subscription definitions and serves the compiled
// active set to the routing path.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventbridge-systems/eventbridge/internal/models"
	"github.com/eventbridge-systems/eventbridge/internal/rules"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists")
)

// DefaultSnapshotTTL bounds how stale the active-subscription cache may be.
const DefaultSnapshotTTL = 2 * time.Second

// Store is the persistence contract for subscriptions. Implementations must
// provide atomic create/update/delete; rule validity is the Registry's job.
type Store interface {
	Create(ctx context.Context, sub *models.Subscription) error
	Get(ctx context.Context, id string) (*models.Subscription, error)
	List(ctx context.Context) ([]*models.Subscription, error)
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) error
	UpdateRetryPolicy(ctx context.Context, id string, policy models.RetryPolicy) error
	Close()
}

// CompiledSubscription pairs a subscription with its compiled predicate.
type CompiledSubscription struct {
	Sub  models.Subscription
	Expr rules.Expr
}

// Registry fronts a Store with write-time rule compilation and a bounded
// snapshot cache so every published event does not hit the store.
type Registry struct {
	store       Store
	snapshotTTL time.Duration
	defaults    models.RetryPolicy

	mu          sync.RWMutex
	snapshot    []CompiledSubscription
	refreshedAt time.Time
}

// New creates a registry over store. defaults fill in zero-valued retry
// policies at creation time.
func New(store Store, snapshotTTL time.Duration, defaults models.RetryPolicy) *Registry {
	if snapshotTTL <= 0 {
		snapshotTTL = DefaultSnapshotTTL
	}
	return &Registry{store: store, snapshotTTL: snapshotTTL, defaults: defaults}
}

// Create validates and stores a new subscription. An uncompilable rule is
// rejected here; it never reaches the store.
func (r *Registry) Create(ctx context.Context, sub *models.Subscription) error {
	if sub.Target == "" {
		return fmt.Errorf("subscription target must not be empty")
	}
	switch sub.Mode {
	case models.ModeWebhook, models.ModeStream:
	default:
		return fmt.Errorf("unknown delivery mode %q", sub.Mode)
	}
	if _, err := rules.Compile(sub.Rule); err != nil {
		return err
	}

	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	if sub.RetryPolicy.MaxAttempts <= 0 {
		sub.RetryPolicy.MaxAttempts = r.defaults.MaxAttempts
	}
	if sub.RetryPolicy.BaseDelay <= 0 {
		sub.RetryPolicy.BaseDelay = r.defaults.BaseDelay
	}
	if sub.RetryPolicy.MaxDelay <= 0 {
		sub.RetryPolicy.MaxDelay = r.defaults.MaxDelay
	}
	sub.CreatedAt = time.Now().UTC()
	sub.Active = true

	if err := r.store.Create(ctx, sub); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*models.Subscription, error) {
	return r.store.Get(ctx, id)
}

func (r *Registry) List(ctx context.Context) ([]*models.Subscription, error) {
	return r.store.List(ctx)
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	if err := r.store.SetActive(ctx, id, active); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

func (r *Registry) UpdateRetryPolicy(ctx context.Context, id string, policy models.RetryPolicy) error {
	if policy.MaxAttempts <= 0 {
		return fmt.Errorf("max_attempts must be positive")
	}
	if policy.BaseDelay <= 0 || policy.MaxDelay < policy.BaseDelay {
		return fmt.Errorf("delays must satisfy 0 < base_delay <= max_delay")
	}
	if err := r.store.UpdateRetryPolicy(ctx, id, policy); err != nil {
		return err
	}
	r.invalidate()
	return nil
}

// ActiveSnapshot returns the compiled active subscriptions, refreshing from
// the store when the cached view is older than the TTL. The returned slice
// is read-shared; callers must not mutate it.
func (r *Registry) ActiveSnapshot(ctx context.Context) ([]CompiledSubscription, error) {
	r.mu.RLock()
	if time.Since(r.refreshedAt) < r.snapshotTTL {
		snap := r.snapshot
		r.mu.RUnlock()
		return snap, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.refreshedAt) < r.snapshotTTL {
		return r.snapshot, nil
	}

	subs, err := r.store.List(ctx)
	if err != nil {
		// Serve the stale snapshot rather than stalling the routing path.
		if r.snapshot != nil {
			slog.Warn("subscription refresh failed, serving stale snapshot",
				slog.String("error", err.Error()))
			return r.snapshot, nil
		}
		return nil, err
	}

	snap := make([]CompiledSubscription, 0, len(subs))
	for _, sub := range subs {
		if !sub.Active {
			continue
		}
		expr, err := rules.Compile(sub.Rule)
		if err != nil {
			// Stored rules compiled at write time; a failure here means
			// the stored form was corrupted out of band.
			slog.Error("stored rule failed to re-compile, skipping subscription",
				slog.String("subscription_id", sub.ID),
				slog.String("error", err.Error()))
			continue
		}
		snap = append(snap, CompiledSubscription{Sub: *sub, Expr: expr})
	}

	r.snapshot = snap
	r.refreshedAt = time.Now()
	return snap, nil
}

func (r *Registry) invalidate() {
	r.mu.Lock()
	r.refreshedAt = time.Time{}
	r.mu.Unlock()
}

func (r *Registry) Close() {
	r.store.Close()
}
