// Package service wires the bus, registry, rule engine, dispatcher, and
// fan-out into the event bridge. The Bridge instance is explicitly owned by
// the composition root; there is no ambient singleton.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/eventbridge-systems/eventbridge/internal/bus"
	"github.com/eventbridge-systems/eventbridge/internal/dispatch"
	"github.com/eventbridge-systems/eventbridge/internal/fanout"
	"github.com/eventbridge-systems/eventbridge/internal/metrics"
	"github.com/eventbridge-systems/eventbridge/internal/models"
	"github.com/eventbridge-systems/eventbridge/internal/registry"
)

// Consumer-group cursors are keyed by fixed logical names so restarts
// resume deterministically, and one slow consumer never blocks the other.
const (
	GroupDispatcher = "dispatcher"
	GroupFanout     = "fanout"
)

const (
	DefaultListLimit      = 50
	DefaultListHardCap    = 1000
	DefaultMaxPayloadSize = 256 * 1024
)

// Config bounds the bridge's publish and query surface.
type Config struct {
	MaxPayloadBytes int
	ListHardCap     int
}

// Bridge is the event bridge core: validated publish onto the bus, rule
// evaluation per active subscription, and routing of matches to the webhook
// dispatcher and realtime fan-out.
type Bridge struct {
	bus        bus.Adapter
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	hub        *fanout.Hub
	dlq        dispatch.DeadLetterStore
	cfg        Config

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

func New(adapter bus.Adapter, reg *registry.Registry, dispatcher *dispatch.Dispatcher,
	hub *fanout.Hub, dlq dispatch.DeadLetterStore, cfg Config) *Bridge {
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = DefaultMaxPayloadSize
	}
	if cfg.ListHardCap <= 0 {
		cfg.ListHardCap = DefaultListHardCap
	}
	return &Bridge{
		bus:        adapter,
		registry:   reg,
		dispatcher: dispatcher,
		hub:        hub,
		dlq:        dlq,
		cfg:        cfg,
	}
}

// Start launches the two consumer loops. They run until Stop or ctx
// cancellation.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("bridge already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := b.dispatcher.Start(runCtx); err != nil {
		cancel()
		return err
	}
	b.cancel = cancel
	b.started = true

	b.wg.Add(2)
	go b.consume(runCtx, GroupDispatcher, b.routeWebhook)
	go b.consume(runCtx, GroupFanout, b.routeStream)
	return nil
}

func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.cancel()
	b.mu.Unlock()

	b.wg.Wait()
	b.dispatcher.Stop()
}

func (b *Bridge) consume(ctx context.Context, group string, handler bus.Handler) {
	defer b.wg.Done()
	err := b.bus.Consume(ctx, group, handler)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("consumer loop exited",
			slog.String("group", group), slog.String("error", err.Error()))
	}
}

// Publish validates and appends one event. Failures are surfaced to the
// producer and never retried here: a re-publish would mint a distinct
// stored event, so idempotent retry belongs to the producer.
func (b *Bridge) Publish(ctx context.Context, evt models.InboundEvent) (models.StoredEvent, error) {
	if err := evt.Validate(b.cfg.MaxPayloadBytes); err != nil {
		metrics.PublishErrors.WithLabelValues("validation").Inc()
		return models.StoredEvent{}, err
	}

	stored, err := b.bus.Publish(ctx, evt)
	if err != nil {
		metrics.PublishErrors.WithLabelValues("backend").Inc()
		return models.StoredEvent{}, err
	}

	metrics.EventsPublished.WithLabelValues(stored.Type).Inc()
	metrics.EventBytes.Add(float64(len(stored.Payload)))
	slog.Info("event published",
		slog.String("event_id", stored.ID),
		slog.String("event_type", stored.Type),
		slog.String("source", stored.Source),
		slog.Uint64("sequence", stored.Sequence),
		slog.Int("size_bytes", len(stored.Payload)))
	return stored, nil
}

// ListRecent returns up to limit recent events, newest first. A zero limit
// uses the default; the hard cap always applies.
func (b *Bridge) ListRecent(ctx context.Context, limit int) ([]models.StoredEvent, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > b.cfg.ListHardCap {
		limit = b.cfg.ListHardCap
	}
	return b.bus.ListRecent(ctx, limit)
}

func (b *Bridge) routeWebhook(ctx context.Context, evt models.StoredEvent) error {
	subs, err := b.registry.ActiveSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	for i := range subs {
		if subs[i].Sub.Mode != models.ModeWebhook {
			continue
		}
		if !subs[i].Expr.Eval(&evt) {
			continue
		}
		if err := b.dispatcher.Enqueue(evt, subs[i].Sub); err != nil {
			// Enqueue only fails on shutdown or cancellation; the event
			// stays unacked and is redelivered.
			return fmt.Errorf("enqueue for %s: %w", subs[i].Sub.ID, err)
		}
	}
	return nil
}

func (b *Bridge) routeStream(ctx context.Context, evt models.StoredEvent) error {
	subs, err := b.registry.ActiveSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	// Several subscriptions can name the same channel. A channel gets the
	// event at most once, no matter how many of its rules match.
	matched := make(map[string]struct{})
	for i := range subs {
		if subs[i].Sub.Mode != models.ModeStream {
			continue
		}
		if _, done := matched[subs[i].Sub.Target]; done {
			continue
		}
		if subs[i].Expr.Eval(&evt) {
			matched[subs[i].Sub.Target] = struct{}{}
			b.hub.Broadcast(subs[i].Sub.Target, evt)
		}
	}
	return nil
}

// OpenStream attaches a streaming consumer to a channel. With a nil replay
// offset the cursor starts at "now" and the hub feeds the connection. With
// an explicit offset the connection owns a bus cursor: replayed history and
// the live tail arrive on one ordered path, and a cursor that falls below
// the trim horizon surfaces as a gap frame.
func (b *Bridge) OpenStream(ctx context.Context, channel string, fromSequence *uint64) (*fanout.Connection, error) {
	if fromSequence == nil {
		return b.hub.Register(ctx, channel), nil
	}

	stream, err := b.bus.SubscribeStream(ctx, *fromSequence)
	if err != nil {
		return nil, err
	}

	conn := b.hub.RegisterDetached(ctx, channel)
	go func() {
		// The closure reads stream at exit time, so a cursor replaced after
		// an eviction is the one that gets closed.
		defer func() { stream.Close() }()
		for {
			evt, err := stream.Next(ctx)
			var evicted *bus.OffsetEvictedError
			switch {
			case errors.As(err, &evicted):
				conn.MarkGap(evicted.EarliestSequence)
				restarted, serr := b.bus.SubscribeStream(ctx, evicted.EarliestSequence-1)
				if serr != nil {
					conn.Close()
					return
				}
				stream.Close()
				stream = restarted
				continue
			case err != nil:
				conn.Close()
				return
			}
			if b.matchesChannel(ctx, channel, &evt) {
				conn.Push(evt)
			}
		}
	}()
	return conn, nil
}

func (b *Bridge) matchesChannel(ctx context.Context, channel string, evt *models.StoredEvent) bool {
	subs, err := b.registry.ActiveSnapshot(ctx)
	if err != nil {
		return false
	}
	for i := range subs {
		if subs[i].Sub.Mode == models.ModeStream &&
			subs[i].Sub.Target == channel &&
			subs[i].Expr.Eval(evt) {
			return true
		}
	}
	return false
}

// Subscriptions

func (b *Bridge) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return b.registry.Create(ctx, sub)
}

func (b *Bridge) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	return b.registry.Get(ctx, id)
}

func (b *Bridge) ListSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	return b.registry.List(ctx)
}

func (b *Bridge) DeleteSubscription(ctx context.Context, id string) error {
	if err := b.registry.Delete(ctx, id); err != nil {
		return err
	}
	b.dispatcher.Cancel(id)
	return nil
}

func (b *Bridge) SetSubscriptionActive(ctx context.Context, id string, active bool) error {
	if err := b.registry.SetActive(ctx, id, active); err != nil {
		return err
	}
	if !active {
		// Abandon queued and in-flight tasks; no retries are scheduled for
		// a deactivated subscription.
		b.dispatcher.Cancel(id)
	}
	return nil
}

func (b *Bridge) UpdateRetryPolicy(ctx context.Context, id string, policy models.RetryPolicy) error {
	return b.registry.UpdateRetryPolicy(ctx, id, policy)
}

// Dead letters

func (b *Bridge) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	return b.dlq.List(ctx, limit)
}

// ReplayDeadLetters re-enqueues every retained dead letter as a fresh
// pending task with its attempt count reset. Entries whose subscription is
// gone or disabled are dropped with a log line.
func (b *Bridge) ReplayDeadLetters(ctx context.Context) (int, error) {
	entries, err := b.dlq.Drain(ctx)
	if err != nil {
		return 0, err
	}

	replayed := 0
	for _, dl := range entries {
		sub, err := b.registry.Get(ctx, dl.SubscriptionID)
		if err != nil || !sub.Active {
			slog.Warn("skipping dead letter replay, subscription unavailable",
				slog.String("subscription_id", dl.SubscriptionID),
				slog.String("event_id", dl.EventID))
			continue
		}
		if err := b.dispatcher.Enqueue(dl.Event, *sub); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

func (b *Bridge) PurgeDeadLetters(ctx context.Context) error {
	return b.dlq.Purge(ctx)
}

// Healthy reports whether the bus backend is reachable.
func (b *Bridge) Healthy(ctx context.Context) bool {
	return b.bus.HealthCheck(ctx)
}

// StreamRateLimit exposes the fan-out limits for the transport's welcome
// frame.
func (b *Bridge) StreamRateLimit() fanout.RateLimitInfo {
	return b.hub.RateLimit()
}
