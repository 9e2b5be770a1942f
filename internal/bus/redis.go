package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

const (
	// One append-only log per deployment; key layout follows the original
	// eventbridge namespace.
	defaultStreamKey  = "eventbridge:events"
	sequenceKeySuffix = ":seq"

	defaultTrimMaxEntries = 10000
	defaultTrimInterval   = 30 * time.Second
	defaultPollInterval   = 2 * time.Second
)

// RedisConfig configures the durable-stream adapter.
type RedisConfig struct {
	URL            string
	StreamKey      string
	TrimMaxEntries int64
	TrimInterval   time.Duration
	PollInterval   time.Duration
}

// RedisAdapter implements Adapter on a single Redis stream. Entry IDs are
// "<sequence>-0", which makes sequences contiguous and lets consumers detect
// the trim horizon from a gap after their cursor.
type RedisAdapter struct {
	client *redis.Client
	cfg    RedisConfig

	// pubMu serializes sequence reservation with the append. Entry IDs are
	// monotonic and Redis rejects an XADD at or below the stream top, so
	// two publishers must not interleave between INCR and XADD.
	pubMu sync.Mutex

	trimCancel context.CancelFunc
	trimDone   sync.WaitGroup
}

// NewRedisAdapter connects to Redis and starts the asynchronous trim loop.
func NewRedisAdapter(cfg RedisConfig) (*RedisAdapter, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return newRedisAdapter(client, cfg), nil
}

// NewRedisAdapterWithClient wraps an existing client (tests use miniredis).
func NewRedisAdapterWithClient(client *redis.Client, cfg RedisConfig) *RedisAdapter {
	return newRedisAdapter(client, cfg)
}

func newRedisAdapter(client *redis.Client, cfg RedisConfig) *RedisAdapter {
	if cfg.StreamKey == "" {
		cfg.StreamKey = defaultStreamKey
	}
	if cfg.TrimMaxEntries <= 0 {
		cfg.TrimMaxEntries = defaultTrimMaxEntries
	}
	if cfg.TrimInterval <= 0 {
		cfg.TrimInterval = defaultTrimInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	a := &RedisAdapter{client: client, cfg: cfg}

	trimCtx, cancel := context.WithCancel(context.Background())
	a.trimCancel = cancel
	a.trimDone.Add(1)
	go a.trimLoop(trimCtx)

	return a
}

func (a *RedisAdapter) seqKey() string { return a.cfg.StreamKey + sequenceKeySuffix }

func (a *RedisAdapter) Publish(ctx context.Context, evt models.InboundEvent) (models.StoredEvent, error) {
	stored := models.NewStoredEvent(evt)

	// The sequence must be embedded in the stored JSON, so it is reserved
	// before the append. Both commands run under the publish lock; the
	// mutation path is synchronized per adapter instance, like the memory
	// adapter's.
	a.pubMu.Lock()
	defer a.pubMu.Unlock()

	seq, err := a.client.Incr(ctx, a.seqKey()).Result()
	if err != nil {
		return models.StoredEvent{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	stored.Sequence = uint64(seq)

	data, err := json.Marshal(stored)
	if err != nil {
		return models.StoredEvent{}, fmt.Errorf("marshal stored event: %w", err)
	}

	err = a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.cfg.StreamKey,
		ID:     fmt.Sprintf("%d-0", seq),
		Values: map[string]interface{}{"data": data},
	}).Err()
	if err != nil {
		return models.StoredEvent{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	return stored, nil
}

func (a *RedisAdapter) ListRecent(ctx context.Context, limit int) ([]models.StoredEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := a.client.XRevRangeN(ctx, a.cfg.StreamKey, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	events := make([]models.StoredEvent, 0, len(msgs))
	for _, msg := range msgs {
		evt, err := decodeEntry(msg)
		if err != nil {
			slog.Warn("skipping undecodable stream entry",
				slog.String("entry_id", msg.ID), slog.String("error", err.Error()))
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func (a *RedisAdapter) SubscribeStream(ctx context.Context, fromSequence uint64) (Stream, error) {
	if err := a.checkHorizon(ctx, fromSequence); err != nil {
		return nil, err
	}
	return &redisStream{adapter: a, cursor: fromSequence}, nil
}

// checkHorizon fails resume positions whose next entry was trimmed away.
func (a *RedisAdapter) checkHorizon(ctx context.Context, fromSequence uint64) error {
	first, err := a.client.XRangeN(ctx, a.cfg.StreamKey, "-", "+", 1).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(first) > 0 {
		earliest := entrySequence(first[0].ID)
		if fromSequence+1 < earliest {
			return &OffsetEvictedError{Requested: fromSequence, EarliestSequence: earliest}
		}
		return nil
	}
	// Empty stream: anything below the counter has been trimmed.
	seq, err := a.client.Get(ctx, a.seqKey()).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if fromSequence < seq {
		return &OffsetEvictedError{Requested: fromSequence, EarliestSequence: seq + 1}
	}
	return nil
}

// read fetches entries after cursor, blocking up to the poll interval.
func (a *RedisAdapter) read(ctx context.Context, cursor uint64, count int64) ([]redis.XMessage, error) {
	streams, err := a.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{a.cfg.StreamKey, fmt.Sprintf("%d-0", cursor)},
		Count:   count,
		Block:   a.cfg.PollInterval,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if len(streams) == 0 {
		return nil, nil
	}
	return streams[0].Messages, nil
}

func (a *RedisAdapter) Consume(ctx context.Context, group string, handler Handler) error {
	err := a.client.XGroupCreateMkStream(ctx, a.cfg.StreamKey, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	consumer := group + "-0"

	// Start from this consumer's unacknowledged backlog, then follow new
	// entries. A handler failure drops back to the backlog pass so nothing
	// is lost between restarts.
	readID := "0"
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{a.cfg.StreamKey, readID},
			Count:    64,
			Block:    a.cfg.PollInterval,
		}).Result()
		if errors.Is(err, redis.Nil) {
			if readID == "0" {
				readID = ">"
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("consumer group read failed",
				slog.String("group", group), slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.PollInterval):
			}
			continue
		}

		var msgs []redis.XMessage
		if len(streams) > 0 {
			msgs = streams[0].Messages
		}
		if len(msgs) == 0 {
			// Backlog drained; switch to new entries.
			if readID == "0" {
				readID = ">"
				continue
			}
			continue
		}

		failed := false
		for _, msg := range msgs {
			evt, decErr := decodeEntry(msg)
			if decErr != nil {
				slog.Warn("acking undecodable entry",
					slog.String("entry_id", msg.ID), slog.String("error", decErr.Error()))
				a.client.XAck(ctx, a.cfg.StreamKey, group, msg.ID)
				continue
			}
			if hErr := handler(ctx, evt); hErr != nil {
				slog.Warn("consume handler failed, event stays pending",
					slog.String("group", group),
					slog.Uint64("sequence", evt.Sequence),
					slog.String("error", hErr.Error()))
				failed = true
				break
			}
			a.client.XAck(ctx, a.cfg.StreamKey, group, msg.ID)
		}

		if failed {
			readID = "0"
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(redeliverDelay):
			}
		}
	}
}

// trimLoop enforces the retention cap asynchronously. Trimming is lossy by
// design but never passes a registered consumer group's cursor: the MINID
// threshold is clamped to the slowest group's last delivered entry.
func (a *RedisAdapter) trimLoop(ctx context.Context) {
	defer a.trimDone.Done()

	ticker := time.NewTicker(a.cfg.TrimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.trimOnce(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("stream trim failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (a *RedisAdapter) trimOnce(ctx context.Context) error {
	length, err := a.client.XLen(ctx, a.cfg.StreamKey).Result()
	if err != nil {
		return err
	}
	excess := length - a.cfg.TrimMaxEntries
	if excess <= 0 {
		return nil
	}

	// First entry that must survive the count cap.
	keep, err := a.client.XRangeN(ctx, a.cfg.StreamKey, "-", "+", excess+1).Result()
	if err != nil {
		return err
	}
	if len(keep) == 0 {
		return nil
	}
	threshold := entrySequence(keep[len(keep)-1].ID)

	// Watermark check: hold the horizon at the slowest consumer cursor.
	groups, err := a.client.XInfoGroups(ctx, a.cfg.StreamKey).Result()
	if err != nil && !strings.Contains(err.Error(), "no such key") {
		return err
	}
	for _, g := range groups {
		delivered := entrySequence(g.LastDeliveredID)
		if delivered+1 < threshold {
			threshold = delivered + 1
		}
	}

	trimmed, err := a.client.XTrimMinID(ctx, a.cfg.StreamKey, fmt.Sprintf("%d-0", threshold)).Result()
	if err != nil {
		return err
	}
	if trimmed > 0 {
		slog.Debug("trimmed event stream",
			slog.Int64("entries", trimmed), slog.Uint64("horizon", threshold))
	}
	return nil
}

func (a *RedisAdapter) HealthCheck(ctx context.Context) bool {
	return a.client.Ping(ctx).Err() == nil
}

func (a *RedisAdapter) Close() error {
	a.trimCancel()
	a.trimDone.Wait()
	return a.client.Close()
}

type redisStream struct {
	adapter *RedisAdapter
	cursor  uint64
	pending []models.StoredEvent
	closed  bool
}

func (s *redisStream) Next(ctx context.Context) (models.StoredEvent, error) {
	for {
		if s.closed {
			return models.StoredEvent{}, ErrStreamClosed
		}
		if len(s.pending) > 0 {
			evt := s.pending[0]
			s.pending = s.pending[1:]
			s.cursor = evt.Sequence
			return evt, nil
		}
		if err := ctx.Err(); err != nil {
			return models.StoredEvent{}, err
		}

		msgs, err := s.adapter.read(ctx, s.cursor, 64)
		if err != nil {
			return models.StoredEvent{}, err
		}
		for _, msg := range msgs {
			evt, decErr := decodeEntry(msg)
			if decErr != nil {
				continue
			}
			s.pending = append(s.pending, evt)
		}
		// Sequences are contiguous; a gap after the cursor means the trim
		// horizon moved past it while we were reading.
		if len(s.pending) > 0 && s.pending[0].Sequence != s.cursor+1 {
			return models.StoredEvent{}, &OffsetEvictedError{
				Requested:        s.cursor,
				EarliestSequence: s.pending[0].Sequence,
			}
		}
	}
}

func (s *redisStream) Close() error {
	s.closed = true
	return nil
}

func decodeEntry(msg redis.XMessage) (models.StoredEvent, error) {
	raw, ok := msg.Values["data"]
	if !ok {
		return models.StoredEvent{}, fmt.Errorf("entry %s has no data field", msg.ID)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return models.StoredEvent{}, fmt.Errorf("entry %s has unexpected data type %T", msg.ID, raw)
	}
	var evt models.StoredEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return models.StoredEvent{}, fmt.Errorf("decode entry %s: %w", msg.ID, err)
	}
	return evt, nil
}

func entrySequence(entryID string) uint64 {
	seqPart, _, _ := strings.Cut(entryID, "-")
	seq, _ := strconv.ParseUint(seqPart, 10, 64)
	return seq
}
