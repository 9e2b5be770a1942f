package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

// DefaultMemoryCapacity bounds the ring buffer when no capacity is configured.
const DefaultMemoryCapacity = 10000

// redeliverDelay spaces retries when a Consume handler keeps failing.
const redeliverDelay = time.Second

// MemoryAdapter is a volatile, single-process backend: a fixed-capacity ring
// buffer guarded by one mutex. Overflow evicts the oldest events; evicted
// events are unrecoverable and nothing survives a restart.
type MemoryAdapter struct {
	mu       sync.Mutex
	buf      []models.StoredEvent
	head     int
	size     int
	capacity int
	seq      uint64
	cursors  map[string]uint64
	waitCh   chan struct{}
	closed   bool
}

// NewMemoryAdapter creates a ring-buffer adapter holding at most capacity
// events. A non-positive capacity falls back to DefaultMemoryCapacity.
func NewMemoryAdapter(capacity int) *MemoryAdapter {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemoryAdapter{
		buf:      make([]models.StoredEvent, capacity),
		capacity: capacity,
		cursors:  make(map[string]uint64),
		waitCh:   make(chan struct{}),
	}
}

func (m *MemoryAdapter) Publish(_ context.Context, evt models.InboundEvent) (models.StoredEvent, error) {
	stored := models.NewStoredEvent(evt)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return models.StoredEvent{}, ErrBackendUnavailable
	}
	m.seq++
	stored.Sequence = m.seq

	tail := (m.head + m.size) % m.capacity
	m.buf[tail] = stored
	if m.size == m.capacity {
		m.head = (m.head + 1) % m.capacity
	} else {
		m.size++
	}

	// Wake every waiting stream.
	close(m.waitCh)
	m.waitCh = make(chan struct{})
	m.mu.Unlock()

	return stored, nil
}

func (m *MemoryAdapter) ListRecent(_ context.Context, limit int) ([]models.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 || limit > m.size {
		limit = m.size
	}
	out := make([]models.StoredEvent, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (m.head + m.size - 1 - i + m.capacity) % m.capacity
		out = append(out, m.buf[idx])
	}
	return out, nil
}

func (m *MemoryAdapter) SubscribeStream(_ context.Context, fromSequence uint64) (Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkHorizonLocked(fromSequence); err != nil {
		return nil, err
	}
	return &memoryStream{adapter: m, cursor: fromSequence}, nil
}

// checkHorizonLocked rejects resume positions whose next event was evicted.
func (m *MemoryAdapter) checkHorizonLocked(fromSequence uint64) error {
	if m.size == 0 {
		if fromSequence < m.seq {
			return &OffsetEvictedError{Requested: fromSequence, EarliestSequence: m.seq + 1}
		}
		return nil
	}
	oldest := m.buf[m.head].Sequence
	if fromSequence+1 < oldest {
		return &OffsetEvictedError{Requested: fromSequence, EarliestSequence: oldest}
	}
	return nil
}

// next returns the event after cursor, or the channel to wait on when the
// stream is caught up.
func (m *MemoryAdapter) next(cursor uint64) (models.StoredEvent, <-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return models.StoredEvent{}, nil, ErrStreamClosed
	}
	if err := m.checkHorizonLocked(cursor); err != nil {
		return models.StoredEvent{}, nil, err
	}
	if m.size > 0 {
		oldest := m.buf[m.head].Sequence
		if cursor+1 <= m.buf[(m.head+m.size-1)%m.capacity].Sequence {
			idx := (m.head + int(cursor+1-oldest)) % m.capacity
			return m.buf[idx], nil, nil
		}
	}
	return models.StoredEvent{}, m.waitCh, nil
}

func (m *MemoryAdapter) Consume(ctx context.Context, group string, handler Handler) error {
	m.mu.Lock()
	cursor, ok := m.cursors[group]
	if !ok {
		cursor = m.seq
		m.cursors[group] = cursor
	}
	m.mu.Unlock()

	for {
		evt, wait, err := m.next(cursor)

		var evicted *OffsetEvictedError
		switch {
		case errors.As(err, &evicted):
			// The volatile buffer dropped events this cursor never saw.
			// Skip forward; there is nothing to recover.
			slog.Warn("consumer cursor passed trim horizon",
				slog.String("group", group),
				slog.Uint64("resume_sequence", evicted.EarliestSequence))
			cursor = evicted.EarliestSequence - 1
			continue
		case err != nil:
			return err
		}

		if wait != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-wait:
			}
			continue
		}

		if err := handler(ctx, evt); err != nil {
			slog.Warn("consume handler failed, event will be redelivered",
				slog.String("group", group),
				slog.Uint64("sequence", evt.Sequence),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(redeliverDelay):
			}
			continue
		}

		cursor = evt.Sequence
		m.mu.Lock()
		m.cursors[group] = cursor
		m.mu.Unlock()
	}
}

// HealthCheck always succeeds; the buffer lives in-process.
func (m *MemoryAdapter) HealthCheck(_ context.Context) bool { return true }

func (m *MemoryAdapter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.waitCh)
		m.waitCh = make(chan struct{})
	}
	return nil
}

type memoryStream struct {
	adapter *MemoryAdapter
	cursor  uint64
	closed  bool
}

func (s *memoryStream) Next(ctx context.Context) (models.StoredEvent, error) {
	for {
		if s.closed {
			return models.StoredEvent{}, ErrStreamClosed
		}
		evt, wait, err := s.adapter.next(s.cursor)
		if err != nil {
			return models.StoredEvent{}, err
		}
		if wait == nil {
			s.cursor = evt.Sequence
			return evt, nil
		}
		select {
		case <-ctx.Done():
			return models.StoredEvent{}, ctx.Err()
		case <-wait:
		}
	}
}

func (s *memoryStream) Close() error {
	s.closed = true
	return nil
}
