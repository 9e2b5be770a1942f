// Package fanout pushes matched events to live streaming connections.
// Each connection owns a bounded queue and a token bucket; the publisher
// side never blocks on any individual connection's consumption rate.
package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventbridge-systems/eventbridge/internal/metrics"
	"github.com/eventbridge-systems/eventbridge/internal/models"
)

// Frame types.
const (
	FrameWelcome = "welcome"
	FrameEvent   = "event"
	FrameGap     = "gap"
)

// Frame is one message pushed to a streaming consumer.
type Frame struct {
	Type  string              `json:"type"` // "welcome", "event", "gap"
	Event *models.StoredEvent `json:"event,omitempty"`
	// ResumeSequence on a gap frame is the sequence of the first retained
	// event after a drop; consumers reconnect with explicit replay from
	// just below it to recover.
	ResumeSequence uint64         `json:"resume_sequence,omitempty"`
	RateLimit      *RateLimitInfo `json:"rate_limit,omitempty"`
}

// RateLimitInfo is advertised on the welcome frame.
type RateLimitInfo struct {
	EventsPerSecond float64 `json:"events_per_second"`
	Burst           int     `json:"burst"`
}

// Config configures per-connection limits.
type Config struct {
	// RefillRate is tokens (events) per second per connection.
	RefillRate float64
	// Burst is the bucket capacity.
	Burst int
	// QueueDepth bounds the per-connection buffer; overflow drops oldest.
	QueueDepth int
}

const (
	defaultRefillRate = 100
	defaultBurst      = 200
	defaultQueueDepth = 256
)

func (c *Config) applyDefaults() {
	if c.RefillRate <= 0 {
		c.RefillRate = defaultRefillRate
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = defaultQueueDepth
	}
}

// Connection is one live streaming consumer. Frames() yields events in
// sequence order with gap markers interleaved where the overflow policy
// dropped buffered events.
type Connection struct {
	ID      string
	Channel string

	hub    *Hub
	bucket *TokenBucket
	depth  int

	mu         sync.Mutex
	queue      []models.StoredEvent
	pendingGap uint64
	degraded   bool
	notify     chan struct{}
	closed     bool

	out      chan Frame
	closeOne sync.Once
	cancel   context.CancelFunc
}

// Hub routes matched events to the connections registered on each channel.
type Hub struct {
	cfg Config

	mu       sync.RWMutex
	channels map[string]map[string]*Connection
}

func NewHub(cfg Config) *Hub {
	cfg.applyDefaults()
	return &Hub{
		cfg:      cfg,
		channels: make(map[string]map[string]*Connection),
	}
}

// Register attaches a connection to a channel with its cursor at "now".
// The caller consumes Frames() and must Close() when the transport goes
// away; close releases the queue and limiter immediately.
func (h *Hub) Register(ctx context.Context, channel string) *Connection {
	conn := h.newConnection(ctx, channel)

	h.mu.Lock()
	conns, ok := h.channels[channel]
	if !ok {
		conns = make(map[string]*Connection)
		h.channels[channel] = conns
	}
	conns[conn.ID] = conn
	h.mu.Unlock()

	metrics.StreamConnections.Inc()
	slog.Debug("stream connection registered",
		slog.String("connection_id", conn.ID), slog.String("channel", channel))

	return conn
}

// RegisterDetached creates a connection that is not fed by Broadcast.
// Replay connections use it: the caller owns the cursor and feeds the
// connection through Push, keeping replayed history and live tail on one
// ordered path.
func (h *Hub) RegisterDetached(ctx context.Context, channel string) *Connection {
	conn := h.newConnection(ctx, channel)
	metrics.StreamConnections.Inc()
	slog.Debug("detached stream connection registered",
		slog.String("connection_id", conn.ID), slog.String("channel", channel))
	return conn
}

func (h *Hub) newConnection(ctx context.Context, channel string) *Connection {
	connCtx, cancel := context.WithCancel(ctx)
	conn := &Connection{
		ID:      uuid.New().String(),
		Channel: channel,
		hub:     h,
		bucket:  NewTokenBucket(h.cfg.RefillRate, h.cfg.Burst, nil),
		depth:   h.cfg.QueueDepth,
		notify:  make(chan struct{}, 1),
		out:     make(chan Frame),
		cancel:  cancel,
	}
	go conn.pump(connCtx)
	return conn
}

// Broadcast pushes an event to every connection on channel. Never blocks.
func (h *Hub) Broadcast(channel string, evt models.StoredEvent) {
	h.mu.RLock()
	conns := h.channels[channel]
	for _, conn := range conns {
		conn.Push(evt)
	}
	h.mu.RUnlock()
}

// ConnectionCount reports live connections across all channels.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.channels {
		n += len(conns)
	}
	return n
}

func (h *Hub) unregister(conn *Connection) {
	h.mu.Lock()
	if conns, ok := h.channels[conn.Channel]; ok {
		delete(conns, conn.ID)
		if len(conns) == 0 {
			delete(h.channels, conn.Channel)
		}
	}
	h.mu.Unlock()
	metrics.StreamConnections.Dec()
}

// RateLimit reports the hub's per-connection limits for the welcome frame.
func (h *Hub) RateLimit() RateLimitInfo {
	return RateLimitInfo{EventsPerSecond: h.cfg.RefillRate, Burst: h.cfg.Burst}
}

// Frames is the connection's outbound frame stream. It is closed when the
// connection closes.
func (c *Connection) Frames() <-chan Frame {
	return c.out
}

// Degraded reports whether the overflow policy has dropped events on this
// connection.
func (c *Connection) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Close detaches the connection and releases its buffer and rate limiter.
func (c *Connection) Close() {
	c.closeOne.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.queue = nil
		c.mu.Unlock()
		c.hub.unregister(c)
		c.cancel()
	})
}

// Push buffers an event for delivery. When the buffer is full the oldest
// buffered event is dropped and the gap marker updated to the first
// retained sequence; the publisher never waits.
func (c *Connection) Push(evt models.StoredEvent) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if len(c.queue) >= c.depth {
		c.queue = c.queue[1:]
		c.degraded = true
		if len(c.queue) > 0 {
			c.pendingGap = c.queue[0].Sequence
		} else {
			c.pendingGap = evt.Sequence
		}
		metrics.StreamDropped.Inc()
	}
	c.queue = append(c.queue, evt)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// MarkGap surfaces a gap the caller detected upstream (a replay cursor
// passing the trim horizon) as a gap frame on this connection.
func (c *Connection) MarkGap(resumeSequence uint64) {
	c.mu.Lock()
	if !c.closed {
		c.degraded = true
		c.pendingGap = resumeSequence
	}
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// pump moves frames from the buffer to the consumer, spending one token per
// event frame. Gap markers are delivered ahead of the event they precede
// and cost nothing.
func (c *Connection) pump(ctx context.Context) {
	defer close(c.out)
	defer c.Close()

	for {
		frame, wait, ok := c.nextFrame()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-c.notify:
				continue
			}
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}
		select {
		case c.out <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// nextFrame pops the next deliverable frame, or reports the rate-limit wait.
func (c *Connection) nextFrame() (Frame, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pendingGap != 0 {
		gap := c.pendingGap
		c.pendingGap = 0
		return Frame{Type: FrameGap, ResumeSequence: gap}, 0, true
	}
	if len(c.queue) == 0 {
		return Frame{}, 0, false
	}

	allowed, wait := c.bucket.TakeOrWait()
	if !allowed {
		return Frame{}, wait, true
	}

	evt := c.queue[0]
	c.queue = c.queue[1:]
	return Frame{Type: FrameEvent, Event: &evt}, 0, true
}
