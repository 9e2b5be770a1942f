package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventbridge-systems/eventbridge/internal/models"
)

func streamEvent(seq uint64) models.StoredEvent {
	return models.StoredEvent{
		InboundEvent: models.InboundEvent{
			Source:  "test",
			Type:    "task.created",
			Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, seq)),
		},
		ID:       fmt.Sprintf("evt-%d", seq),
		TS:       time.Now().UTC(),
		Sequence: seq,
	}
}

func recvFrame(t *testing.T, conn *Connection) Frame {
	t.Helper()
	select {
	case f, ok := <-conn.Frames():
		require.True(t, ok, "frame channel closed unexpectedly")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

// bufferConn builds a connection without a pump goroutine so queue and gap
// behavior can be observed step by step through nextFrame.
func bufferConn(depth int, bucket *TokenBucket) *Connection {
	return &Connection{
		ID:     "test-conn",
		bucket: bucket,
		depth:  depth,
		notify: make(chan struct{}, 1),
	}
}

func TestHub_BroadcastReachesOnlyTargetChannel(t *testing.T) {
	h := NewHub(Config{RefillRate: 1000, Burst: 1000, QueueDepth: 16})

	alpha := h.Register(context.Background(), "alpha")
	defer alpha.Close()
	beta := h.Register(context.Background(), "beta")
	defer beta.Close()

	h.Broadcast("alpha", streamEvent(1))

	frame := recvFrame(t, alpha)
	assert.Equal(t, FrameEvent, frame.Type)
	require.NotNil(t, frame.Event)
	assert.Equal(t, uint64(1), frame.Event.Sequence)

	select {
	case f := <-beta.Frames():
		t.Fatalf("unexpected frame on beta channel: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_FramesArriveInOrder(t *testing.T) {
	h := NewHub(Config{RefillRate: 1000, Burst: 1000, QueueDepth: 16})

	conn := h.Register(context.Background(), "alpha")
	defer conn.Close()

	for seq := uint64(1); seq <= 5; seq++ {
		h.Broadcast("alpha", streamEvent(seq))
	}

	for seq := uint64(1); seq <= 5; seq++ {
		frame := recvFrame(t, conn)
		require.Equal(t, FrameEvent, frame.Type)
		assert.Equal(t, seq, frame.Event.Sequence)
	}
	assert.False(t, conn.Degraded())
}

func TestHub_RegisterDetachedIgnoresBroadcast(t *testing.T) {
	h := NewHub(Config{RefillRate: 1000, Burst: 1000, QueueDepth: 16})

	conn := h.RegisterDetached(context.Background(), "alpha")
	defer conn.Close()

	h.Broadcast("alpha", streamEvent(1))
	select {
	case f := <-conn.Frames():
		t.Fatalf("detached connection received broadcast frame: %+v", f)
	case <-time.After(100 * time.Millisecond):
	}

	// The owner feeds a detached connection directly.
	conn.Push(streamEvent(2))
	frame := recvFrame(t, conn)
	assert.Equal(t, FrameEvent, frame.Type)
	assert.Equal(t, uint64(2), frame.Event.Sequence)
}

func TestHub_CloseReleasesConnection(t *testing.T) {
	h := NewHub(Config{RefillRate: 1000, Burst: 1000, QueueDepth: 16})

	conn := h.Register(context.Background(), "alpha")
	require.Equal(t, 1, h.ConnectionCount())

	conn.Close()
	assert.Equal(t, 0, h.ConnectionCount())

	select {
	case _, ok := <-conn.Frames():
		assert.False(t, ok, "frame channel should be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("frame channel not closed after Close")
	}

	// Pushing to a closed connection is a no-op.
	conn.Push(streamEvent(1))
	assert.NotPanics(t, conn.Close)
}

func TestHub_RateLimitAdvertisesConfig(t *testing.T) {
	h := NewHub(Config{RefillRate: 25, Burst: 50, QueueDepth: 16})
	info := h.RateLimit()
	assert.Equal(t, 25.0, info.EventsPerSecond)
	assert.Equal(t, 50, info.Burst)
}

func TestHub_DefaultsApplied(t *testing.T) {
	h := NewHub(Config{})
	info := h.RateLimit()
	assert.Equal(t, float64(defaultRefillRate), info.EventsPerSecond)
	assert.Equal(t, defaultBurst, info.Burst)
	assert.Equal(t, defaultQueueDepth, h.cfg.QueueDepth)
}

func TestConnection_OverflowDropsOldestAndMarksGap(t *testing.T) {
	conn := bufferConn(2, NewTokenBucket(1000, 1000, nil))

	conn.Push(streamEvent(1))
	conn.Push(streamEvent(2))
	conn.Push(streamEvent(3)) // evicts 1; first retained is 2

	assert.True(t, conn.Degraded())

	frame, wait, ok := conn.nextFrame()
	require.True(t, ok)
	assert.Zero(t, wait)
	assert.Equal(t, FrameGap, frame.Type)
	assert.Equal(t, uint64(2), frame.ResumeSequence)

	for _, want := range []uint64{2, 3} {
		frame, _, ok = conn.nextFrame()
		require.True(t, ok)
		require.Equal(t, FrameEvent, frame.Type)
		assert.Equal(t, want, frame.Event.Sequence)
	}

	_, _, ok = conn.nextFrame()
	assert.False(t, ok, "queue should be drained")
}

func TestConnection_RepeatedOverflowKeepsNewestEvents(t *testing.T) {
	conn := bufferConn(3, NewTokenBucket(1000, 1000, nil))

	for seq := uint64(1); seq <= 10; seq++ {
		conn.Push(streamEvent(seq))
	}

	frame, _, ok := conn.nextFrame()
	require.True(t, ok)
	require.Equal(t, FrameGap, frame.Type)
	assert.Equal(t, uint64(8), frame.ResumeSequence)

	for _, want := range []uint64{8, 9, 10} {
		frame, _, ok = conn.nextFrame()
		require.True(t, ok)
		require.Equal(t, FrameEvent, frame.Type)
		assert.Equal(t, want, frame.Event.Sequence)
	}
}

func TestConnection_MarkGapSurfacesUpstreamGap(t *testing.T) {
	conn := bufferConn(8, NewTokenBucket(1000, 1000, nil))

	conn.MarkGap(42)
	conn.Push(streamEvent(42))

	frame, _, ok := conn.nextFrame()
	require.True(t, ok)
	assert.Equal(t, FrameGap, frame.Type)
	assert.Equal(t, uint64(42), frame.ResumeSequence)
	assert.True(t, conn.Degraded())

	frame, _, ok = conn.nextFrame()
	require.True(t, ok)
	assert.Equal(t, FrameEvent, frame.Type)
	assert.Equal(t, uint64(42), frame.Event.Sequence)
}

func TestConnection_GapFrameSpendsNoToken(t *testing.T) {
	// One token: enough for exactly one event frame.
	conn := bufferConn(1, NewTokenBucket(1, 1, nil))

	conn.Push(streamEvent(1))
	conn.Push(streamEvent(2)) // evicts 1

	frame, wait, ok := conn.nextFrame()
	require.True(t, ok)
	assert.Equal(t, FrameGap, frame.Type)
	assert.Zero(t, wait)

	frame, _, ok = conn.nextFrame()
	require.True(t, ok)
	assert.Equal(t, FrameEvent, frame.Type)
	assert.Equal(t, uint64(2), frame.Event.Sequence)
}

func TestConnection_RateLimitDefersDelivery(t *testing.T) {
	clk := newManualClock()
	conn := bufferConn(8, NewTokenBucket(1, 1, clk.now))

	conn.Push(streamEvent(1))
	conn.Push(streamEvent(2))

	frame, _, ok := conn.nextFrame()
	require.True(t, ok)
	require.Equal(t, FrameEvent, frame.Type)

	// Bucket is empty; the next event must wait for a refill.
	frame, wait, ok := conn.nextFrame()
	require.True(t, ok)
	assert.Empty(t, frame.Type)
	assert.Positive(t, wait)

	clk.advance(time.Second)
	frame, _, ok = conn.nextFrame()
	require.True(t, ok)
	require.Equal(t, FrameEvent, frame.Type)
	assert.Equal(t, uint64(2), frame.Event.Sequence)
}
