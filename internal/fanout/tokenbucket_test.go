package fanout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualClock drives a token bucket without sleeping.
type manualClock struct {
	t time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTokenBucket_StartsFull(t *testing.T) {
	clk := newManualClock()
	b := NewTokenBucket(10, 3, clk.now)

	for i := 0; i < 3; i++ {
		ok, wait := b.TakeOrWait()
		assert.True(t, ok, "token %d should be available from the initial burst", i+1)
		assert.Zero(t, wait)
	}

	ok, wait := b.TakeOrWait()
	assert.False(t, ok)
	assert.Positive(t, wait)
}

func TestTokenBucket_RefillAccrues(t *testing.T) {
	clk := newManualClock()
	b := NewTokenBucket(10, 2, clk.now)

	for i := 0; i < 2; i++ {
		ok, _ := b.TakeOrWait()
		require.True(t, ok)
	}
	ok, _ := b.TakeOrWait()
	require.False(t, ok)

	// 10 tokens/s: 100ms accrues exactly one token.
	clk.advance(100 * time.Millisecond)
	ok, _ = b.TakeOrWait()
	assert.True(t, ok)
	ok, _ = b.TakeOrWait()
	assert.False(t, ok)
}

func TestTokenBucket_BurstCeiling(t *testing.T) {
	clk := newManualClock()
	b := NewTokenBucket(100, 5, clk.now)

	for i := 0; i < 5; i++ {
		ok, _ := b.TakeOrWait()
		require.True(t, ok)
	}

	// A long idle period must not accumulate beyond the burst ceiling.
	clk.advance(time.Hour)
	for i := 0; i < 5; i++ {
		ok, _ := b.TakeOrWait()
		assert.True(t, ok, "token %d within burst", i+1)
	}
	ok, _ := b.TakeOrWait()
	assert.False(t, ok)
}

func TestTokenBucket_WaitEstimate(t *testing.T) {
	clk := newManualClock()
	b := NewTokenBucket(2, 1, clk.now)

	ok, _ := b.TakeOrWait()
	require.True(t, ok)

	ok, wait := b.TakeOrWait()
	require.False(t, ok)
	// Empty bucket at 2 tokens/s: next token in half a second.
	assert.InDelta(t, 0.5, wait.Seconds(), 0.01)
}
