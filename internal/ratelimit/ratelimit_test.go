package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireNonBlocking_RespectsBurst(t *testing.T) {
	l := New(5, 10)

	succeeded := 0
	for i := 0; i < 20; i++ {
		if l.Acquire(context.Background(), 1, false) {
			succeeded++
		}
	}
	// Over a near-instant 20 calls, at most burst tokens (10) can succeed,
	// plus a small amount of refill from elapsed wall-clock time.
	assert.LessOrEqual(t, succeeded, 11)
	assert.GreaterOrEqual(t, succeeded, 10)
}

func TestAcquireRefillsOverTime(t *testing.T) {
	l := New(100, 1)
	assert.True(t, l.Acquire(context.Background(), 1, false))
	assert.False(t, l.Acquire(context.Background(), 1, false))

	time.Sleep(50 * time.Millisecond)
	assert.True(t, l.Acquire(context.Background(), 1, false))
}

func TestAcquireBlockingTimesOut(t *testing.T) {
	l := New(1, 1)
	l.Acquire(context.Background(), 1, false) // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	ok := l.Acquire(ctx, 1, true)
	assert.False(t, ok)
}

func TestAcquireBlockingSucceedsEventually(t *testing.T) {
	l := New(50, 1)
	l.Acquire(context.Background(), 1, false) // drain the bucket

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	ok := l.Acquire(ctx, 1, true)
	assert.True(t, ok)
}

func TestStatsTracksOutcomes(t *testing.T) {
	l := New(1, 1)
	l.Acquire(context.Background(), 1, false)
	l.Acquire(context.Background(), 1, false) // denied, bucket empty

	stats := l.Stats()
	assert.Equal(t, int64(1), stats.Succeeded)
	assert.Equal(t, int64(1), stats.Denied)
}
