package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingStore struct{}

func (failingStore) Hit(context.Context, string, time.Duration, time.Time) (Entry, error) {
	return Entry{}, errors.New("connection refused")
}

func TestLimiterFixedWindow(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Name: "images", Limit: 2, Window: time.Minute}, NewMemoryStore(), clock, zap.NewNop())
	ctx := context.Background()

	first := l.Check(ctx, "10.0.0.1")
	second := l.Check(ctx, "10.0.0.1")
	third := l.Check(ctx, "10.0.0.1")

	assert.True(t, first.Allowed)
	assert.Equal(t, int64(1), first.Remaining)
	assert.True(t, second.Allowed)
	assert.Equal(t, int64(0), second.Remaining)
	require.False(t, third.Allowed)
	assert.Equal(t, int64(0), third.Remaining)
	assert.Equal(t, int64(60), third.RetryAfter)
	assert.Equal(t, clock.Now().Add(time.Minute), third.ResetAt)

	clock.Advance(time.Minute + time.Millisecond)
	fourth := l.Check(ctx, "10.0.0.1")
	assert.True(t, fourth.Allowed)
	assert.Equal(t, int64(1), fourth.Count)
}

func TestLimiterRetryAfterRoundsUp(t *testing.T) {
	clock := newFakeClock()
	l := New(Config{Name: "cleanup", Limit: 1, Window: time.Minute}, NewMemoryStore(), clock, nil)
	ctx := context.Background()

	l.Check(ctx, "k")
	clock.Advance(20*time.Second + 500*time.Millisecond)
	d := l.Check(ctx, "k")

	require.False(t, d.Allowed)
	assert.Equal(t, int64(40), d.RetryAfter)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := New(Config{Name: "images", Limit: 1, Window: time.Minute}, NewMemoryStore(), newFakeClock(), nil)
	ctx := context.Background()

	assert.True(t, l.Check(ctx, "a").Allowed)
	assert.False(t, l.Check(ctx, "a").Allowed)
	assert.True(t, l.Check(ctx, "b").Allowed)
}

func TestLimitersSharingStoreKeepSeparateWindows(t *testing.T) {
	store := NewMemoryStore()
	clock := newFakeClock()
	global := New(Config{Name: "global", Limit: 1, Window: time.Minute}, store, clock, nil)
	images := New(Config{Name: "images", Limit: 1, Window: time.Minute}, store, clock, nil)
	ctx := context.Background()

	assert.True(t, global.Check(ctx, "ip").Allowed)
	assert.True(t, images.Check(ctx, "ip").Allowed)
	assert.Equal(t, 2, store.Len())
}

func TestLimiterConcurrentHitsNeverExceedLimit(t *testing.T) {
	l := New(Config{Name: "images", Limit: 50, Window: time.Minute}, NewMemoryStore(), newFakeClock(), nil)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(ctx, "same").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestLimiterFailsOpen(t *testing.T) {
	l := New(Config{Name: "images", Limit: 1, Window: time.Minute}, failingStore{}, newFakeClock(), nil)

	d := l.Check(context.Background(), "k")
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)
}

func TestLimiterDefaults(t *testing.T) {
	l := New(Config{Name: "x"}, NewMemoryStore(), nil, nil)
	assert.Equal(t, DefaultMessage, l.Message())
	assert.Equal(t, "x", l.Name())
	assert.Equal(t, int64(60), l.Check(context.Background(), "k").Limit)
}
