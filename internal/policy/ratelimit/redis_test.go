package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ""), mr
}

func TestRedisStoreCountsWithinWindow(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	e, err := s.Hit(ctx, "images:1.2.3.4", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Count)
	assert.Equal(t, now.Add(time.Minute), e.ResetAt)

	e, err = s.Hit(ctx, "images:1.2.3.4", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Count)

	assert.True(t, mr.Exists(DefaultRedisPrefix+"images:1.2.3.4"))
	assert.Equal(t, time.Minute, mr.TTL(DefaultRedisPrefix+"images:1.2.3.4"))
}

func TestRedisStoreWindowExpires(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 3; i++ {
		_, err := s.Hit(ctx, "k", time.Minute, now)
		require.NoError(t, err)
	}
	mr.FastForward(time.Minute + time.Millisecond)

	e, err := s.Hit(ctx, "k", time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Count)
}

func TestRedisStoreBacksLimiter(t *testing.T) {
	s, _ := newRedisStore(t)
	l := New(Config{Name: "cleanup", Limit: 1, Window: time.Minute}, s, newFakeClock(), nil)

	assert.True(t, l.Check(context.Background(), "ip").Allowed)
	d := l.Check(context.Background(), "ip")
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(60), d.RetryAfter)
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	_, err := s.Hit(context.Background(), "k", time.Minute, time.Now())
	require.Error(t, err)
}
