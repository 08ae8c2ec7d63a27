package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed rate_limit.lua
var rateLimitScript string

// DefaultRedisPrefix namespaces window keys in a shared Redis.
const DefaultRedisPrefix = "imageproc:ratelimit:"

// RedisStore keeps windows in Redis so several instances share one budget.
type RedisStore struct {
	client redis.Scripter
	script *redis.Script
	prefix string
}

// NewRedisStore wraps client. An empty prefix selects DefaultRedisPrefix.
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{
		client: client,
		script: redis.NewScript(rateLimitScript),
		prefix: prefix,
	}
}

// Hit increments the window for key atomically inside Redis.
func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration, now time.Time) (Entry, error) {
	result, err := s.script.Run(ctx, s.client, []string{s.prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("run rate limit script: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 2 {
		return Entry{}, errors.New("unexpected rate limit script result")
	}
	count, okCount := values[0].(int64)
	ttl, okTTL := values[1].(int64)
	if !okCount || !okTTL {
		return Entry{}, errors.New("unexpected rate limit script result types")
	}
	return Entry{Count: count, ResetAt: now.Add(time.Duration(ttl) * time.Millisecond)}, nil
}
