package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/1sec-project/perimeter/internal/core"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var hitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisStore counts attempts in Redis so every instance shares one window
// per key. INCR and PEXPIRE run in one script.
type RedisStore struct {
	Client  *redis.Client
	Prefix  string
	Timeout time.Duration
}

// NewRedisStore creates a store over client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{Client: client, Prefix: prefix, Timeout: 2 * time.Second}
}

func (s *RedisStore) Hit(ctx context.Context, key string, window time.Duration) (int, time.Duration, error) {
	if s.Client == nil {
		return 0, 0, fmt.Errorf("redis client not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	res, err := hitScript.Run(ctx, s.Client, []string{s.Prefix + key}, window.Milliseconds()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("running rate limit script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, 0, fmt.Errorf("unexpected rate limit script result %v", res)
	}
	count, _ := vals[0].(int64)
	ttlMs, _ := vals[1].(int64)
	if ttlMs < 0 {
		ttlMs = window.Milliseconds()
	}
	return int(count), time.Duration(ttlMs) * time.Millisecond, nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.Client.Close()
}

// NewFromConfig builds a limiter for the configured backend. The returned
// close function releases the Redis client, if any.
func NewFromConfig(ctx context.Context, cfg core.RateLimitConfig, logger zerolog.Logger) (*Limiter, func() error, error) {
	switch cfg.Backend {
	case "", "memory":
		return New(NewMemoryStore(), logger), func() error { return nil }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := NewRedisStore(client, cfg.Prefix)
		if err := store.Ping(ctx); err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup, counting in-process until it recovers")
		}
		return New(store, logger), store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
}
