package domain

import (
	"context"
	"time"
)

// Cache stores short-lived bytes: quote replays and event dedup counters.
// A missing key reads as (nil, nil). Callers treat every cache error as a
// miss, so an implementation may fail without breaking the booking path.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// IncrementCounter adds one to key and returns the total. The count
	// starts over once window has passed since its first increment.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// CacheConfig selects the cache backend. Type is "memory" or "redis";
// with EnableTwoPhase a local LRU fronts Redis and keeps entries for at
// most LocalTTL.
type CacheConfig struct {
	Type           string        `env:"PASSGUARD_CACHE_TYPE"`
	EnableTwoPhase bool          `env:"PASSGUARD_CACHE_TWO_PHASE"`
	LocalMaxSize   int           `env:"PASSGUARD_CACHE_SIZE"`
	LocalTTL       time.Duration `env:"PASSGUARD_CACHE_LOCAL_TTL"`

	RedisAddr     string `env:"PASSGUARD_REDIS_ADDR"`
	RedisPassword string `env:"PASSGUARD_REDIS_PASSWORD"`
	RedisDB       int    `env:"PASSGUARD_REDIS_DB"`
}
