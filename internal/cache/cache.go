package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/freestays/passguard/internal/domain"
	"github.com/freestays/passguard/internal/metrics"
)

// New creates a cache from configuration, instrumented under its backend
// name. "memory" is an LRUCache; "redis" is a RedisCache, or a TwoPhaseCache
// when EnableTwoPhase is set.
func New(cfg domain.CacheConfig) (domain.Cache, error) {
	switch cfg.Type {
	case "memory":
		return Instrument("memory", NewLRUCache(cfg.LocalMaxSize)), nil

	case "redis":
		if cfg.EnableTwoPhase {
			c, err := NewTwoPhaseCache(cfg)
			if err != nil {
				return nil, err
			}
			return Instrument("two_phase", c), nil
		}
		c, err := NewRedisCache(cfg)
		if err != nil {
			return nil, err
		}
		return Instrument("redis", c), nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// Instrumented records hits, misses and errors of the wrapped cache.
type Instrumented struct {
	domain.Cache
	backend string
}

// Instrument wraps c so its reads and writes show up in metrics.CacheRequests.
func Instrument(backend string, c domain.Cache) *Instrumented {
	return &Instrumented{Cache: c, backend: backend}
}

// Unwrap returns the wrapped cache.
func (c *Instrumented) Unwrap() domain.Cache {
	return c.Cache
}

func (c *Instrumented) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.Cache.Get(ctx, key)
	switch {
	case err != nil:
		c.observe("get", "error")
	case val == nil:
		c.observe("get", "miss")
	default:
		c.observe("get", "hit")
	}
	return val, err
}

func (c *Instrumented) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	err := c.Cache.Set(ctx, key, value, ttl)
	c.observe("set", result(err))
	return err
}

func (c *Instrumented) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := c.Cache.IncrementCounter(ctx, key, window)
	c.observe("incr", result(err))
	return n, err
}

func (c *Instrumented) observe(op, res string) {
	metrics.CacheRequests.WithLabelValues(c.backend, op, res).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// GetJSON decodes a cached JSON value into dst. Reports false on a miss.
func GetJSON(ctx context.Context, c domain.Cache, key string, dst any) (bool, error) {
	data, err := c.Get(ctx, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON caches v as JSON.
func SetJSON(ctx context.Context, c domain.Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}
