package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freestays/passguard/internal/domain"
)

func TestLRUCache(t *testing.T) {
	ctx := context.Background()

	t.Run("ValuesAndMisses", func(t *testing.T) {
		c := NewLRUCache(16)
		require.NoError(t, c.Set(ctx, "booking:bk-1", []byte(`{"final":"134.36"}`), time.Minute))

		got, err := c.Get(ctx, "booking:bk-1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"final":"134.36"}`, string(got))

		got, err = c.Get(ctx, "booking:bk-2")
		require.NoError(t, err)
		assert.Nil(t, got)

		require.NoError(t, c.Delete(ctx, "booking:bk-1"))
		got, _ = c.Get(ctx, "booking:bk-1")
		assert.Nil(t, got)
	})

	t.Run("EntryExpires", func(t *testing.T) {
		c := NewLRUCache(16)
		require.NoError(t, c.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
		got, _ := c.Get(ctx, "short")
		require.NotNil(t, got)

		time.Sleep(25 * time.Millisecond)
		got, _ = c.Get(ctx, "short")
		assert.Nil(t, got)
		assert.Zero(t, c.Len(), "expired entry is dropped on read")
	})

	t.Run("EvictsLeastRecentlyUsed", func(t *testing.T) {
		c := NewLRUCache(2)
		c.Set(ctx, "old", []byte("1"), time.Minute)
		c.Set(ctx, "kept", []byte("2"), time.Minute)
		c.Get(ctx, "old")
		c.Set(ctx, "new", []byte("3"), time.Minute)

		kept, _ := c.Get(ctx, "kept")
		old, _ := c.Get(ctx, "old")
		assert.Nil(t, kept)
		assert.Equal(t, []byte("1"), old)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("CounterWindow", func(t *testing.T) {
		c := NewLRUCache(16)
		window := 50 * time.Millisecond

		for want := int64(1); want <= 3; want++ {
			n, err := c.IncrementCounter(ctx, "evaluated:evt-1", window)
			require.NoError(t, err)
			assert.Equal(t, want, n)
		}
		n, _ := c.IncrementCounter(ctx, "evaluated:evt-2", window)
		assert.Equal(t, int64(1), n, "counters are per key")

		time.Sleep(80 * time.Millisecond)
		n, _ = c.IncrementCounter(ctx, "evaluated:evt-1", window)
		assert.Equal(t, int64(1), n, "a new window starts from one")
	})

	t.Run("CountersSurviveValueEviction", func(t *testing.T) {
		c := NewLRUCache(1)
		c.IncrementCounter(ctx, "evaluated:evt-1", time.Minute)
		c.Set(ctx, "a", []byte("1"), time.Minute)
		c.Set(ctx, "b", []byte("2"), time.Minute)

		n, _ := c.IncrementCounter(ctx, "evaluated:evt-1", time.Minute)
		assert.Equal(t, int64(2), n)
	})

	t.Run("CloseClears", func(t *testing.T) {
		c := NewLRUCache(4)
		c.Set(ctx, "k", []byte("v"), time.Minute)
		require.NoError(t, c.Ping(ctx))
		require.NoError(t, c.Close())
		got, _ := c.Get(ctx, "k")
		assert.Nil(t, got)
	})
}

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	c := NewLRUCache(8)

	type quote struct {
		BookingRef string `json:"bookingRef"`
		Final      string `json:"final"`
	}
	require.NoError(t, SetJSON(ctx, c, "booking:bk-1", quote{BookingRef: "bk-1", Final: "134.36"}, time.Minute))

	var got quote
	found, err := GetJSON(ctx, c, "booking:bk-1", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, quote{BookingRef: "bk-1", Final: "134.36"}, got)

	found, err = GetJSON(ctx, c, "booking:missing", &got)
	require.NoError(t, err)
	assert.False(t, found)

	c.Set(ctx, "booking:broken", []byte("{"), time.Minute)
	_, err = GetJSON(ctx, c, "booking:broken", &got)
	assert.ErrorContains(t, err, "booking:broken")
}

func TestNew(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		c, err := New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
		require.NoError(t, err)
		defer c.Close()

		inst, ok := c.(*Instrumented)
		require.True(t, ok, "got %T", c)
		assert.IsType(t, &LRUCache{}, inst.Unwrap())

		ctx := context.Background()
		require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
		got, err := c.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("v"), got)
		n, err := c.IncrementCounter(ctx, "n", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "memcached"})
		assert.ErrorContains(t, err, "memcached")
	})

	t.Run("RedisUnreachable", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "redis", RedisAddr: "127.0.0.1:1"})
		assert.ErrorContains(t, err, "127.0.0.1:1")
	})

	t.Run("TwoPhaseRedisUnreachable", func(t *testing.T) {
		_, err := New(domain.CacheConfig{Type: "redis", RedisAddr: "127.0.0.1:1", EnableTwoPhase: true})
		assert.Error(t, err)
	})
}
