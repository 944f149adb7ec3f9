// Package cache is the Redis-backed response cache for the aggregate read
// views and the invalidation hook the payout lifecycle triggers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ayo6706/arena-settlement/internal/domain"
	"github.com/ayo6706/arena-settlement/internal/observability"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Status classifies a lookup.
type Status int

const (
	Miss Status = iota
	Hit
	Unavailable
)

func (s Status) String() string {
	switch s {
	case Hit:
		return "hit"
	case Unavailable:
		return "unavailable"
	default:
		return "miss"
	}
}

// Result is the outcome of Lookup. Generation is the invalidation generation
// observed with the lookup and must be passed back to Store.
type Result struct {
	Status     Status
	Value      []byte
	Generation int64
}

// ErrStale means an invalidation happened between Lookup and Store, so the
// computed value was dropped instead of written.
var ErrStale = errors.New("cache: value computed before last invalidation")

const (
	generationKey  = "cache:generation"
	defaultTimeout = 500 * time.Millisecond
	scanBatch      = 100
)

// ResponseCache caches serialized responses by key.
type ResponseCache struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// New creates a cache over client. A nil client yields a cache whose lookups
// are always Unavailable and whose invalidations are no-ops.
func New(client redis.UniversalClient) *ResponseCache {
	return &ResponseCache{client: client, timeout: defaultTimeout}
}

// WithTimeout bounds every Redis call made by the cache.
func (c *ResponseCache) WithTimeout(timeout time.Duration) *ResponseCache {
	if timeout > 0 {
		c.timeout = timeout
	}
	return c
}

// Lookup fetches key. Redis errors degrade to Unavailable, never to an error.
func (c *ResponseCache) Lookup(ctx context.Context, key string) Result {
	if c == nil || c.client == nil {
		return Result{Status: Unavailable}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	vals, err := c.client.MGet(ctx, key, generationKey).Result()
	if err != nil {
		observability.IncrementCacheEvent("unavailable")
		zap.L().Debug("cache lookup failed", zap.String("key", key), zap.Error(err))
		return Result{Status: Unavailable}
	}

	res := Result{Status: Miss, Generation: parseGeneration(vals[1])}
	if raw, ok := vals[0].(string); ok {
		res.Status = Hit
		res.Value = []byte(raw)
	}
	observability.IncrementCacheEvent(res.Status.String())
	return res
}

// Store writes value under key for ttl, unless the generation moved past
// generation since the value was looked up.
func (c *ResponseCache) Store(ctx context.Context, key string, value []byte, ttl time.Duration, generation int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, generationKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return ErrStale
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, ttl)
			return nil
		})
		return err
	}, generationKey)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStale), errors.Is(err, redis.TxFailedErr):
		observability.IncrementCacheEvent("stale_write")
		return ErrStale
	default:
		return fmt.Errorf("cache store %s: %w", key, err)
	}
}

// InvalidateAggregates evicts every arena stats entry and the leaderboard.
// Failures are logged and swallowed: a stale read view must never fail a payout.
func (c *ResponseCache) InvalidateAggregates(ctx context.Context) {
	if c == nil || c.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		c.invalidationFailed("bump generation", err)
	}

	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, domain.CachePatternArenaStats, scanBatch).Result()
		if err != nil {
			c.invalidationFailed("scan arena stats", err)
			break
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.invalidationFailed("delete arena stats", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	if err := c.client.Del(ctx, domain.CacheKeyLeaderboard).Err(); err != nil {
		c.invalidationFailed("delete leaderboard", err)
	}
}

// Ping checks Redis connectivity.
func (c *ResponseCache) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errors.New("cache not configured")
	}
	return c.client.Ping(ctx).Err()
}

func (c *ResponseCache) invalidationFailed(step string, err error) {
	observability.IncrementCacheEvent("invalidate_error")
	zap.L().Warn("cache invalidation step failed", zap.String("step", step), zap.Error(err))
}

func parseGeneration(v any) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
