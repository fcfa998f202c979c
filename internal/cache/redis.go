package cache

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dkrylov/pipeshield/internal/config"
	"github.com/dkrylov/pipeshield/internal/observability"
)

// tagSetPrefix namespaces the Redis sets that track tagged keys.
const tagSetPrefix = "tag:"

// redisStore implements a Redis-backed cache store. Tags are tracked in
// Redis sets so tag-based invalidation stays a server-side operation.
type redisStore struct {
	logger     observability.Logger
	client     *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	ttlJitter  float64

	flight singleflight.Group

	hits   int64
	misses int64
}

// newRedisStore creates a Redis-backed cache store and verifies connectivity.
func newRedisStore(cfg *config.CacheConfig, logger observability.Logger) (*redisStore, error) {
	if cfg.Redis == nil || cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("%w: redis backend requires an address", ErrInvalidConfig)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	s := &redisStore{
		logger:     logger,
		client:     client,
		keyPrefix:  cfg.Redis.KeyPrefix,
		defaultTTL: cfg.TTL.Duration(),
		ttlJitter:  cfg.Redis.TTLJitter,
	}

	logger.Info("redis cache initialized",
		observability.String("addr", cfg.Redis.Addr),
		observability.String("keyPrefix", s.keyPrefix))

	return s, nil
}

// applyTTLJitter adds random jitter to a TTL value to prevent synchronized
// expiry across keys written together.
func applyTTLJitter(ttl time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 || ttl <= 0 {
		return ttl
	}
	if jitterFactor > 1.0 {
		jitterFactor = 1.0
	}
	//nolint:gosec // G404: TTL jitter does not require cryptographic randomness
	jitter := time.Duration(float64(ttl) * jitterFactor * (2*rand.Float64() - 1))
	result := ttl + jitter
	if result <= 0 {
		return ttl
	}
	return result
}

func (s *redisStore) dataKey(key string) string {
	return s.keyPrefix + key
}

func (s *redisStore) tagKey(tag string) string {
	return s.keyPrefix + tagSetPrefix + tag
}

// Get retrieves a value from Redis.
func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := otel.Tracer(storeTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetStoreMetrics().operationDuration.WithLabelValues(
			"redis", "get",
		).Observe(time.Since(start).Seconds())
	}()

	value, err := s.client.Get(ctx, s.dataKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			atomic.AddInt64(&s.misses, 1)
			GetStoreMetrics().missesTotal.WithLabelValues("redis").Inc()
			span.SetAttributes(attribute.Bool("cache.hit", false))
			return nil, ErrCacheMiss
		}
		GetStoreMetrics().errorsTotal.WithLabelValues("redis", "get").Inc()
		return nil, fmt.Errorf("redis get: %w", err)
	}

	atomic.AddInt64(&s.hits, 1)
	GetStoreMetrics().hitsTotal.WithLabelValues("redis").Inc()
	span.SetAttributes(attribute.Bool("cache.hit", true))

	return value, nil
}

// Set stores a value in Redis and records its tags.
func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	ctx, span := otel.Tracer(storeTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetStoreMetrics().operationDuration.WithLabelValues(
			"redis", "set",
		).Observe(time.Since(start).Seconds())
	}()

	if ttl == 0 {
		ttl = s.defaultTTL
	}
	ttl = applyTTLJitter(ttl, s.ttlJitter)

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(key), value, ttl)
	for _, tag := range tags {
		pipe.SAdd(ctx, s.tagKey(tag), key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		GetStoreMetrics().errorsTotal.WithLabelValues("redis", "set").Inc()
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// GetOrCompute returns the cached value or computes and stores it.
// Concurrent misses on the same key in this process are collapsed into a
// single compute call.
func (s *redisStore) GetOrCompute(ctx context.Context, key string, fn ComputeFunc, ttl time.Duration, tags ...string) ([]byte, error) {
	if value, err := s.Get(ctx, key); err == nil {
		return value, nil
	}

	value, err, _ := s.flight.Do(key, func() (interface{}, error) {
		if cached, err := s.Get(ctx, key); err == nil {
			return cached, nil
		}

		computed, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Set(ctx, key, computed, ttl, tags...); err != nil {
			return nil, err
		}
		return computed, nil
	})
	if err != nil {
		return nil, err
	}

	return value.([]byte), nil
}

// Invalidate removes entries matching pattern.
func (s *redisStore) Invalidate(ctx context.Context, pattern string) (int, error) {
	ctx, span := otel.Tracer(storeTracerName).Start(ctx, "cache.Invalidate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.pattern", pattern),
		),
	)
	defer span.End()

	removed := 0

	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		n, err := s.invalidatePrefix(ctx, pattern[:len(pattern)-1])
		if err != nil {
			return removed, err
		}
		removed += n
	} else {
		// Exact key.
		n, err := s.client.Del(ctx, s.dataKey(pattern)).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)

		// Exact tag.
		n2, err := s.invalidateTag(ctx, s.tagKey(pattern))
		if err != nil {
			return removed, err
		}
		removed += n2
	}

	span.SetAttributes(attribute.Int("cache.removed", removed))
	return removed, nil
}

// invalidatePrefix removes all keys with the given prefix and all entries
// belonging to tags with the given prefix.
func (s *redisStore) invalidatePrefix(ctx context.Context, prefix string) (int, error) {
	removed := 0

	keys, err := s.scanKeys(ctx, s.dataKey(prefix)+"*")
	if err != nil {
		return removed, err
	}
	if len(keys) > 0 {
		n, err := s.client.Del(ctx, keys...).Result()
		if err != nil {
			return removed, fmt.Errorf("redis del: %w", err)
		}
		removed += int(n)
	}

	tagSets, err := s.scanKeys(ctx, s.tagKey(prefix)+"*")
	if err != nil {
		return removed, err
	}
	for _, tagSet := range tagSets {
		n, err := s.invalidateTag(ctx, tagSet)
		if err != nil {
			return removed, err
		}
		removed += n
	}

	return removed, nil
}

// invalidateTag deletes every key tracked by the given tag set, then the set.
func (s *redisStore) invalidateTag(ctx context.Context, tagSet string) (int, error) {
	members, err := s.client.SMembers(ctx, tagSet).Result()
	if err != nil {
		return 0, fmt.Errorf("redis smembers: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(members))
	for _, member := range members {
		keys = append(keys, s.dataKey(member))
	}

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis del: %w", err)
	}
	if err := s.client.Del(ctx, tagSet).Err(); err != nil {
		return int(n), fmt.Errorf("redis del tag set: %w", err)
	}

	return int(n), nil
}

// scanKeys collects all keys matching a glob pattern.
func (s *redisStore) scanKeys(ctx context.Context, match string) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, match, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Delete removes a single key.
func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.dataKey(key)).Err(); err != nil {
		GetStoreMetrics().errorsTotal.WithLabelValues("redis", "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Stats returns cache statistics. Size is the server database size and may
// include keys written by other clients.
func (s *redisStore) Stats() Stats {
	var size int64
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if n, err := s.client.DBSize(ctx).Result(); err == nil {
		size = n
	}

	return Stats{
		Hits:   atomic.LoadInt64(&s.hits),
		Misses: atomic.LoadInt64(&s.misses),
		Size:   size,
	}
}

// Close closes the Redis connection.
func (s *redisStore) Close() error {
	s.logger.Info("redis cache closed")
	return s.client.Close()
}
