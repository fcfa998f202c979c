package cache

import (
	"context"
	"errors"
	"time"

	"github.com/dkrylov/pipeshield/internal/config"
	"github.com/dkrylov/pipeshield/internal/observability"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrCacheDisabled indicates that caching is disabled.
	ErrCacheDisabled = errors.New("cache disabled")

	// ErrInvalidConfig indicates that the cache configuration is invalid.
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// ComputeFunc produces a value for a cache key on miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Store is the main interface for the cache store.
type Store interface {
	// Get retrieves a value from the cache.
	// Returns ErrCacheMiss if the key is not found or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in the cache with the given TTL and tags.
	// A TTL of 0 uses the configured default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error

	// GetOrCompute returns the cached value for key if present and unexpired;
	// otherwise it invokes fn, stores the result with ttl and tags, and
	// returns it. Concurrent misses on the same key are de-duplicated: only
	// one caller invokes fn and the others share its result.
	GetOrCompute(ctx context.Context, key string, fn ComputeFunc, ttl time.Duration, tags ...string) ([]byte, error)

	// Invalidate removes entries matching pattern. A pattern is an exact key,
	// a trailing-wildcard prefix ("prefix*") matched against keys and tags,
	// or an exact tag. It returns the number of entries removed.
	Invalidate(ctx context.Context, pattern string) (int, error)

	// Delete removes a single key from the cache.
	Delete(ctx context.Context, key string) error

	// Stats returns cache statistics.
	Stats() Stats

	// Close releases cache resources and stops background work.
	Close() error
}

// Stats contains cache statistics.
type Stats struct {
	// Hits is the number of cache hits.
	Hits int64

	// Misses is the number of cache misses.
	Misses int64

	// Size is the current number of entries in the cache.
	Size int64
}

// HitRate returns the cache hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// New creates a cache store from configuration.
func New(cfg *config.CacheConfig, logger observability.Logger) (Store, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	if !cfg.Enabled {
		return newDisabledStore(), nil
	}

	if logger == nil {
		logger = observability.NopLogger()
	}

	switch cfg.Backend {
	case config.CacheBackendMemory, "":
		return newMemoryStore(cfg, logger), nil
	case config.CacheBackendRedis:
		return newRedisStore(cfg, logger)
	default:
		return nil, errors.New("unknown cache backend: " + cfg.Backend)
	}
}

// disabledStore always reports a disabled cache. GetOrCompute still invokes
// the compute function so callers behave as if the cache were transparent.
type disabledStore struct{}

func newDisabledStore() Store {
	return &disabledStore{}
}

func (s *disabledStore) Get(context.Context, string) ([]byte, error) {
	return nil, ErrCacheDisabled
}

func (s *disabledStore) Set(context.Context, string, []byte, time.Duration, ...string) error {
	return ErrCacheDisabled
}

func (s *disabledStore) GetOrCompute(ctx context.Context, _ string, fn ComputeFunc, _ time.Duration, _ ...string) ([]byte, error) {
	return fn(ctx)
}

func (s *disabledStore) Invalidate(context.Context, string) (int, error) {
	return 0, ErrCacheDisabled
}

func (s *disabledStore) Delete(context.Context, string) error {
	return ErrCacheDisabled
}

func (s *disabledStore) Stats() Stats {
	return Stats{}
}

func (s *disabledStore) Close() error {
	return nil
}
