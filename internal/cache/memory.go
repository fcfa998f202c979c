package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dkrylov/pipeshield/internal/config"
	"github.com/dkrylov/pipeshield/internal/observability"
)

// storeTracerName is the OpenTelemetry tracer name for cache operations.
const storeTracerName = "pipeshield/cache"

// evictionFraction is the share of entries removed when the cache is full.
const evictionFraction = 10

// memoryStore implements an in-memory TTL/LRU cache with tag invalidation.
type memoryStore struct {
	logger     observability.Logger
	maxEntries int
	defaultTTL time.Duration

	mu       sync.Mutex
	items    map[string]*list.Element
	eviction *list.List

	flight singleflight.Group

	hits   int64
	misses int64

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// memoryEntry is an entry in the memory store.
type memoryEntry struct {
	key       string
	value     []byte
	tags      map[string]struct{}
	createdAt time.Time
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// newMemoryStore creates a new in-memory cache store and starts its cleanup
// goroutine. Close stops the goroutine.
func newMemoryStore(cfg *config.CacheConfig, logger observability.Logger) *memoryStore {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 10000
	}

	cleanupInterval := cfg.CleanupInterval.Duration()
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &memoryStore{
		logger:     logger,
		maxEntries: maxEntries,
		defaultTTL: cfg.TTL.Duration(),
		items:      make(map[string]*list.Element),
		eviction:   list.New(),
		stopCh:     make(chan struct{}),
		stoppedCh:  make(chan struct{}),
	}

	go s.cleanupLoop(cleanupInterval)

	logger.Info("memory cache initialized",
		observability.Int("maxEntries", maxEntries),
		observability.Duration("defaultTTL", s.defaultTTL))

	return s
}

// Get retrieves a value from the cache.
func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	_, span := otel.Tracer(storeTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetStoreMetrics().operationDuration.WithLabelValues(
			"memory", "get",
		).Observe(time.Since(start).Seconds())
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	elem, exists := s.items[key]
	if !exists {
		s.recordMiss(span)
		return nil, ErrCacheMiss
	}

	entry := elem.Value.(*memoryEntry)
	if entry.expired(time.Now()) {
		s.removeElement(elem)
		s.recordMiss(span)
		return nil, ErrCacheMiss
	}

	s.eviction.MoveToFront(elem)

	atomic.AddInt64(&s.hits, 1)
	GetStoreMetrics().hitsTotal.WithLabelValues("memory").Inc()
	span.SetAttributes(attribute.Bool("cache.hit", true))

	return entry.value, nil
}

// recordMiss updates miss accounting. Must be called with lock held.
func (s *memoryStore) recordMiss(span trace.Span) {
	atomic.AddInt64(&s.misses, 1)
	GetStoreMetrics().missesTotal.WithLabelValues("memory").Inc()
	span.SetAttributes(attribute.Bool("cache.hit", false))
}

// Set stores a value in the cache.
func (s *memoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration, tags ...string) error {
	_, span := otel.Tracer(storeTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		GetStoreMetrics().operationDuration.WithLabelValues(
			"memory", "set",
		).Observe(time.Since(start).Seconds())
	}()

	if ttl == 0 {
		ttl = s.defaultTTL
	}

	now := time.Now()
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = now.Add(ttl)
	}

	entry := &memoryEntry{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: expiresAt,
	}
	if len(tags) > 0 {
		entry.tags = make(map[string]struct{}, len(tags))
		for _, tag := range tags {
			entry.tags[tag] = struct{}{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		s.eviction.MoveToFront(elem)
		elem.Value = entry
		return nil
	}

	// Make room before inserting: drop the least-recently-used tenth.
	if s.eviction.Len() >= s.maxEntries {
		s.evictBatch()
	}

	elem := s.eviction.PushFront(entry)
	s.items[key] = elem

	GetStoreMetrics().sizeGauge.WithLabelValues("memory").Set(float64(s.eviction.Len()))

	s.logger.Debug("cache set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", s.eviction.Len()))

	return nil
}

// GetOrCompute returns the cached value or computes and stores it.
// Concurrent misses on the same key are collapsed into a single compute call.
func (s *memoryStore) GetOrCompute(ctx context.Context, key string, fn ComputeFunc, ttl time.Duration, tags ...string) ([]byte, error) {
	if value, err := s.Get(ctx, key); err == nil {
		return value, nil
	}

	value, err, _ := s.flight.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have stored it
		// between our miss and the flight acquiring the key.
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
func (s *memoryStore) Invalidate(ctx context.Context, pattern string) (int, error) {
	_, span := otel.Tracer(storeTracerName).Start(ctx, "cache.Invalidate",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("cache.backend", "memory"),
			attribute.String("cache.pattern", pattern),
		),
	)
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []*list.Element
	for elem := s.eviction.Back(); elem != nil; elem = elem.Prev() {
		if entryMatches(elem.Value.(*memoryEntry), pattern) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		s.removeElement(elem)
	}

	span.SetAttributes(attribute.Int("cache.removed", len(toRemove)))

	if len(toRemove) > 0 {
		s.logger.Debug("cache invalidated",
			observability.String("pattern", pattern),
			observability.Int("removed", len(toRemove)))
	}

	return len(toRemove), nil
}

// entryMatches reports whether an entry matches an invalidation pattern:
// exact key, trailing-wildcard prefix over keys and tags, or exact tag.
func entryMatches(entry *memoryEntry, pattern string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		if strings.HasPrefix(entry.key, prefix) {
			return true
		}
		for tag := range entry.tags {
			if strings.HasPrefix(tag, prefix) {
				return true
			}
		}
		return false
	}

	if entry.key == pattern {
		return true
	}
	_, tagged := entry.tags[pattern]
	return tagged
}

// Delete removes a single key from the cache.
func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, exists := s.items[key]; exists {
		s.removeElement(elem)
	}
	return nil
}

// Stats returns cache statistics.
func (s *memoryStore) Stats() Stats {
	s.mu.Lock()
	size := int64(s.eviction.Len())
	s.mu.Unlock()

	return Stats{
		Hits:   atomic.LoadInt64(&s.hits),
		Misses: atomic.LoadInt64(&s.misses),
		Size:   size,
	}
}

// Close stops the cleanup goroutine and drops all entries.
func (s *memoryStore) Close() error {
	close(s.stopCh)
	<-s.stoppedCh

	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.eviction.Init()

	s.logger.Info("memory cache closed")

	return nil
}

// evictBatch removes the least-recently-used tenth of entries, at least one.
// Must be called with lock held.
func (s *memoryStore) evictBatch() {
	count := s.eviction.Len() / evictionFraction
	if count < 1 {
		count = 1
	}

	for i := 0; i < count; i++ {
		elem := s.eviction.Back()
		if elem == nil {
			return
		}
		s.removeElement(elem)
		GetStoreMetrics().evictionsTotal.WithLabelValues("memory").Inc()
	}
}

// removeElement removes an element from the cache.
// Must be called with lock held.
func (s *memoryStore) removeElement(elem *list.Element) {
	s.eviction.Remove(elem)
	entry := elem.Value.(*memoryEntry)
	delete(s.items, entry.key)
}

// cleanupLoop periodically removes expired entries.
func (s *memoryStore) cleanupLoop(interval time.Duration) {
	defer close(s.stoppedCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes expired entries under a single write lock.
func (s *memoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var toRemove []*list.Element

	for elem := s.eviction.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*memoryEntry).expired(now) {
			toRemove = append(toRemove, elem)
		}
	}

	for _, elem := range toRemove {
		s.removeElement(elem)
	}

	if len(toRemove) > 0 {
		s.logger.Debug("cache cleanup completed",
			observability.Int("removed", len(toRemove)))
	}
}
