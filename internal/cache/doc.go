// Package cache provides the engine's cache store primitive.
//
// The store supports:
//
//   - In-memory TTL/LRU caching with a bounded population
//   - Redis-backed caching with TTL jitter and key prefixing
//   - Tag-based invalidation with exact and trailing-wildcard patterns
//   - GetOrCompute with single-flight de-duplication of concurrent misses
//   - Lazy expiry on access plus a periodic cleanup sweep
//   - OpenTelemetry tracing and Prometheus metrics per operation
//
// Eviction removes the least-recently-used tenth of entries (at least one)
// once the configured population bound is reached.
//
// All store implementations are safe for concurrent use.
package cache
