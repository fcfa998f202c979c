// Package optimizer provides the throughput side of the engine: a response
// cache keyed from request shape, a counting-semaphore concurrency throttle,
// an optional token-bucket rate gate, a batch accumulator for read-only
// requests, a bounded resource pool with recycle-by-age, and p95/p99
// latency tracking over a sliding sample window.
package optimizer
