// Package config provides configuration types and loading for the resilience
// engine. Configuration values are plain value objects: they carry tuning
// knobs for the pipeline components and no behavior beyond validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Recovery strategy names accepted in configuration.
const (
	StrategyRetry      = "retry"
	StrategyFallback   = "fallback"
	StrategyBypass     = "bypass"
	StrategyAbort      = "abort"
	StrategyCompensate = "compensate"
)

// Cache backend types.
const (
	CacheBackendMemory = "memory"
	CacheBackendRedis  = "redis"
)

// ChainConfig is the top-level configuration for a resilient pipeline.
type ChainConfig struct {
	// Steps configures the individual pipeline steps.
	Steps []StepConfig `yaml:"steps" json:"steps"`

	// Breaker configures the default circuit breaker thresholds.
	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`

	// Health configures the background health-check loop.
	Health HealthConfig `yaml:"health" json:"health"`

	// Performance configures caching, batching and throttling.
	Performance PerformanceConfig `yaml:"performance" json:"performance"`
}

// StepConfig configures one pipeline step.
type StepConfig struct {
	// Name identifies the step. Required.
	Name string `yaml:"name" json:"name"`

	// Strategy is the recovery strategy applied on failure.
	// One of: retry, fallback, bypass, abort, compensate. Empty leaves the
	// step on the severity-based default chosen per error.
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty"`

	// Critical steps are never bypassed by the orchestrator.
	Critical bool `yaml:"critical,omitempty" json:"critical,omitempty"`

	// MaxRetries bounds retry attempts beyond the first. Default 3.
	MaxRetries int `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`

	// RetryBackoff is the initial backoff between retries. Default 100ms.
	RetryBackoff Duration `yaml:"retryBackoff,omitempty" json:"retryBackoff,omitempty"`
}

// BreakerConfig configures circuit breaker behavior for all steps.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int `yaml:"failureThreshold" json:"failureThreshold"`

	// RecoveryTimeout is how long the circuit stays open before probing.
	RecoveryTimeout Duration `yaml:"recoveryTimeout" json:"recoveryTimeout"`

	// HalfOpenMax is the number of probe requests admitted in half-open state.
	HalfOpenMax int `yaml:"halfOpenMax" json:"halfOpenMax"`

	// ErrorRateThreshold marks a step degraded when its error ratio exceeds it.
	ErrorRateThreshold float64 `yaml:"errorRateThreshold" json:"errorRateThreshold"`

	// SlowRequestThreshold marks a step degraded when its average duration
	// exceeds it.
	SlowRequestThreshold Duration `yaml:"slowRequestThreshold" json:"slowRequestThreshold"`
}

// HealthConfig configures the orchestrator health loop.
type HealthConfig struct {
	// CheckInterval is the health evaluation cadence. Minimum 1s.
	CheckInterval Duration `yaml:"checkInterval" json:"checkInterval"`
}

// PerformanceConfig configures the performance optimizer.
type PerformanceConfig struct {
	// Cache configures the response cache.
	Cache CacheConfig `yaml:"cache" json:"cache"`

	// MaxConcurrent bounds in-flight pipeline executions. Default 100.
	MaxConcurrent int `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty"`

	// RateLimit is an optional request rate gate in requests/second.
	// Zero disables rate limiting.
	RateLimit float64 `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"`

	// RateBurst is the burst size for the rate gate. Default 1 when limited.
	RateBurst int `yaml:"rateBurst,omitempty" json:"rateBurst,omitempty"`

	// BatchSize is the accumulation threshold that triggers a batch flush.
	// Zero or negative disables read batching entirely.
	BatchSize int `yaml:"batchSize,omitempty" json:"batchSize,omitempty"`

	// BatchTimeout flushes a partial batch after this much idle time.
	BatchTimeout Duration `yaml:"batchTimeout,omitempty" json:"batchTimeout,omitempty"`

	// GCFrequency runs a maintenance pass every N requests. Default 1000.
	GCFrequency int `yaml:"gcFrequency,omitempty" json:"gcFrequency,omitempty"`

	// WindowSize is the response-time sample window for percentiles.
	WindowSize int `yaml:"windowSize,omitempty" json:"windowSize,omitempty"`

	// Pool configures the reusable-resource pool.
	Pool PoolConfig `yaml:"pool" json:"pool"`
}

// CacheConfig configures the cache store.
type CacheConfig struct {
	// Enabled indicates whether caching is enabled.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Backend is the cache backend type: "memory" or "redis".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	// TTL is the default time-to-live for cached entries.
	TTL Duration `yaml:"ttl,omitempty" json:"ttl,omitempty"`

	// MaxEntries bounds the memory backend population. Default 10000.
	MaxEntries int `yaml:"maxEntries,omitempty" json:"maxEntries,omitempty"`

	// CleanupInterval is the expired-entry sweep cadence. Default 1m.
	CleanupInterval Duration `yaml:"cleanupInterval,omitempty" json:"cleanupInterval,omitempty"`

	// Redis contains Redis-specific configuration.
	Redis *RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`
}

// RedisConfig contains Redis-specific cache configuration.
type RedisConfig struct {
	// Addr is the Redis server address, host:port.
	Addr string `yaml:"addr" json:"addr"`

	// Password is the Redis password, empty for none.
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// DB is the Redis database index.
	DB int `yaml:"db,omitempty" json:"db,omitempty"`

	// KeyPrefix is prepended to all cache keys.
	KeyPrefix string `yaml:"keyPrefix,omitempty" json:"keyPrefix,omitempty"`

	// PoolSize is the connection pool size.
	PoolSize int `yaml:"poolSize,omitempty" json:"poolSize,omitempty"`

	// TTLJitter is the maximum fraction of jitter applied to TTLs (0.0-1.0).
	TTLJitter float64 `yaml:"ttlJitter,omitempty" json:"ttlJitter,omitempty"`
}

// PoolConfig configures the reusable-resource pool.
type PoolConfig struct {
	// MaxSize bounds the number of pooled resources. Default 10.
	MaxSize int `yaml:"maxSize,omitempty" json:"maxSize,omitempty"`

	// MaxAge recycles resources older than this. Default 5m.
	MaxAge Duration `yaml:"maxAge,omitempty" json:"maxAge,omitempty"`
}

// DefaultChainConfig returns a ChainConfig with default values.
func DefaultChainConfig() *ChainConfig {
	cfg := &ChainConfig{}
	cfg.Validate()
	return cfg
}

// Validate clamps invalid tuning values to their defaults. It returns an
// error only for structural problems such as duplicate or empty step names.
func (c *ChainConfig) Validate() error {
	seen := make(map[string]struct{}, len(c.Steps))
	for i := range c.Steps {
		step := &c.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("step %q: duplicate name", step.Name)
		}
		seen[step.Name] = struct{}{}

		switch step.Strategy {
		case "", StrategyRetry, StrategyFallback, StrategyBypass, StrategyAbort, StrategyCompensate:
		default:
			return fmt.Errorf("step %q: unknown strategy %q", step.Name, step.Strategy)
		}
		if step.MaxRetries <= 0 {
			step.MaxRetries = 3
		}
		if step.RetryBackoff <= 0 {
			step.RetryBackoff = Duration(100 * time.Millisecond)
		}
	}

	c.Breaker.validate()
	c.Health.validate()
	c.Performance.validate()

	return nil
}

func (c *BreakerConfig) validate() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout < Duration(time.Millisecond) {
		c.RecoveryTimeout = Duration(30 * time.Second)
	}
	if c.HalfOpenMax < 1 {
		c.HalfOpenMax = 3
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		c.ErrorRateThreshold = 0.5
	}
	if c.SlowRequestThreshold <= 0 {
		c.SlowRequestThreshold = Duration(5 * time.Second)
	}
}

func (c *HealthConfig) validate() {
	if c.CheckInterval < Duration(time.Second) {
		c.CheckInterval = Duration(30 * time.Second)
	}
}

func (c *PerformanceConfig) validate() {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 100
	}
	if c.RateLimit < 0 {
		c.RateLimit = 0
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		c.RateBurst = 1
	}
	if c.BatchSize < 0 {
		c.BatchSize = 0
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = Duration(50 * time.Millisecond)
	}
	if c.GCFrequency < 1 {
		c.GCFrequency = 1000
	}
	if c.WindowSize < 1 {
		c.WindowSize = 1000
	}
	c.Cache.validate()
	c.Pool.validate()
}

func (c *CacheConfig) validate() {
	switch c.Backend {
	case "", CacheBackendMemory:
		c.Backend = CacheBackendMemory
	case CacheBackendRedis:
	default:
		c.Backend = CacheBackendMemory
	}
	if c.TTL <= 0 {
		c.TTL = Duration(60 * time.Second)
	}
	if c.MaxEntries < 1 {
		c.MaxEntries = 10000
	}
	if c.CleanupInterval < Duration(time.Second) {
		c.CleanupInterval = Duration(time.Minute)
	}
	if c.Redis != nil && c.Redis.TTLJitter < 0 {
		c.Redis.TTLJitter = 0
	}
}

func (c *PoolConfig) validate() {
	if c.MaxSize < 1 {
		c.MaxSize = 10
	}
	if c.MaxAge <= 0 {
		c.MaxAge = Duration(5 * time.Minute)
	}
}

// Load reads and validates a ChainConfig from a YAML file.
func Load(path string) (*ChainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ChainConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Step returns the configuration for the named step, or nil when the step is
// not configured.
func (c *ChainConfig) Step(name string) *StepConfig {
	for i := range c.Steps {
		if c.Steps[i].Name == name {
			return &c.Steps[i]
		}
	}
	return nil
}

// CriticalSteps returns the names of all steps marked critical.
func (c *ChainConfig) CriticalSteps() []string {
	var names []string
	for i := range c.Steps {
		if c.Steps[i].Critical {
			names = append(names, c.Steps[i].Name)
		}
	}
	return names
}
