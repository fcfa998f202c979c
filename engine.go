// Package pipeshield is a resilience and performance-orchestration engine
// for request pipelines. It wraps host-supplied processing steps with
// failure recovery (retry, fallback, bypass, abort, transactional
// compensation), per-step circuit breaking with health tracking, and
// throughput optimizations: response caching, concurrency throttling,
// batching and pooling.
//
// The engine is a library: it owns no listener and treats request and
// response bodies as opaque bytes. Hosts construct an Engine at their
// composition root, start it, and route traffic through Handle.
package pipeshield

import (
	"context"
	"time"

	"github.com/dkrylov/pipeshield/internal/cache"
	"github.com/dkrylov/pipeshield/internal/config"
	"github.com/dkrylov/pipeshield/internal/observability"
	"github.com/dkrylov/pipeshield/internal/optimizer"
	"github.com/dkrylov/pipeshield/internal/orchestrator"
	"github.com/dkrylov/pipeshield/internal/pipeline"
	"github.com/dkrylov/pipeshield/internal/recovery"
)

// Aliases exposing the engine's wire-in types to hosts.
type (
	// Config is the engine configuration: step chain, breaker and health
	// thresholds, and performance tuning.
	Config = config.ChainConfig

	// Request is the unit of work entering the engine.
	Request = pipeline.Request

	// Response is the engine's output for one request.
	Response = pipeline.Response

	// Step is one unit of host-supplied processing logic.
	Step = pipeline.Step

	// CompensationFunc undoes one step's partial effect during rollback.
	CompensationFunc = recovery.CompensationFunc

	// ErrorContext describes one failed step invocation to custom
	// recovery handlers.
	ErrorContext = recovery.ErrorContext

	// HandlerFunc is a custom per-step recovery handler.
	HandlerFunc = recovery.HandlerFunc

	// HealthReport is the aggregate per-step health snapshot.
	HealthReport = orchestrator.Report

	// Logger is the structured logger the engine emits through.
	Logger = observability.Logger

	// LogConfig configures the default zap-backed logger.
	LogConfig = observability.LogConfig

	// Pool is a bounded pool of reusable resources with age-based recycling.
	Pool = optimizer.Pool

	// Resource is one pooled value.
	Resource = optimizer.Resource

	// ResourceFactory creates a pooled resource on demand.
	ResourceFactory = optimizer.ResourceFactory

	// ConfigWatcher reloads the configuration file on change.
	ConfigWatcher = config.Watcher

	// ReloadCallback receives each successfully reloaded configuration.
	ReloadCallback = config.ReloadCallback

	// WatcherOption configures a ConfigWatcher.
	WatcherOption = config.WatcherOption
)

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// NewLogger builds a zap-backed structured logger.
func NewLogger(cfg LogConfig) (Logger, error) {
	return observability.NewLogger(cfg)
}

// NewStep adapts a function into a named Step.
func NewStep(name string, fn func(ctx context.Context, req *Request) (*Response, error)) Step {
	return pipeline.NewStepFunc(name, fn)
}

// NewConfigWatcher watches a configuration file and invokes callback with
// each valid reload, debounced across editor write bursts.
func NewConfigWatcher(path string, callback ReloadCallback, opts ...WatcherOption) (*ConfigWatcher, error) {
	return config.NewWatcher(path, callback, opts...)
}

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger Logger) WatcherOption {
	return config.WithWatcherLogger(logger)
}

// WithDebounceDelay sets how long the watcher waits after the last write
// event before reloading.
func WithDebounceDelay(delay time.Duration) WatcherOption {
	return config.WithDebounceDelay(delay)
}

// WithReloadErrorCallback receives reload failures, which otherwise are
// only logged.
func WithReloadErrorCallback(callback func(error)) WatcherOption {
	return config.WithErrorCallback(callback)
}

// Engine composes the full pipeline: optimizer in front, resilient chain
// behind it, with recovery and health orchestration shared across both.
type Engine struct {
	cfg     *Config
	logger  observability.Logger
	store   cache.Store
	manager *recovery.Manager
	orch    *orchestrator.Orchestrator
	opt     *optimizer.Optimizer
	chain   *pipeline.Chain
}

// EngineOption is a functional option for constructing an Engine.
type EngineOption func(*engineOptions)

type engineOptions struct {
	logger observability.Logger
	store  cache.Store
}

// WithLogger sets the logger used by every component.
func WithLogger(logger Logger) EngineOption {
	return func(o *engineOptions) {
		o.logger = logger
	}
}

// WithCacheStore overrides the configuration-built cache store, for hosts
// that share one store across engines.
func WithCacheStore(store cache.Store) EngineOption {
	return func(o *engineOptions) {
		o.store = store
	}
}

// New builds an engine from a validated configuration and the host's step
// implementations. Every configured step must have an implementation.
func New(cfg *Config, steps []Step, opts ...EngineOption) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = observability.NopLogger()
	}

	store := o.store
	if store == nil {
		var err error
		store, err = cache.New(&cfg.Performance.Cache, o.logger)
		if err != nil {
			return nil, err
		}
	}

	manager := recovery.NewManager(
		recovery.WithManagerLogger(o.logger),
		recovery.WithFallback(pipeline.FallbackFactory),
	)
	orch := orchestrator.New(cfg, orchestrator.WithLogger(o.logger))

	chain, err := pipeline.NewChain(cfg, manager, orch, steps,
		pipeline.WithChainLogger(o.logger))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	opt := optimizer.New(cfg.Performance, store,
		optimizer.WithOptimizerLogger(o.logger))

	return &Engine{
		cfg:     cfg,
		logger:  o.logger,
		store:   store,
		manager: manager,
		orch:    orch,
		opt:     opt,
		chain:   chain,
	}, nil
}

// Start launches the engine's background work: the health loop and the
// optimizer's maintenance worker.
func (e *Engine) Start(ctx context.Context) {
	e.orch.Start(ctx)
	e.opt.Start(ctx)
	e.logger.Info("engine started")
}

// Stop cancels background work, awaits its exit and closes the cache store.
func (e *Engine) Stop() {
	e.opt.Stop()
	e.orch.Stop()
	if err := e.store.Close(); err != nil {
		e.logger.Warn("closing cache store", observability.Error(err))
	}
	e.logger.Info("engine stopped")
}

// Handle runs one request through the optimizer and the step chain.
func (e *Engine) Handle(ctx context.Context, req *Request) (*Response, error) {
	return e.opt.Execute(ctx, req, e.chain.Execute)
}

// RegisterCompensation adds a compensation action for a step. Actions
// accumulate and execute in reverse order during rollback.
func (e *Engine) RegisterCompensation(step string, fn CompensationFunc) {
	e.manager.RegisterCompensation(step, fn)
}

// RegisterHandler binds a custom recovery handler to a step, consulted
// before strategy dispatch. A handler that recovers must return a *Response;
// other return values are dropped and the chain continues without output
// from the step.
func (e *Engine) RegisterHandler(step string, fn HandlerFunc) {
	e.manager.RegisterHandler(step, fn)
}

// RegisterStrategy rebinds a step's recovery strategy at runtime. Steps
// consult the binding on every failure, so the change applies to in-flight
// traffic immediately.
func (e *Engine) RegisterStrategy(step, strategy string) error {
	parsed, err := recovery.ParseStrategy(strategy)
	if err != nil {
		return err
	}
	e.manager.RegisterStrategy(step, parsed)
	return nil
}

// NewPool builds a resource pool sized by the engine's pool configuration.
// The caller owns the pool's lifecycle.
func (e *Engine) NewPool(factory ResourceFactory) *Pool {
	return optimizer.NewPool(e.cfg.Performance.Pool, factory, e.logger)
}

// Health returns the aggregate health report across all steps.
func (e *Engine) Health() HealthReport {
	return e.orch.Report()
}

// InvalidateCache removes cached responses matching the pattern: an exact
// key, a "prefix*" wildcard, or a request path (paths tag cached responses).
func (e *Engine) InvalidateCache(ctx context.Context, pattern string) (int, error) {
	return e.opt.InvalidateResponses(ctx, pattern)
}
