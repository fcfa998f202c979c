package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dkrylov/pipeshield/internal/cache"
	"github.com/dkrylov/pipeshield/internal/config"
	"github.com/dkrylov/pipeshield/internal/observability"
	"github.com/dkrylov/pipeshield/internal/pipeline"
)

// NextFunc continues request processing past the optimizer, usually into a
// pipeline chain.
type NextFunc func(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error)

// Optimizer fronts a pipeline with a response cache, a counting-semaphore
// concurrency throttle, an optional rate gate, periodic maintenance and
// percentile tracking. The semaphore is the sole backpressure mechanism:
// requests beyond the bound suspend until a slot frees.
type Optimizer struct {
	cfg     config.PerformanceConfig
	store   cache.Store
	keySpec cache.KeySpec
	logger  observability.Logger

	throttle *semaphore.Weighted
	limiter  *rate.Limiter
	window   *Window
	batch    *BatchAccumulator
	batchOn  atomic.Bool

	requestCount atomic.Uint64
	maintCh      chan struct{}

	runMu     sync.Mutex
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// OptimizerOption is a functional option for configuring the optimizer.
type OptimizerOption func(*Optimizer)

// WithOptimizerLogger sets the logger.
func WithOptimizerLogger(logger observability.Logger) OptimizerOption {
	return func(o *Optimizer) {
		o.logger = logger
	}
}

// WithKeySpec overrides the cache key derivation.
func WithKeySpec(spec cache.KeySpec) OptimizerOption {
	return func(o *Optimizer) {
		o.keySpec = spec
	}
}

// New creates an optimizer over the given cache store. cfg must already be
// validated. store may be nil to disable response caching entirely.
func New(cfg config.PerformanceConfig, store cache.Store, opts ...OptimizerOption) *Optimizer {
	o := &Optimizer{
		cfg:      cfg,
		store:    store,
		keySpec:  cache.DefaultKeySpec(),
		logger:   observability.NopLogger(),
		throttle: semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		window:   NewWindow(cfg.WindowSize),
		maintCh:  make(chan struct{}, 1),
	}

	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	for _, opt := range opts {
		opt(o)
	}

	if cfg.BatchSize > 0 {
		o.batch = NewBatchAccumulator(cfg.BatchSize, cfg.BatchTimeout.Duration(), nil, o.logger)
	}

	return o
}

// Execute runs one request through the optimizer: rate gate, response cache
// lookup, batch accumulation for read-only misses, concurrency throttle,
// then next. Cacheable successful responses are stored on the way out.
func (o *Optimizer) Execute(ctx context.Context, req *pipeline.Request, next NextFunc) (*pipeline.Response, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var key string
	cacheable := o.store != nil && requestCacheable(req)
	if cacheable {
		key = o.keySpec.Build(req.Method, req.Path, req.Query, req.Header)
		if resp, ok := o.lookup(ctx, key); ok {
			o.bumpRequestCount()
			return resp, nil
		}
	}

	var resp *pipeline.Response
	var err error
	if o.batchable(req) {
		// Accumulate read-only misses and execute them in flushed groups.
		// Each item still runs next for itself when its batch fires.
		resp, err = o.batch.SubmitFunc(ctx, req, func(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
			return o.invoke(ctx, req, next)
		})
	} else {
		resp, err = o.invoke(ctx, req, next)
	}
	if err != nil {
		return nil, err
	}

	if cacheable && responseCacheable(resp) {
		o.storeResponse(ctx, key, req, resp)
	}

	return resp, nil
}

// invoke runs the downstream function under the concurrency throttle and
// records its latency sample.
func (o *Optimizer) invoke(ctx context.Context, req *pipeline.Request, next NextFunc) (*pipeline.Response, error) {
	waitStart := time.Now()
	if err := o.throttle.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	recordThrottleWait(time.Since(waitStart))
	defer o.throttle.Release(1)

	start := time.Now()
	resp, err := next(ctx, req)
	o.window.Record(time.Since(start))
	o.bumpRequestCount()
	return resp, err
}

// batchable reports whether a request goes through the accumulator: batching
// configured and running, and the request is read-only. Writes always bypass
// the batch so they are never delayed behind the flush timer.
func (o *Optimizer) batchable(req *pipeline.Request) bool {
	if o.batch == nil || !o.batchOn.Load() {
		return false
	}
	return req.Method == "GET" || req.Method == "HEAD"
}

// InvalidateResponses removes cached responses matching the pattern: an
// exact key, a "prefix*" wildcard, or an exact tag (request paths are tags).
func (o *Optimizer) InvalidateResponses(ctx context.Context, pattern string) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	return o.store.Invalidate(ctx, pattern)
}

// ResponseWindow returns the response-time sample window.
func (o *Optimizer) ResponseWindow() *Window {
	return o.window
}

// Start launches the maintenance worker.
func (o *Optimizer) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.stopCh != nil {
		return
	}
	o.stopCh = make(chan struct{})
	o.stoppedCh = make(chan struct{})

	if o.batch != nil {
		o.batch.Start(ctx)
		o.batchOn.Store(true)
	}

	go o.maintenanceLoop(ctx, o.stopCh, o.stoppedCh)
}

// Stop cancels the maintenance worker and awaits its exit.
func (o *Optimizer) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.stopCh == nil {
		return
	}

	if o.batch != nil {
		o.batchOn.Store(false)
		o.batch.Stop()
	}

	close(o.stopCh)
	<-o.stoppedCh
	o.stopCh = nil
	o.stoppedCh = nil
}

// bumpRequestCount counts one handled request and schedules a maintenance
// pass every GCFrequency requests. Scheduling never blocks request handling.
func (o *Optimizer) bumpRequestCount() {
	count := o.requestCount.Add(1)
	if o.cfg.GCFrequency > 0 && count%uint64(o.cfg.GCFrequency) == 0 {
		select {
		case o.maintCh <- struct{}{}:
		default:
		}
	}
}

func (o *Optimizer) maintenanceLoop(ctx context.Context, stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	for {
		select {
		case <-o.maintCh:
			o.maintain(ctx)
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		}
	}
}

// maintain is the periodic accounting pass: it publishes percentile gauges
// and cache statistics. Expired-entry sweeping is the store's own loop.
func (o *Optimizer) maintain(ctx context.Context) {
	p95, p99 := o.window.P95(), o.window.P99()
	recordPercentiles(p95, p99)

	fields := []observability.Field{
		observability.Duration("p95", p95),
		observability.Duration("p99", p99),
		observability.Int64("requests", int64(o.requestCount.Load())),
	}

	if o.store != nil {
		stats := o.store.Stats()
		fields = append(fields,
			observability.Int64("cache_hits", stats.Hits),
			observability.Int64("cache_misses", stats.Misses),
			observability.Int64("cache_size", stats.Size),
		)
	}

	o.logger.Debug("maintenance pass", fields...)
}

func (o *Optimizer) lookup(ctx context.Context, key string) (*pipeline.Response, bool) {
	data, err := o.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) && !errors.Is(err, cache.ErrCacheDisabled) {
			o.logger.Warn("response cache lookup failed", observability.Error(err))
		}
		recordResponseCache(false)
		return nil, false
	}

	var resp pipeline.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		o.logger.Warn("dropping undecodable cached response", observability.Error(err))
		recordResponseCache(false)
		return nil, false
	}

	recordResponseCache(true)
	if resp.Header == nil {
		resp.Header = make(map[string]string)
	}
	resp.Header["X-Cache"] = "HIT"
	return &resp, true
}

func (o *Optimizer) storeResponse(ctx context.Context, key string, req *pipeline.Request, resp *pipeline.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}

	// The request path doubles as an invalidation tag.
	err = o.store.Set(ctx, key, data, o.cfg.Cache.TTL.Duration(), req.Path)
	if err != nil && !errors.Is(err, cache.ErrCacheDisabled) {
		o.logger.Warn("response cache store failed", observability.Error(err))
	}
}

// requestCacheable reports whether the request may be served from cache:
// safe method and no client opt-out.
func requestCacheable(req *pipeline.Request) bool {
	if req.Method != "GET" && req.Method != "HEAD" {
		return false
	}
	cc := strings.ToLower(req.HeaderValue("Cache-Control"))
	if strings.Contains(cc, "no-cache") || strings.Contains(cc, "no-store") {
		return false
	}
	return true
}

// responseCacheable reports whether the response may be stored: successful,
// not synthetic, not opted out.
func responseCacheable(resp *pipeline.Response) bool {
	return resp != nil && resp.IsSuccess() && !resp.Fallback && !resp.NoStore
}
