package pipeshield

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrylov/pipeshield/internal/config"
)

func engineConfig() *Config {
	return &Config{
		Steps: []config.StepConfig{
			{Name: "validate", Strategy: config.StrategyAbort, Critical: true},
			{Name: "fetch", Strategy: config.StrategyRetry, MaxRetries: 2},
			{Name: "respond"},
		},
		Performance: config.PerformanceConfig{
			Cache: config.CacheConfig{
				Enabled: true,
				TTL:     config.Duration(time.Minute),
			},
		},
	}
}

func engineSteps(fetchFails *atomic.Int32) []Step {
	return []Step{
		NewStep("validate", func(ctx context.Context, req *Request) (*Response, error) {
			if len(req.Body) == 0 && req.Method != "GET" {
				return nil, errors.New("empty body")
			}
			return nil, nil
		}),
		NewStep("fetch", func(ctx context.Context, req *Request) (*Response, error) {
			if fetchFails != nil && fetchFails.Load() > 0 {
				fetchFails.Add(-1)
				return nil, errors.New("upstream hiccup")
			}
			return nil, nil
		}),
		NewStep("respond", func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{Status: 200, Body: []byte("ok")}, nil
		}),
	}
}

func TestEngineEndToEnd(t *testing.T) {
	engine, err := New(engineConfig(), engineSteps(nil))
	require.NoError(t, err)

	engine.Start(context.Background())
	defer engine.Stop()

	resp, err := engine.Handle(context.Background(), &Request{Method: "GET", Path: "/things"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, []byte("ok"), resp.Body)

	health := engine.Health()
	assert.Len(t, health.Steps, 3)
}

func TestEngineRetriesThroughHandle(t *testing.T) {
	var fails atomic.Int32
	fails.Store(2)

	engine, err := New(engineConfig(), engineSteps(&fails))
	require.NoError(t, err)
	defer engine.Stop()

	resp, err := engine.Handle(context.Background(),
		&Request{Method: "POST", Path: "/things", Body: []byte(`{}`)})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, int32(0), fails.Load())
}

func TestEngineServesFromCache(t *testing.T) {
	var handled atomic.Int32
	steps := []Step{
		NewStep("validate", func(ctx context.Context, req *Request) (*Response, error) {
			return nil, nil
		}),
		NewStep("fetch", func(ctx context.Context, req *Request) (*Response, error) {
			return nil, nil
		}),
		NewStep("respond", func(ctx context.Context, req *Request) (*Response, error) {
			handled.Add(1)
			return &Response{Status: 200, Body: []byte("fresh")}, nil
		}),
	}

	engine, err := New(engineConfig(), steps)
	require.NoError(t, err)
	defer engine.Stop()

	for i := 0; i < 3; i++ {
		resp, err := engine.Handle(context.Background(), &Request{Method: "GET", Path: "/cached"})
		require.NoError(t, err)
		assert.Equal(t, []byte("fresh"), resp.Body)
	}
	assert.Equal(t, int32(1), handled.Load())

	removed, err := engine.InvalidateCache(context.Background(), "/cached")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = engine.Handle(context.Background(), &Request{Method: "GET", Path: "/cached"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), handled.Load())
}

func TestEngineCompensationRegistration(t *testing.T) {
	var compensated atomic.Int32

	cfg := engineConfig()
	cfg.Steps = []config.StepConfig{
		{Name: "validate", Strategy: config.StrategyAbort, Critical: true},
		{Name: "fetch", Strategy: config.StrategyRetry, MaxRetries: 2},
		{Name: "write", Strategy: config.StrategyCompensate},
		{Name: "respond"},
	}

	steps := engineSteps(nil)
	steps = append(steps, NewStep("write", func(ctx context.Context, req *Request) (*Response, error) {
		return nil, errors.New("write conflict")
	}))

	engine, err := New(cfg, steps)
	require.NoError(t, err)
	defer engine.Stop()

	engine.RegisterCompensation("write", func(ctx context.Context) error {
		compensated.Add(1)
		return nil
	})

	resp, err := engine.Handle(context.Background(),
		&Request{Method: "POST", Path: "/things", Body: []byte(`{}`)})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, int32(1), compensated.Load())
}

func TestEngineCustomHandler(t *testing.T) {
	var fails atomic.Int32
	fails.Store(5)

	engine, err := New(engineConfig(), engineSteps(&fails))
	require.NoError(t, err)
	defer engine.Stop()

	engine.RegisterHandler("fetch", func(ctx context.Context, ec *ErrorContext) (interface{}, error) {
		return nil, nil
	})

	resp, err := engine.Handle(context.Background(),
		&Request{Method: "POST", Path: "/things", Body: []byte(`{}`)})

	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	// The handler recovered the first failure, so no retries were spent.
	assert.Equal(t, int32(4), fails.Load())
}

func TestEngineMissingStep(t *testing.T) {
	_, err := New(engineConfig(), nil)
	require.Error(t, err)
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := engineConfig()
	cfg.Steps = append(cfg.Steps, config.StepConfig{Name: "fetch"})

	_, err := New(cfg, engineSteps(nil))
	require.Error(t, err)
}

func TestEngineRegisterStrategy(t *testing.T) {
	var fails atomic.Int32
	fails.Store(100)
	engine, err := New(engineConfig(), engineSteps(&fails))
	require.NoError(t, err)
	defer engine.Stop()

	require.NoError(t, engine.RegisterStrategy("fetch", "abort"))
	_, err = engine.Handle(context.Background(), &Request{Method: "GET", Path: "/flaky"})
	require.Error(t, err)

	// Rebinding applies to the next request without a rebuild.
	require.NoError(t, engine.RegisterStrategy("fetch", "bypass"))
	resp, err := engine.Handle(context.Background(), &Request{Method: "GET", Path: "/flaky"})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)

	assert.Error(t, engine.RegisterStrategy("fetch", "explode"))
}

func TestEngineNewPool(t *testing.T) {
	cfg := engineConfig()
	cfg.Performance.Pool = config.PoolConfig{
		MaxSize: 2,
		MaxAge:  config.Duration(time.Minute),
	}
	engine, err := New(cfg, engineSteps(nil))
	require.NoError(t, err)
	defer engine.Stop()

	var created atomic.Int32
	pool := engine.NewPool(func(ctx context.Context) (interface{}, error) {
		return int(created.Add(1)), nil
	})
	defer pool.Close()

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	second, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	// Both configured slots are held: a third acquire must wait.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Release(first)
	pool.Release(second)
	assert.Equal(t, int32(2), created.Load())
}

func TestEngineConfigWatcher(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - name: route\n"), 0o600))

	var reloaded atomic.Int32
	watcher, err := NewConfigWatcher(path,
		func(cfg *Config) { reloaded.Add(1) },
		WithDebounceDelay(10*time.Millisecond),
	)
	require.NoError(t, err)

	require.NoError(t, watcher.Start(context.Background()))
	defer func() { _ = watcher.Stop() }()

	require.NotNil(t, watcher.LastConfig())
	assert.Equal(t, "route", watcher.LastConfig().Steps[0].Name)

	require.NoError(t, os.WriteFile(path, []byte("steps:\n  - name: reroute\n"), 0o600))
	require.Eventually(t, func() bool {
		return reloaded.Load() > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "reroute", watcher.LastConfig().Steps[0].Name)
}
