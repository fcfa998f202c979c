package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleConfig = `
steps:
  - name: auth
    strategy: retry
    critical: true
    maxRetries: 2
  - name: policy
    strategy: fallback
  - name: write
    strategy: compensate
breaker:
  failureThreshold: 3
  recoveryTimeout: "10s"
  halfOpenMax: 2
health:
  checkInterval: "5s"
performance:
  maxConcurrent: 50
  batchSize: 4
  batchTimeout: "25ms"
  cache:
    enabled: true
    backend: memory
    ttl: "30s"
    maxEntries: 500
`

func TestLoad(t *testing.T) {
	path := writeConfigFile(t, sampleConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Len(t, cfg.Steps, 3)
	assert.Equal(t, "auth", cfg.Steps[0].Name)
	assert.True(t, cfg.Steps[0].Critical)
	assert.Equal(t, 2, cfg.Steps[0].MaxRetries)
	assert.Equal(t, StrategyFallback, cfg.Steps[1].Strategy)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Breaker.RecoveryTimeout.Duration())
	assert.Equal(t, 5*time.Second, cfg.Health.CheckInterval.Duration())

	assert.Equal(t, 50, cfg.Performance.MaxConcurrent)
	assert.Equal(t, 4, cfg.Performance.BatchSize)
	assert.True(t, cfg.Performance.Cache.Enabled)
	assert.Equal(t, 500, cfg.Performance.Cache.MaxEntries)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/chain.yaml")
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfigFile(t, "steps: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestChainConfig_Validate_Defaults(t *testing.T) {
	cfg := &ChainConfig{
		Steps: []StepConfig{{Name: "route"}},
	}
	require.NoError(t, cfg.Validate())

	assert.Empty(t, cfg.Steps[0].Strategy)
	assert.Equal(t, 3, cfg.Steps[0].MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Steps[0].RetryBackoff.Duration())

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout.Duration())
	assert.Equal(t, 3, cfg.Breaker.HalfOpenMax)
	assert.InDelta(t, 0.5, cfg.Breaker.ErrorRateThreshold, 0.001)

	assert.Equal(t, 30*time.Second, cfg.Health.CheckInterval.Duration())
	assert.Equal(t, 100, cfg.Performance.MaxConcurrent)
	assert.Equal(t, 0, cfg.Performance.BatchSize)
	assert.Equal(t, 1000, cfg.Performance.GCFrequency)
	assert.Equal(t, CacheBackendMemory, cfg.Performance.Cache.Backend)
	assert.Equal(t, 10, cfg.Performance.Pool.MaxSize)
	assert.Equal(t, 5*time.Minute, cfg.Performance.Pool.MaxAge.Duration())
}

func TestChainConfig_Validate_EmptyStepName(t *testing.T) {
	cfg := &ChainConfig{Steps: []StepConfig{{Name: ""}}}
	assert.Error(t, cfg.Validate())
}

func TestChainConfig_Validate_DuplicateStepName(t *testing.T) {
	cfg := &ChainConfig{Steps: []StepConfig{{Name: "auth"}, {Name: "auth"}}}
	assert.Error(t, cfg.Validate())
}

func TestChainConfig_Validate_UnknownStrategy(t *testing.T) {
	cfg := &ChainConfig{Steps: []StepConfig{{Name: "auth", Strategy: "explode"}}}
	assert.Error(t, cfg.Validate())
}

func TestChainConfig_Step(t *testing.T) {
	cfg := &ChainConfig{Steps: []StepConfig{{Name: "auth"}, {Name: "policy"}}}
	require.NoError(t, cfg.Validate())

	require.NotNil(t, cfg.Step("policy"))
	assert.Equal(t, "policy", cfg.Step("policy").Name)
	assert.Nil(t, cfg.Step("missing"))
}

func TestChainConfig_CriticalSteps(t *testing.T) {
	cfg := &ChainConfig{Steps: []StepConfig{
		{Name: "auth", Critical: true},
		{Name: "policy"},
		{Name: "route", Critical: true},
	}}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"auth", "route"}, cfg.CriticalSteps())
}

func TestDuration_YAMLRoundTrip(t *testing.T) {
	var cfg struct {
		Timeout Duration `yaml:"timeout"`
	}
	path := writeConfigFile(t, `timeout: "1h30m"`)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, 90*time.Minute, cfg.Timeout.Duration())

	out, err := cfg.Timeout.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1h30m0s", out)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"250ms"`)))
	assert.Equal(t, 250*time.Millisecond, d.Duration())

	b, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"250ms"`, string(b))

	require.NoError(t, d.UnmarshalJSON([]byte(`null`)))
	assert.Equal(t, time.Duration(0), d.Duration())
}
