package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 1, cfg.Concurrency.GlobalRunningTasks)
	assert.Equal(t, 500, cfg.Limits.RPM)
	assert.Equal(t, 120*time.Second, cfg.Limits.RequestTimeout.Value())
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 100, cfg.Index.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Doc.PollInterval.Value())
	assert.Equal(t, DocFailureFail, cfg.Pipeline.DocFailurePolicy)
	assert.Equal(t, ResumePolicyResume, cfg.Pipeline.ResumePolicy)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero running tasks", func(c *Config) { c.Concurrency.GlobalRunningTasks = 0 }},
		{"zero workers", func(c *Config) { c.Concurrency.WorkerCount = 0 }},
		{"zero rpm", func(c *Config) { c.Limits.RPM = 0 }},
		{"hard below request", func(c *Config) { c.Limits.HardTimeout = Seconds(1) }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"jitter out of range", func(c *Config) { c.Retry.JitterFrac = 1.0 }},
		{"zero batch", func(c *Config) { c.Index.BatchSize = 0 }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "postgres" }},
		{"missing repo root", func(c *Config) { c.Paths.RepoRoot = "" }},
		{"bad doc policy", func(c *Config) { c.Pipeline.DocFailurePolicy = "retry" }},
		{"bad resume policy", func(c *Config) { c.Pipeline.ResumePolicy = "replay" }},
		{"missing model", func(c *Config) { c.LLM.Model = "" }},
		{"zero top k", func(c *Config) { c.Vector.TopK = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "repolens.yaml")
	content := `
concurrency:
  global_running_tasks: 3
  worker_count: 8
limits:
  rpm: 120
  request_timeout: 30s
  hard_timeout: 2m
doc:
  poll_interval: 2s
  max_total: 90
llm:
  model: test-model
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Concurrency.GlobalRunningTasks)
	assert.Equal(t, 8, cfg.Concurrency.WorkerCount)
	assert.Equal(t, 120, cfg.Limits.RPM)
	assert.Equal(t, 30*time.Second, cfg.Limits.RequestTimeout.Value())
	assert.Equal(t, 2*time.Minute, cfg.Limits.HardTimeout.Value())
	assert.Equal(t, 2*time.Second, cfg.Doc.PollInterval.Value())
	// Bare integers read as seconds.
	assert.Equal(t, 90*time.Second, cfg.Doc.MaxTotal.Value())
	assert.Equal(t, "test-model", cfg.LLM.Model)
	// Untouched keys keep defaults.
	assert.Equal(t, 100, cfg.Index.BatchSize)
}

func TestLoadExpandsEnvReferences(t *testing.T) {
	t.Setenv("TEST_REPOLENS_MODEL", "expanded-model")

	dir := t.TempDir()
	path := filepath.Join(dir, "repolens.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  model: ${TEST_REPOLENS_MODEL}\n"), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded-model", cfg.LLM.Model)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("REPOLENS_CONCURRENCY_GLOBAL_RUNNING_TASKS", "4")
	t.Setenv("REPOLENS_LIMITS_RPM", "42")
	t.Setenv("REPOLENS_DOC_POLL_INTERVAL", "750ms")
	t.Setenv("REPOLENS_PIPELINE_DOC_FAILURE_POLICY", "complete")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENAI_MODEL", "gpt-test")
	t.Setenv("NATS_URL", "nats://example:4222")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(cfg))

	assert.Equal(t, 4, cfg.Concurrency.GlobalRunningTasks)
	assert.Equal(t, 42, cfg.Limits.RPM)
	assert.Equal(t, 750*time.Millisecond, cfg.Doc.PollInterval.Value())
	assert.Equal(t, DocFailureComplete, cfg.Pipeline.DocFailurePolicy)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
	assert.Equal(t, "gpt-test", cfg.LLM.Model)
	assert.Equal(t, "nats://example:4222", cfg.NATS.URL)
}

func TestApplyEnvRejectsGarbage(t *testing.T) {
	t.Setenv("REPOLENS_LIMITS_RPM", "lots")

	cfg := DefaultConfig()
	assert.Error(t, ApplyEnv(cfg))
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{}
	override.Concurrency.WorkerCount = 16
	override.LLM.Model = "other-model"
	override.Doc.PollInterval = Seconds(1)

	base.Merge(override)

	assert.Equal(t, 16, base.Concurrency.WorkerCount)
	assert.Equal(t, "other-model", base.LLM.Model)
	assert.Equal(t, time.Second, base.Doc.PollInterval.Value())
	// Zero values in the override leave the base untouched.
	assert.Equal(t, 1, base.Concurrency.GlobalRunningTasks)
	assert.Equal(t, 500, base.Limits.RPM)
}

func TestMergeNil(t *testing.T) {
	base := DefaultConfig()
	base.Merge(nil)
	assert.NoError(t, base.Validate())
}

func TestDurationYAMLRoundTrip(t *testing.T) {
	out, err := Seconds(90).MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", out)
}
