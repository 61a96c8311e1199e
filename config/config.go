// Package config provides configuration loading and management for RepoLens.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DocFailurePolicy selects how a Document-stage failure affects the task.
type DocFailurePolicy string

const (
	// DocFailureFail marks the task failed when document generation fails.
	DocFailureFail DocFailurePolicy = "fail"
	// DocFailureComplete marks the task completed; analysis artifacts exist
	// even though no README was produced.
	DocFailureComplete DocFailurePolicy = "complete"
)

// ResumePolicy selects what happens to tasks found running at startup.
type ResumePolicy string

const (
	// ResumePolicyResume re-dispatches interrupted tasks from their
	// persisted step.
	ResumePolicyResume ResumePolicy = "resume"
	// ResumePolicyFail marks interrupted tasks failed with a crash error.
	ResumePolicyFail ResumePolicy = "fail"
)

// Config represents the complete RepoLens configuration.
type Config struct {
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Limits      LimitsConfig      `yaml:"limits"`
	Retry       RetryConfig       `yaml:"retry"`
	Index       IndexConfig       `yaml:"index"`
	Doc         DocConfig         `yaml:"doc"`
	Store       StoreConfig       `yaml:"store"`
	Paths       PathsConfig       `yaml:"paths"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Queue       QueueConfig       `yaml:"queue"`
	Watch       WatchConfig       `yaml:"watch"`
	Diag        DiagConfig        `yaml:"diag"`
	LLM         LLMConfig         `yaml:"llm"`
	Vector      VectorConfig      `yaml:"vector"`
	DocGen      DocGenConfig      `yaml:"docgen"`
	NATS        NATSConfig        `yaml:"nats"`
}

// ConcurrencyConfig bounds task admission and the analysis worker pool.
type ConcurrencyConfig struct {
	// GlobalRunningTasks is the maximum number of tasks in status=running.
	GlobalRunningTasks int `yaml:"global_running_tasks"`
	// WorkerCount is the analysis worker pool size.
	WorkerCount int `yaml:"worker_count"`
	// Prefetch is the number of queued files a worker may hold beyond its
	// active one.
	Prefetch int `yaml:"prefetch"`
}

// LimitsConfig bounds LLM request rate, time, and input size.
type LimitsConfig struct {
	// RPM is the global LLM token-bucket rate in requests per minute.
	RPM int `yaml:"rpm"`
	// RequestTimeout is the per-request LLM timeout.
	RequestTimeout Duration `yaml:"request_timeout"`
	// HardTimeout caps a single file analysis including retries.
	HardTimeout Duration `yaml:"hard_timeout"`
	// MaxFileBytes is the per-file input budget; larger files are marked
	// failed with an input error.
	MaxFileBytes int64 `yaml:"max_file_bytes"`
}

// RetryConfig holds backoff parameters for transient failures.
type RetryConfig struct {
	// MaxAttempts is the number of attempts per operation.
	MaxAttempts int `yaml:"max_attempts"`
	// BaseMS is the initial backoff in milliseconds.
	BaseMS int `yaml:"base_ms"`
	// JitterFrac is the +/- jitter fraction applied to each delay.
	JitterFrac float64 `yaml:"jitter_frac"`
}

// IndexConfig controls the Index stage.
type IndexConfig struct {
	// BatchSize is the number of documents per add-documents call.
	BatchSize int `yaml:"batch_size"`
}

// DocConfig controls Document-stage polling.
type DocConfig struct {
	// PollInterval is the delay between status polls.
	PollInterval Duration `yaml:"poll_interval"`
	// MaxTotal bounds the whole polling phase.
	MaxTotal Duration `yaml:"max_total"`
	// SubmitAttempts bounds submission retries when the service is busy.
	SubmitAttempts int `yaml:"submit_attempts"`
}

// StoreConfig selects and tunes the task store backend.
type StoreConfig struct {
	// Backend is "nats" or "memory".
	Backend string `yaml:"backend"`
	// DSN is the store connection string (NATS URL for the nats backend).
	DSN string `yaml:"dsn"`
	// PoolSize bounds concurrent store operations for backends that pool.
	PoolSize int `yaml:"pool_size"`
}

// PathsConfig holds filesystem roots.
type PathsConfig struct {
	// RepoRoot is the directory holding content-addressed repository
	// uploads.
	RepoRoot string `yaml:"repo_root"`
	// VectorstoreRoot is the local vector store directory, if the vector
	// adapter is local.
	VectorstoreRoot string `yaml:"vectorstore_root"`
}

// PipelineConfig holds driver policies.
type PipelineConfig struct {
	// DocFailurePolicy is "fail" or "complete".
	DocFailurePolicy DocFailurePolicy `yaml:"doc_failure_policy"`
	// SkipDocOnEmpty skips the Document stage for repositories with no
	// candidate files.
	SkipDocOnEmpty bool `yaml:"skip_doc_on_empty"`
	// ResumePolicy is "resume" or "fail".
	ResumePolicy ResumePolicy `yaml:"resume_policy"`
	// OrphanAfter is how stale a running task's heartbeat may be before
	// the dispatcher reclaims it.
	OrphanAfter Duration `yaml:"orphan_after"`
	// HeartbeatInterval is how often the driver stamps a running task.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`
}

// QueueConfig tunes the admission queue.
type QueueConfig struct {
	// FallbackTaskMinutes seeds the wait estimate before any task has
	// completed.
	FallbackTaskMinutes int `yaml:"fallback_task_minutes"`
}

// WatchConfig controls the repository change watcher.
type WatchConfig struct {
	// Enabled turns on fsnotify watching of registered repositories.
	Enabled bool `yaml:"enabled"`
}

// DiagConfig configures the diagnostics HTTP listener.
type DiagConfig struct {
	// Listen is the address for /healthz, /readyz and /metrics. Empty
	// disables the listener.
	Listen string `yaml:"listen"`
}

// LLMConfig configures the LLM adapter.
type LLMConfig struct {
	// Provider is the provider identifier (e.g. "openai").
	Provider string `yaml:"provider"`
	// BaseURL is the API base URL.
	BaseURL string `yaml:"base_url"`
	// APIKey authenticates requests. Usually injected via OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`
	// Model is the model identifier.
	Model string `yaml:"model"`
	// MaxTokens caps the completion size per request.
	MaxTokens int `yaml:"max_tokens"`
}

// VectorConfig configures the vector index adapter.
type VectorConfig struct {
	// BaseURL is the vector index service URL.
	BaseURL string `yaml:"base_url"`
	// TopK is the number of context chunks retrieved per analysis query.
	TopK int `yaml:"top_k"`
}

// DocGenConfig configures the document generation adapter.
type DocGenConfig struct {
	// BaseURL is the document generation service URL.
	BaseURL string `yaml:"base_url"`
}

// NATSConfig configures the NATS connection used for the store backend and
// progress events.
type NATSConfig struct {
	// URL is the NATS server URL.
	URL string `yaml:"url"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Concurrency: ConcurrencyConfig{
			GlobalRunningTasks: 1,
			WorkerCount:        4,
			Prefetch:           2,
		},
		Limits: LimitsConfig{
			RPM:            500,
			RequestTimeout: Seconds(120),
			HardTimeout:    Seconds(300),
			MaxFileBytes:   1 << 20,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseMS:      2000,
			JitterFrac:  0.25,
		},
		Index: IndexConfig{
			BatchSize: 100,
		},
		Doc: DocConfig{
			PollInterval:   Seconds(5),
			MaxTotal:       Seconds(300),
			SubmitAttempts: 50,
		},
		Store: StoreConfig{
			Backend:  "nats",
			DSN:      "nats://localhost:4222",
			PoolSize: 4,
		},
		Paths: PathsConfig{
			RepoRoot:        "./data/repos",
			VectorstoreRoot: "./data/vectorstores",
		},
		Pipeline: PipelineConfig{
			DocFailurePolicy:  DocFailureFail,
			SkipDocOnEmpty:    true,
			ResumePolicy:      ResumePolicyResume,
			OrphanAfter:       Seconds(60),
			HeartbeatInterval: Seconds(15),
		},
		Queue: QueueConfig{
			FallbackTaskMinutes: 5,
		},
		Watch: WatchConfig{
			Enabled: false,
		},
		Diag: DiagConfig{
			Listen: ":8660",
		},
		LLM: LLMConfig{
			Provider:  "openai",
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			MaxTokens: 4096,
		},
		Vector: VectorConfig{
			BaseURL: "http://localhost:8001",
			TopK:    5,
		},
		DocGen: DocGenConfig{
			BaseURL: "http://localhost:8002",
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Concurrency.GlobalRunningTasks < 1 {
		return fmt.Errorf("concurrency.global_running_tasks must be at least 1")
	}
	if c.Concurrency.WorkerCount < 1 {
		return fmt.Errorf("concurrency.worker_count must be at least 1")
	}
	if c.Concurrency.Prefetch < 0 {
		return fmt.Errorf("concurrency.prefetch must not be negative")
	}
	if c.Limits.RPM < 1 {
		return fmt.Errorf("limits.rpm must be at least 1")
	}
	if c.Limits.RequestTimeout.Value() <= 0 {
		return fmt.Errorf("limits.request_timeout must be positive")
	}
	if c.Limits.HardTimeout.Value() < c.Limits.RequestTimeout.Value() {
		return fmt.Errorf("limits.hard_timeout must not be below limits.request_timeout")
	}
	if c.Limits.MaxFileBytes <= 0 {
		return fmt.Errorf("limits.max_file_bytes must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseMS < 1 {
		return fmt.Errorf("retry.base_ms must be at least 1")
	}
	if c.Retry.JitterFrac < 0 || c.Retry.JitterFrac >= 1 {
		return fmt.Errorf("retry.jitter_frac must be in [0, 1)")
	}
	if c.Index.BatchSize < 1 {
		return fmt.Errorf("index.batch_size must be at least 1")
	}
	if c.Doc.PollInterval.Value() <= 0 {
		return fmt.Errorf("doc.poll_interval must be positive")
	}
	if c.Doc.MaxTotal.Value() < c.Doc.PollInterval.Value() {
		return fmt.Errorf("doc.max_total must not be below doc.poll_interval")
	}
	if c.Doc.SubmitAttempts < 1 {
		return fmt.Errorf("doc.submit_attempts must be at least 1")
	}
	switch c.Store.Backend {
	case "nats", "memory":
	default:
		return fmt.Errorf("store.backend must be nats or memory, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "nats" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required for the nats backend")
	}
	if c.Paths.RepoRoot == "" {
		return fmt.Errorf("paths.repo_root is required")
	}
	switch c.Pipeline.DocFailurePolicy {
	case DocFailureFail, DocFailureComplete:
	default:
		return fmt.Errorf("pipeline.doc_failure_policy must be fail or complete, got %q", c.Pipeline.DocFailurePolicy)
	}
	switch c.Pipeline.ResumePolicy {
	case ResumePolicyResume, ResumePolicyFail:
	default:
		return fmt.Errorf("pipeline.resume_policy must be resume or fail, got %q", c.Pipeline.ResumePolicy)
	}
	if c.Pipeline.OrphanAfter.Value() <= 0 {
		return fmt.Errorf("pipeline.orphan_after must be positive")
	}
	if c.Pipeline.HeartbeatInterval.Value() <= 0 {
		return fmt.Errorf("pipeline.heartbeat_interval must be positive")
	}
	if c.Queue.FallbackTaskMinutes < 1 {
		return fmt.Errorf("queue.fallback_task_minutes must be at least 1")
	}
	if c.LLM.Provider == "" {
		return fmt.Errorf("llm.provider is required")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.MaxTokens < 1 {
		return fmt.Errorf("llm.max_tokens must be at least 1")
	}
	if c.Vector.BaseURL == "" {
		return fmt.Errorf("vector.base_url is required")
	}
	if c.Vector.TopK < 1 {
		return fmt.Errorf("vector.top_k must be at least 1")
	}
	if c.DocGen.BaseURL == "" {
		return fmt.Errorf("docgen.base_url is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file. Environment variable
// references (${VAR} or $VAR) in the file are expanded before parsing, and
// documented environment overrides are applied afterwards.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := ApplyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

// Load returns defaults plus environment overrides when no file is given,
// or the parsed file when one is.
func Load(path string) (*Config, error) {
	if path == "" {
		config := DefaultConfig()
		if err := ApplyEnv(config); err != nil {
			return nil, err
		}
		return config, nil
	}
	return LoadFromFile(path)
}

// parseFile parses a YAML file into a zero-valued Config so that Merge
// layering only applies keys the file actually sets.
func parseFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Concurrency.GlobalRunningTasks != 0 {
		c.Concurrency.GlobalRunningTasks = other.Concurrency.GlobalRunningTasks
	}
	if other.Concurrency.WorkerCount != 0 {
		c.Concurrency.WorkerCount = other.Concurrency.WorkerCount
	}
	if other.Concurrency.Prefetch != 0 {
		c.Concurrency.Prefetch = other.Concurrency.Prefetch
	}

	if other.Limits.RPM != 0 {
		c.Limits.RPM = other.Limits.RPM
	}
	if other.Limits.RequestTimeout.Value() != 0 {
		c.Limits.RequestTimeout = other.Limits.RequestTimeout
	}
	if other.Limits.HardTimeout.Value() != 0 {
		c.Limits.HardTimeout = other.Limits.HardTimeout
	}
	if other.Limits.MaxFileBytes != 0 {
		c.Limits.MaxFileBytes = other.Limits.MaxFileBytes
	}

	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.BaseMS != 0 {
		c.Retry.BaseMS = other.Retry.BaseMS
	}
	if other.Retry.JitterFrac != 0 {
		c.Retry.JitterFrac = other.Retry.JitterFrac
	}

	if other.Index.BatchSize != 0 {
		c.Index.BatchSize = other.Index.BatchSize
	}

	if other.Doc.PollInterval.Value() != 0 {
		c.Doc.PollInterval = other.Doc.PollInterval
	}
	if other.Doc.MaxTotal.Value() != 0 {
		c.Doc.MaxTotal = other.Doc.MaxTotal
	}
	if other.Doc.SubmitAttempts != 0 {
		c.Doc.SubmitAttempts = other.Doc.SubmitAttempts
	}

	if other.Store.Backend != "" {
		c.Store.Backend = other.Store.Backend
	}
	if other.Store.DSN != "" {
		c.Store.DSN = other.Store.DSN
	}
	if other.Store.PoolSize != 0 {
		c.Store.PoolSize = other.Store.PoolSize
	}

	if other.Paths.RepoRoot != "" {
		c.Paths.RepoRoot = other.Paths.RepoRoot
	}
	if other.Paths.VectorstoreRoot != "" {
		c.Paths.VectorstoreRoot = other.Paths.VectorstoreRoot
	}

	if other.Pipeline.DocFailurePolicy != "" {
		c.Pipeline.DocFailurePolicy = other.Pipeline.DocFailurePolicy
	}
	if other.Pipeline.ResumePolicy != "" {
		c.Pipeline.ResumePolicy = other.Pipeline.ResumePolicy
	}
	if other.Pipeline.OrphanAfter.Value() != 0 {
		c.Pipeline.OrphanAfter = other.Pipeline.OrphanAfter
	}
	if other.Pipeline.HeartbeatInterval.Value() != 0 {
		c.Pipeline.HeartbeatInterval = other.Pipeline.HeartbeatInterval
	}

	if other.Queue.FallbackTaskMinutes != 0 {
		c.Queue.FallbackTaskMinutes = other.Queue.FallbackTaskMinutes
	}

	if other.Diag.Listen != "" {
		c.Diag.Listen = other.Diag.Listen
	}

	if other.LLM.Provider != "" {
		c.LLM.Provider = other.LLM.Provider
	}
	if other.LLM.BaseURL != "" {
		c.LLM.BaseURL = other.LLM.BaseURL
	}
	if other.LLM.APIKey != "" {
		c.LLM.APIKey = other.LLM.APIKey
	}
	if other.LLM.Model != "" {
		c.LLM.Model = other.LLM.Model
	}
	if other.LLM.MaxTokens != 0 {
		c.LLM.MaxTokens = other.LLM.MaxTokens
	}

	if other.Vector.BaseURL != "" {
		c.Vector.BaseURL = other.Vector.BaseURL
	}
	if other.Vector.TopK != 0 {
		c.Vector.TopK = other.Vector.TopK
	}

	if other.DocGen.BaseURL != "" {
		c.DocGen.BaseURL = other.DocGen.BaseURL
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
}
