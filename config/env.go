package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// ApplyEnv overlays documented environment variables onto cfg. The
// recognized set is exactly the REPOLENS_* keys plus the provider
// credentials (OPENAI_API_KEY, OPENAI_BASE_URL, OPENAI_MODEL) and
// NATS_URL; unknown variables are ignored by construction.
func ApplyEnv(cfg *Config) error {
	var err error

	setInt := func(key string, dst *int) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	setInt64 := func(key string, dst *int64) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok {
			n, perr := strconv.ParseInt(v, 10, 64)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	setFloat := func(key string, dst *float64) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok {
			f, perr := strconv.ParseFloat(v, 64)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = f
		}
	}
	setBool := func(key string, dst *bool) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setDuration := func(key string, dst *Duration) {
		if err != nil {
			return
		}
		if v, ok := os.LookupEnv(key); ok {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = Duration{d: d}
		}
	}

	setInt("REPOLENS_CONCURRENCY_GLOBAL_RUNNING_TASKS", &cfg.Concurrency.GlobalRunningTasks)
	setInt("REPOLENS_CONCURRENCY_WORKER_COUNT", &cfg.Concurrency.WorkerCount)
	setInt("REPOLENS_CONCURRENCY_PREFETCH", &cfg.Concurrency.Prefetch)

	setInt("REPOLENS_LIMITS_RPM", &cfg.Limits.RPM)
	setDuration("REPOLENS_LIMITS_REQUEST_TIMEOUT", &cfg.Limits.RequestTimeout)
	setDuration("REPOLENS_LIMITS_HARD_TIMEOUT", &cfg.Limits.HardTimeout)
	setInt64("REPOLENS_LIMITS_MAX_FILE_BYTES", &cfg.Limits.MaxFileBytes)

	setInt("REPOLENS_RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	setInt("REPOLENS_RETRY_BASE_MS", &cfg.Retry.BaseMS)
	setFloat("REPOLENS_RETRY_JITTER_FRAC", &cfg.Retry.JitterFrac)

	setInt("REPOLENS_INDEX_BATCH_SIZE", &cfg.Index.BatchSize)

	setDuration("REPOLENS_DOC_POLL_INTERVAL", &cfg.Doc.PollInterval)
	setDuration("REPOLENS_DOC_MAX_TOTAL", &cfg.Doc.MaxTotal)
	setInt("REPOLENS_DOC_SUBMIT_ATTEMPTS", &cfg.Doc.SubmitAttempts)

	setString("REPOLENS_STORE_BACKEND", &cfg.Store.Backend)
	setString("REPOLENS_STORE_DSN", &cfg.Store.DSN)
	setInt("REPOLENS_STORE_POOL_SIZE", &cfg.Store.PoolSize)

	setString("REPOLENS_PATHS_REPO_ROOT", &cfg.Paths.RepoRoot)
	setString("REPOLENS_PATHS_VECTORSTORE_ROOT", &cfg.Paths.VectorstoreRoot)

	if v, ok := os.LookupEnv("REPOLENS_PIPELINE_DOC_FAILURE_POLICY"); ok {
		cfg.Pipeline.DocFailurePolicy = DocFailurePolicy(v)
	}
	setBool("REPOLENS_PIPELINE_SKIP_DOC_ON_EMPTY", &cfg.Pipeline.SkipDocOnEmpty)
	if v, ok := os.LookupEnv("REPOLENS_PIPELINE_RESUME_POLICY"); ok {
		cfg.Pipeline.ResumePolicy = ResumePolicy(v)
	}
	setDuration("REPOLENS_PIPELINE_ORPHAN_AFTER", &cfg.Pipeline.OrphanAfter)
	setDuration("REPOLENS_PIPELINE_HEARTBEAT_INTERVAL", &cfg.Pipeline.HeartbeatInterval)

	setInt("REPOLENS_QUEUE_FALLBACK_TASK_MINUTES", &cfg.Queue.FallbackTaskMinutes)

	setBool("REPOLENS_WATCH_ENABLED", &cfg.Watch.Enabled)

	setString("REPOLENS_DIAG_LISTEN", &cfg.Diag.Listen)

	setString("REPOLENS_LLM_PROVIDER", &cfg.LLM.Provider)
	setString("OPENAI_BASE_URL", &cfg.LLM.BaseURL)
	setString("OPENAI_API_KEY", &cfg.LLM.APIKey)
	setString("OPENAI_MODEL", &cfg.LLM.Model)
	setInt("REPOLENS_LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)

	setString("REPOLENS_VECTOR_BASE_URL", &cfg.Vector.BaseURL)
	setInt("REPOLENS_VECTOR_TOP_K", &cfg.Vector.TopK)

	setString("REPOLENS_DOCGEN_BASE_URL", &cfg.DocGen.BaseURL)

	setString("NATS_URL", &cfg.NATS.URL)
	setString("REPOLENS_NATS_URL", &cfg.NATS.URL)

	return err
}
