package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/c360studio/repolens/analysis"
	"github.com/c360studio/repolens/config"
	"github.com/c360studio/repolens/docgen"
	"github.com/c360studio/repolens/health"
	"github.com/c360studio/repolens/llm"
	"github.com/c360studio/repolens/orchestrator"
	"github.com/c360studio/repolens/pipeline"
	"github.com/c360studio/repolens/progress"
	"github.com/c360studio/repolens/queue"
	"github.com/c360studio/repolens/repos"
	"github.com/c360studio/repolens/store"
	"github.com/c360studio/repolens/store/memstore"
	"github.com/c360studio/repolens/store/natskv"
	"github.com/c360studio/repolens/vectorindex"
)

// App wires the store, the adapters, the worker pool, the pipeline driver,
// the admission queue, and the orchestrator facade into one runnable
// process.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   store.Store
	service *orchestrator.Service
}

// newApp builds every component from the loaded configuration. The NATS
// client is nil for the memory backend; the store is then process-local and
// progress publishing is disabled.
func newApp(ctx context.Context, cfg *config.Config, nc *natsclient.Client, logger *slog.Logger) (*App, error) {
	st, err := openStore(ctx, cfg, nc)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	registry, err := health.New(health.Config{
		HeartbeatInterval: cfg.Pipeline.HeartbeatInterval.Value(),
		PollInterval:      health.DefaultConfig().PollInterval,
	}, health.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create health registry: %w", err)
	}

	// Adapters, each wrapped with the registry's call instrumentation.
	llmClient := llm.NewClient(llm.Settings{
		Provider:       cfg.LLM.Provider,
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		MaxTokens:      cfg.LLM.MaxTokens,
		RequestTimeout: cfg.Limits.RequestTimeout.Value(),
	}, llm.WithLogger(logger))
	vecClient := vectorindex.NewClient(cfg.Vector.BaseURL, vectorindex.WithLogger(logger))
	docClient := docgen.NewClient(cfg.DocGen.BaseURL, docgen.WithLogger(logger))

	pool, err := analysis.New(st, registry.Completer(llmClient), registry.Querier(vecClient), analysis.Config{
		Workers:     cfg.Concurrency.WorkerCount,
		Prefetch:    cfg.Concurrency.Prefetch,
		RPM:         cfg.Limits.RPM,
		MaxAttempts: cfg.Retry.MaxAttempts,
		BackoffBase: time.Duration(cfg.Retry.BaseMS) * time.Millisecond,
		JitterFrac:  cfg.Retry.JitterFrac,
		HardTimeout: cfg.Limits.HardTimeout.Value(),
		TopK:        cfg.Vector.TopK,
	}, analysis.WithLogger(logger), analysis.WithHeartbeat(registry.WorkerBeat))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	var sink progress.Sink
	if nc != nil {
		sink = nc
	}
	publisher := progress.NewPublisher(sink, progress.WithLogger(logger))

	pipeCfg := pipeline.DefaultConfig()
	pipeCfg.MaxFileBytes = cfg.Limits.MaxFileBytes
	pipeCfg.IndexBatchSize = cfg.Index.BatchSize
	pipeCfg.RetryAttempts = cfg.Retry.MaxAttempts
	pipeCfg.RetryBase = time.Duration(cfg.Retry.BaseMS) * time.Millisecond
	pipeCfg.DocPollInterval = cfg.Doc.PollInterval.Value()
	pipeCfg.DocMaxTotal = cfg.Doc.MaxTotal.Value()
	pipeCfg.DocSubmitAttempts = cfg.Doc.SubmitAttempts
	pipeCfg.DocFailurePolicy = pipeline.DocFailurePolicy(cfg.Pipeline.DocFailurePolicy)
	pipeCfg.SkipDocOnEmpty = cfg.Pipeline.SkipDocOnEmpty
	pipeCfg.HeartbeatInterval = cfg.Pipeline.HeartbeatInterval.Value()

	driver, err := pipeline.New(st, registry.Indexer(vecClient), pool, registry.DocGenerator(docClient),
		pipeline.ArchiveFunc(repos.ZipTree), pipeCfg,
		pipeline.WithLogger(logger),
		pipeline.WithProgress(publisher),
		pipeline.WithHeartbeat(registry.TaskBeat),
		pipeline.WithStageObserver(registry.ObserveStage),
	)
	if err != nil {
		return nil, fmt.Errorf("create pipeline driver: %w", err)
	}

	dispatcher, err := queue.New(st, driver, queue.Config{
		MaxRunning:           cfg.Concurrency.GlobalRunningTasks,
		OrphanAfter:          cfg.Pipeline.OrphanAfter.Value(),
		Tick:                 queue.DefaultConfig().Tick,
		FallbackTaskDuration: time.Duration(cfg.Queue.FallbackTaskMinutes) * time.Minute,
		ResumeInterrupted:    cfg.Pipeline.ResumePolicy == config.ResumePolicyResume,
	}, queue.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}
	registry.SetQueue(dispatcher)

	mgr, err := repos.NewManager(cfg.Paths.RepoRoot, st, repos.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create repository manager: %w", err)
	}

	svcOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithHealth(registry),
		orchestrator.WithIndexDeleter(vecClient),
		orchestrator.WithPublisher(publisher),
	}
	if cfg.Diag.Listen != "" {
		diag, err := health.NewServer(cfg.Diag.Listen, registry, health.WithServerLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("create diag server: %w", err)
		}
		svcOpts = append(svcOpts, orchestrator.WithDiagServer(diag))
	}
	if cfg.Watch.Enabled {
		watcher, err := repos.NewWatcher(st, repos.WithWatcherLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("create change watcher: %w", err)
		}
		svcOpts = append(svcOpts, orchestrator.WithWatcher(watcher))
	}

	service, err := orchestrator.New(st, mgr, dispatcher, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	return &App{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		service: service,
	}, nil
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, cfg *config.Config, nc *natsclient.Client) (store.Store, error) {
	switch cfg.Store.Backend {
	case "nats":
		js, err := nc.JetStream()
		if err != nil {
			return nil, fmt.Errorf("get JetStream context: %w", err)
		}
		return natskv.New(ctx, js, natskv.WithConcurrency(cfg.Store.PoolSize))
	case "memory":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// Start brings the orchestrator and its managed components up.
func (a *App) Start(ctx context.Context) error {
	return a.service.Start(ctx)
}

// Stop shuts the orchestrator down, waiting up to timeout per component.
func (a *App) Stop(timeout time.Duration) error {
	return a.service.Stop(timeout)
}

// Service exposes the control surface for callers embedding the app.
func (a *App) Service() *orchestrator.Service {
	return a.service
}
