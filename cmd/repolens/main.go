// Package main provides the repolens binary entry point.
// RepoLens is an analysis orchestrator that drives uploaded repositories
// through a scan/index/analyze/document pipeline and records durable,
// resumable progress for every task.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register LLM providers via init()
	_ "github.com/c360studio/repolens/llm/providers"

	"github.com/c360studio/repolens/config"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "repolens"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "repolens",
		Short: "Repository analysis orchestrator",
		Long: `RepoLens drives uploaded repositories through a four-stage analysis
pipeline: scan, index, analyze, document.

It provides:
- Durable task state with crash resume (NATS JetStream KV)
- FIFO admission with a global running cap and orphan recovery
- A rate-limited worker pool calling an OpenAI-compatible model
- Vector-index retrieval context and a generated README artifact

Progress events are published over NATS; diagnostics (healthz, readyz,
metrics) are served over HTTP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	// Print banner
	printBanner()

	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx := context.Background()

	// Connect to NATS. The memory backend runs broker-less: no durable
	// state across restarts and no progress events.
	var natsClient *natsclient.Client
	if cfg.Store.Backend == "nats" {
		natsClient, err = connectNATS(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close(ctx)
	}

	// Wire components
	app, err := newApp(ctx, cfg, natsClient, logger)
	if err != nil {
		return err
	}

	slog.Info("RepoLens ready",
		"version", Version,
		"store_backend", cfg.Store.Backend,
		"repo_root", cfg.Paths.RepoRoot,
		"diag_listen", cfg.Diag.Listen)

	// Setup signal handling. The signal context flows into every component,
	// so an interrupt cancels running drives; their tasks keep status
	// running and are reclaimed on the next start.
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	shutdownTimeout := 30 * time.Second
	if err := app.Stop(shutdownTimeout); err != nil {
		slog.Error("Error stopping components", "error", err)
	}

	slog.Info("RepoLens shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             RepoLens v" + Version + "                   ║")
	fmt.Println("║      Repository Analysis Orchestrator         ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

// connectNATS dials the broker that backs the task store and the progress
// events. Environment overrides (NATS_URL, REPOLENS_NATS_URL) are already
// folded into the config by this point.
func connectNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	url := cfg.NATS.URL
	if url == "" {
		url = cfg.Store.DSN
	}

	logger.Info("Connecting to NATS", "url", url)

	client, err := natsclient.NewClient(url,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	logger.Info("Connected to NATS", "url", url)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL to point to your NATS server, or run with
store.backend: memory for a broker-less local process.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}
