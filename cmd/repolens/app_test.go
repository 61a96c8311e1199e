package main

import (
	"archive/zip"
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/repolens/config"
)

// testConfig returns a config for broker-less runs: memory store, temp
// upload root, no diag listener.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.Backend = "memory"
	cfg.Paths.RepoRoot = t.TempDir()
	cfg.Diag.Listen = ""
	return cfg
}

func zipFixture(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("main.go")
	require.NoError(t, err)
	_, err = f.Write([]byte("package main\n\nfunc main() {}\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestNewAppMemoryBackend(t *testing.T) {
	cfg := testConfig(t)

	app, err := newApp(context.Background(), cfg, nil, slog.Default())
	require.NoError(t, err)
	require.NotNil(t, app.Service())
	assert.False(t, app.Service().Running())
}

func TestNewAppUnknownBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Backend = "postgres"

	_, err := newApp(context.Background(), cfg, nil, slog.Default())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown store backend")
}

func TestAppStartStop(t *testing.T) {
	cfg := testConfig(t)
	cfg.Diag.Listen = "127.0.0.1:0"
	cfg.Watch.Enabled = true

	app, err := newApp(context.Background(), cfg, nil, slog.Default())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, app.Start(ctx))
	assert.True(t, app.Service().Running())

	// One registration exercises the facade, the manager, and the store
	// as wired by newApp.
	repo, err := app.Service().RegisterUpload(ctx, "user-1", "demo", zipFixture(t))
	require.NoError(t, err)

	listed, err := app.Service().ListRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, repo.ID, listed[0].ID)

	status := app.Service().Health(ctx)
	assert.True(t, status.OK)
	require.NotNil(t, status.Queue)
	assert.Zero(t, status.Queue.Running)

	require.NoError(t, app.Stop(5*time.Second))
	assert.False(t, app.Service().Running())
}

func TestAppStartTwiceFails(t *testing.T) {
	cfg := testConfig(t)

	app, err := newApp(context.Background(), cfg, nil, slog.Default())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, app.Start(ctx))
	defer func() { _ = app.Stop(5 * time.Second) }()

	err = app.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
}
