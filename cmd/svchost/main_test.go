package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrainStation-23/svcctl/internal/config"
	"github.com/BrainStation-23/svcctl/internal/host"
)

func parse(t *testing.T, args ...string) (*cobra.Command, *options) {
	t.Helper()
	root := newRootCommand()
	require.NoError(t, root.ParseFlags(args))
	opts := &options{}
	opts.configPath, _ = root.Flags().GetString("config")
	opts.debug, _ = root.Flags().GetBool("debug")
	opts.metricsAddress, _ = root.Flags().GetString("metrics-address")
	return root, opts
}

func TestLoadFallsBackToDefaults(t *testing.T) {
	t.Setenv("SVCCTL_DATA_DIR", t.TempDir())
	root, opts := parse(t, "--debug", "--metrics-address", ":9102")

	cfg, err := opts.load(root)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultHostName, cfg.Host.Name)
	assert.True(t, cfg.Host.Debug)
	assert.Equal(t, ":9102", cfg.Host.MetricsAddress)
}

func TestLoadExplicitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svcctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  name: beat\n  debug: true\n  stop_on_shutdown: true\nheartbeat:\n  interval: 2s\n"), 0644))

	root, opts := parse(t, "--config", path)
	cfg, err := opts.load(root)
	require.NoError(t, err)
	assert.Equal(t, "beat", cfg.Host.Name)
	assert.True(t, cfg.Host.Debug, "file value kept when flag not set")
	assert.Equal(t, 2*time.Second, cfg.Heartbeat.Interval)

	root, opts = parse(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = opts.load(root)
	assert.Error(t, err)
}

func TestSystemConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Host.Name = "beat"
	cfg.Host.Description = "Heartbeat"

	sc := systemConfig(cfg, "svcctl.yaml")
	assert.Equal(t, "beat", sc.Name)
	assert.Equal(t, "svchost", sc.DisplayName)
	assert.Equal(t, "Heartbeat", sc.Description)
	require.Len(t, sc.Arguments, 2)
	assert.Equal(t, "--config", sc.Arguments[0])
	assert.True(t, filepath.IsAbs(sc.Arguments[1]))

	assert.Empty(t, systemConfig(cfg, "").Arguments)
}

func TestNewEntry(t *testing.T) {
	cfg := config.Default()
	cfg.Host.Name = "beat"
	entry := newEntry(cfg, "", slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Equal(t, "beat", entry.Name)
	assert.NotNil(t, entry.Main)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("boom")))
	assert.Equal(t, 7, exitCode(fmt.Errorf("dispatch: %w", &host.EntryError{Service: "beat", Code: 7})))
}

func TestRunFailsWhenServiceRejectsConfig(t *testing.T) {
	t.Setenv("SVCCTL_DATA_DIR", t.TempDir())
	path := filepath.Join(t.TempDir(), "svcctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  name: beat\n"), 0644))

	root, opts := parse(t, "--config", path, "--debug")
	cfg, err := opts.load(root)
	require.NoError(t, err)
	cfg.Heartbeat.Interval = 0

	err = run(context.Background(), opts, cfg)
	require.ErrorIs(t, err, host.ErrServiceFailed)
	assert.Equal(t, 1, exitCode(err))
}
