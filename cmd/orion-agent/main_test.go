package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-sync/internal/catalog"
	"github.com/e7canasta/orion-sync/internal/config"
	"github.com/e7canasta/orion-sync/internal/session"
)

func TestRunFlagsOverrideConfig(t *testing.T) {
	opts := &runOptions{}
	cmd := &cobra.Command{Use: "run"}
	bindRunFlags(cmd, opts)
	require.NoError(t, cmd.ParseFlags([]string{"--port", "6000", "--device", "simulator", "--duration", "2.5"}))

	cfg, err := config.LoadWith("", session.RoleAgent, opts.overrides(cmd))
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Control.Port)
	assert.Equal(t, config.DeviceSimulator, cfg.Capture.Device)
	assert.Equal(t, 2.5, cfg.Capture.DurationS)
	assert.Equal(t, "oximeter_data", cfg.DataDir, "unset flags keep file values")
}

func TestSessionsCommand(t *testing.T) {
	dir := t.TempDir()

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, cat.Record(context.Background(), session.Session{
		ID:    "20261015_101500",
		Role:  session.RoleAgent,
		State: session.Stopped,
	}))
	require.NoError(t, cat.Close())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"sessions", "--data-dir", dir})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "1 session(s)")
	assert.Contains(t, out.String(), "20261015_101500")
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"run", "--device", "lidar", "--data-dir", t.TempDir()})
	assert.ErrorContains(t, root.Execute(), "capture.device")
}

func TestVersionFlag(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "dev (commit: unknown)")
}
