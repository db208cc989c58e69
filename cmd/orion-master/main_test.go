package main

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-sync/internal/control"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSendDeliversToAgents(t *testing.T) {
	conn, err := control.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	port := conn.LocalAddr().(*net.UDPAddr).Port

	out, err := execute(t, "send", "start", "--at", "1000",
		"--agents", "127.0.0.1:"+strconv.Itoa(port),
		"--data-dir", t.TempDir(),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "START,1000.000000 -> 1 agent(s)")

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := conn.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "START,1000.000000", string(buf[:n]))
}

func TestSendValidation(t *testing.T) {
	_, err := execute(t, "send", "launch", "--agents", "127.0.0.1")
	assert.Error(t, err)

	_, err = execute(t, "send", "prepare", "--data-dir", t.TempDir())
	assert.ErrorContains(t, err, "no agents configured")
}

func TestMasterSessionsEmpty(t *testing.T) {
	out, err := execute(t, "sessions", "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.True(t, strings.Contains(out, "No sessions recorded"), out)
}
