package cli

import (
	"bytes"
	"database/sql"
	"errors"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-sync/internal/catalog"
	"github.com/e7canasta/orion-sync/internal/control"
	"github.com/e7canasta/orion-sync/internal/coordinator"
	"github.com/e7canasta/orion-sync/internal/session"
)

func TestFormatElapsed(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "00:00:00.000"},
		{1500 * time.Millisecond, "00:00:01.500"},
		{time.Hour + 2*time.Minute + 3*time.Second + 4*time.Millisecond, "01:02:03.004"},
		{-time.Second, "00:00:00.000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatElapsed(tt.in))
	}
}

func TestRenderStatus(t *testing.T) {
	idle := RenderStatus(session.Status{State: session.Idle})
	assert.Contains(t, idle, "IDLE")
	assert.NotContains(t, idle, "elapsed")

	collecting := RenderStatus(session.Status{
		State:     session.Collecting,
		SessionID: "20261015_101500",
		Elapsed:   2 * time.Second,
		Samples:   40,
		Offset:    0.05,
	})
	assert.Contains(t, collecting, "COLLECTING")
	assert.Contains(t, collecting, "20261015_101500")
	assert.Contains(t, collecting, "00:00:02.000")
	assert.Contains(t, collecting, "40")
	assert.Contains(t, collecting, "+0.050000s")

	failed := RenderStatus(session.Status{State: session.Idle, DeviceError: true, LastError: "no oximeter"})
	assert.Contains(t, failed, "device unavailable")
	assert.Contains(t, failed, "no oximeter")
}

func TestRenderReport(t *testing.T) {
	rep := coordinator.Report{
		Command: control.Start(1000),
		Results: []control.SendResult{
			{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 5000}},
			{Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 3), Port: 5000}, Err: errors.New("network unreachable")},
		},
	}
	out := RenderReport(rep)
	assert.Contains(t, out, "START,1000.000000 -> 2 agent(s)")
	assert.Contains(t, out, "10.0.0.2:5000 sent")
	assert.Contains(t, out, "10.0.0.3:5000 failed: network unreachable")
}

func TestRenderSessions(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderSessions(&buf, nil))
	assert.Contains(t, buf.String(), "No sessions recorded")

	buf.Reset()
	entries := []catalog.Entry{{
		ID:         "20261015_101500",
		Role:       "agent",
		Device:     "oximeter",
		State:      "stopped",
		PreparedAt: time.Date(2026, 10, 15, 10, 15, 0, 0, time.UTC),
		LocalStart: sql.NullFloat64{Float64: 1000.05, Valid: true},
		LocalStop:  sql.NullFloat64{Float64: 1002.05, Valid: true},
		Offset:     sql.NullFloat64{Float64: 0.05, Valid: true},
		StopReason: "stop_requested",
		Samples:    120,
	}}
	require.NoError(t, RenderSessions(&buf, entries))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "1 session(s)")
	row := lines[3]
	for _, want := range []string{"20261015_101500", "agent", "oximeter", "+0.050000", "2.000s", "120", "stop_requested"} {
		assert.Contains(t, row, want)
	}
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		line string
		want Action
		ok   bool
		err  bool
	}{
		{"prepare", ActionPrepare, true, false},
		{"  START \n", ActionStart, true, false},
		{"x", ActionStop, true, false},
		{"status", ActionStatus, true, false},
		{"?", ActionHelp, true, false},
		{"q", ActionQuit, true, false},
		{"", 0, false, false},
		{"launch", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok, err := ParseAction(tt.line)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestNewLoggerLevel(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var buf bytes.Buffer
	logger := NewLogger(&buf, false)
	logger.Debug("hidden")
	logger.Info("shown", "k", "v")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	NewLogger(&buf, true).Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}
