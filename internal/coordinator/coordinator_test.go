package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-sync/internal/capture/capturetest"
	"github.com/e7canasta/orion-sync/internal/clock"
	"github.com/e7canasta/orion-sync/internal/control"
	"github.com/e7canasta/orion-sync/internal/session"
	"github.com/e7canasta/orion-sync/internal/statusbus"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []control.Command
	fail map[string]bool
}

func (s *recordingSender) Broadcast(addrs []net.Addr, cmd control.Command) []control.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	out := make([]control.SendResult, 0, len(addrs))
	for _, a := range addrs {
		var err error
		if s.fail[a.String()] {
			err = errors.New("network unreachable")
		}
		out = append(out, control.SendResult{Addr: a, Err: err})
	}
	return out
}

func (s *recordingSender) commands() []control.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]control.Command(nil), s.sent...)
}

type recordingLocal struct {
	events []session.Event
	err    error
}

func (l *recordingLocal) Handle(_ context.Context, ev session.Event) error {
	l.events = append(l.events, ev)
	return l.err
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func agents(t *testing.T) []net.Addr {
	t.Helper()
	addrs, err := control.ResolveAgents([]string{"10.0.0.2", "10.0.0.3"}, control.DefaultPort)
	require.NoError(t, err)
	return addrs
}

func TestStartUsesOneTimestampEverywhere(t *testing.T) {
	clk := clock.NewManual(clock.FromSeconds(1000))
	sender := &recordingSender{}
	local := &recordingLocal{}
	c, err := New(Config{Agents: agents(t), Sender: sender, Local: local, Clock: clk, Logger: quiet()})
	require.NoError(t, err)

	rep, err := c.Prepare(context.Background())
	require.NoError(t, err)
	assert.Equal(t, control.Prepare(), rep.Command)
	assert.Len(t, rep.Results, 2)

	rep, err = c.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, control.Start(1000), rep.Command)

	require.Len(t, local.events, 2)
	assert.Equal(t, session.EventPrepare, local.events[0].Kind)
	start := local.events[1]
	assert.Equal(t, session.EventStart, start.Kind)
	assert.Equal(t, 1000.0, start.MasterTimestamp, "master is agent zero: same START value")
	assert.Equal(t, 1000.0, start.CommandSentAt)

	clk.SetSeconds(1060)
	rep, err = c.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, control.Stop(1060), rep.Command)
	assert.Equal(t, 1060.0, local.events[2].MasterTimestamp)
	assert.True(t, local.events[2].HasTimestamp)

	assert.Equal(t, []control.Command{control.Prepare(), control.Start(1000), control.Stop(1060)}, sender.commands())
}

func TestFanOutContinuesPastFailures(t *testing.T) {
	addrs := agents(t)
	sender := &recordingSender{fail: map[string]bool{addrs[0].String(): true}}
	c, err := New(Config{Agents: addrs, Sender: sender, Logger: quiet()})
	require.NoError(t, err)

	rep, err := c.Prepare(context.Background())
	require.NoError(t, err, "no local session configured")
	assert.Equal(t, 1, rep.Failed())
	assert.NoError(t, rep.Results[1].Err)

	rep = c.Send(control.StopBare())
	assert.Equal(t, control.StopBare(), rep.Command)
}

func TestLocalErrorIsReported(t *testing.T) {
	local := &recordingLocal{err: context.Canceled}
	c, err := New(Config{Agents: agents(t), Sender: &recordingSender{}, Local: local, Logger: quiet()})
	require.NoError(t, err)

	_, err = c.Start(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWatchBroadcastsStopOnSelfTermination(t *testing.T) {
	sender := &recordingSender{}
	c, err := New(Config{Agents: agents(t), Sender: sender, Logger: quiet()})
	require.NoError(t, err)

	updates := make(chan session.Status, 8)
	updates <- session.Status{State: session.Collecting, SessionID: "s1"}
	updates <- session.Status{State: session.Stopped, SessionID: "s1", StopReason: "duration_exceeded", LocalStop: 1090}
	updates <- session.Status{State: session.Stopped, SessionID: "s1", StopReason: "duration_exceeded", LocalStop: 1090}
	updates <- session.Status{State: session.Stopped, SessionID: "s2", StopReason: "stop_requested"}
	close(updates)

	c.Watch(context.Background(), updates)
	assert.Equal(t, []control.Command{control.Stop(1090)}, sender.commands())
}

func TestMasterDurationBoundStopsAgents(t *testing.T) {
	clk := clock.NewManual(clock.FromSeconds(100))
	dev := &capturetest.Device{
		Clock: clk,
		Steps: []capturetest.Step{
			{At: 100.5, Payloads: capturetest.Payloads(0, 1)},
			{At: 101.0, Payloads: capturetest.Payloads(1, 1)},
		},
	}
	bus := statusbus.New[session.Status]()
	defer bus.Close()
	updates := make(chan session.Status, 64)
	require.NoError(t, bus.Subscribe("coordinator", updates))

	m, err := session.NewManager(session.Config{
		Role:        session.RoleMaster,
		DataDir:     t.TempDir(),
		Device:      dev,
		Clock:       clk,
		MaxDuration: time.Second,
		Publisher:   bus,
		Logger:      quiet(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		m.Run(ctx)
	}()

	sender := &recordingSender{}
	c, err := New(Config{Agents: agents(t), Sender: sender, Local: m, Clock: clk, Logger: quiet()})
	require.NoError(t, err)
	go c.Watch(ctx, updates)

	_, err = c.Prepare(ctx)
	require.NoError(t, err)
	_, err = c.Start(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sender.commands()) == 3 }, 2*time.Second, time.Millisecond)
	cmds := sender.commands()
	assert.Equal(t, control.Start(100), cmds[1])
	assert.Equal(t, control.Stop(101), cmds[2])
	assert.Equal(t, session.Stopped, m.Status().State)

	cancel()
	<-runDone
}

func TestNewRequiresSender(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
