package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-sync/internal/control"
	"github.com/e7canasta/orion-sync/internal/coordinator"
	"github.com/e7canasta/orion-sync/internal/session"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []control.Command
}

func (s *recordingSender) Broadcast(addrs []net.Addr, cmd control.Command) []control.SendResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	out := make([]control.SendResult, len(addrs))
	for i, a := range addrs {
		out[i] = control.SendResult{Addr: a}
	}
	return out
}

func (s *recordingSender) verbs() []control.Verb {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]control.Verb, len(s.sent))
	for i, c := range s.sent {
		out[i] = c.Verb
	}
	return out
}

type fakeLocal struct {
	mu     sync.Mutex
	events []session.EventKind
	state  session.State
}

func (l *fakeLocal) Handle(ctx context.Context, ev session.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev.Kind)
	switch ev.Kind {
	case session.EventPrepare:
		l.state = session.Prepared
	case session.EventStart:
		l.state = session.Collecting
	case session.EventStop:
		l.state = session.Stopped
	}
	return nil
}

func (l *fakeLocal) Status() session.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return session.Status{State: l.state, SessionID: "20261015_101500"}
}

func newTestConsole(t *testing.T) (*console, *recordingSender, *fakeLocal, *bytes.Buffer) {
	t.Helper()
	sender := &recordingSender{}
	local := &fakeLocal{}
	coord, err := coordinator.New(coordinator.Config{
		Agents: []net.Addr{&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}},
		Sender: sender,
		Local:  local,
	})
	require.NoError(t, err)

	var out bytes.Buffer
	return &console{coord: coord, status: local.Status, out: &out}, sender, local, &out
}

func feed(lines ...string) <-chan string {
	ch := make(chan string, len(lines))
	for _, l := range lines {
		ch <- l
	}
	close(ch)
	return ch
}

func TestConsoleDrivesCoordinator(t *testing.T) {
	c, sender, local, out := newTestConsole(t)

	c.run(context.Background(), feed("prepare", "", "start", "status", "bogus", "stop", "quit", "prepare"))

	assert.Equal(t, []control.Verb{control.VerbPrepare, control.VerbStart, control.VerbStop}, sender.verbs())
	assert.Equal(t, []session.EventKind{session.EventPrepare, session.EventStart, session.EventStop}, local.events)

	text := out.String()
	assert.Contains(t, text, "PREPARE -> 1 agent(s)")
	assert.Contains(t, text, "127.0.0.1:5000 sent")
	assert.Contains(t, text, "COLLECTING")
	assert.Contains(t, text, `unknown command "bogus"`)
	assert.Equal(t, 1, strings.Count(text, "PREPARE ->"), "lines after quit are not executed")
}

func TestConsoleStopsActiveCaptureOnExit(t *testing.T) {
	c, sender, _, _ := newTestConsole(t)
	c.logger = discardLogger()

	c.run(context.Background(), feed("prepare", "start"))
	c.stopIfActive()
	assert.Equal(t, []control.Verb{control.VerbPrepare, control.VerbStart, control.VerbStop}, sender.verbs())

	// Already stopped: nothing more is sent.
	c.stopIfActive()
	assert.Len(t, sender.verbs(), 3)
}

func TestConsoleExitsOnCancel(t *testing.T) {
	c, sender, _, _ := newTestConsole(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c.run(ctx, make(chan string))
	assert.Empty(t, sender.verbs())
}
