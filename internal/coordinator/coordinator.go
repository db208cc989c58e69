// Package coordinator fans lifecycle actions taken on the master out to every
// agent and mirrors them onto the master's own session ("agent zero").
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/e7canasta/orion-sync/internal/capture"
	"github.com/e7canasta/orion-sync/internal/clock"
	"github.com/e7canasta/orion-sync/internal/control"
	"github.com/e7canasta/orion-sync/internal/session"
)

// Local is the master's own state machine.
type Local interface {
	Handle(ctx context.Context, ev session.Event) error
}

// Sender writes one command to many agents.
type Sender interface {
	Broadcast(addrs []net.Addr, cmd control.Command) []control.SendResult
}

// Config configures a Coordinator.
type Config struct {
	Agents []net.Addr
	Sender Sender
	// Local is nil for one-shot senders that do not capture.
	Local  Local
	Clock  clock.Clock
	Logger *slog.Logger
}

// Report describes one fan-out.
type Report struct {
	Command control.Command
	// SentAt is the local clock reading right after the last datagram left.
	SentAt  float64
	Results []control.SendResult
}

// Failed counts agents the command could not be written to.
func (r Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Coordinator broadcasts PREPARE, START and STOP. It never waits for
// agents: a command an agent missed is re-issued by the operator.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	autoStopped map[string]bool
}

// New validates cfg.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("coordinator: sender is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{
		cfg:         cfg,
		logger:      cfg.Logger.With("component", "coordinator", "agents", len(cfg.Agents)),
		autoStopped: make(map[string]bool),
	}, nil
}

// Agents returns the agent addresses.
func (c *Coordinator) Agents() []net.Addr {
	return c.cfg.Agents
}

// Prepare broadcasts PREPARE and prepares the local session.
func (c *Coordinator) Prepare(ctx context.Context) (Report, error) {
	rep := c.broadcast(control.Prepare())
	return rep, c.local(ctx, session.Prepare("coordinator"))
}

// Start broadcasts START,<t> and starts the local session with the same t.
func (c *Coordinator) Start(ctx context.Context) (Report, error) {
	t := clock.Seconds(c.cfg.Clock.Now())
	rep := c.broadcast(control.Start(t))

	ev := session.Start("coordinator", t)
	ev.CommandSentAt = rep.SentAt
	return rep, c.local(ctx, ev)
}

// Stop broadcasts STOP,<t> and stops the local session.
func (c *Coordinator) Stop(ctx context.Context) (Report, error) {
	t := clock.Seconds(c.cfg.Clock.Now())
	rep := c.broadcast(control.Stop(t))
	return rep, c.local(ctx, session.Stop("coordinator", t))
}

// Send broadcasts an arbitrary command without touching the local session.
func (c *Coordinator) Send(cmd control.Command) Report {
	return c.broadcast(cmd)
}

// Watch follows the local session's status and, when it stops on its own
// (duration bound, device failure), broadcasts STOP to the agents so their
// recordings end with the master's.
func (c *Coordinator) Watch(ctx context.Context, updates <-chan session.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if !c.selfStopped(st) {
				continue
			}
			c.logger.Info("local session ended on its own, stopping agents",
				"session_id", st.SessionID,
				"reason", st.StopReason,
			)
			c.broadcast(control.Stop(st.LocalStop))
		}
	}
}

func (c *Coordinator) selfStopped(st session.Status) bool {
	if st.State != session.Stopped || st.SessionID == "" {
		return false
	}
	if st.StopReason == "" || st.StopReason == capture.StopRequested.String() {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoStopped[st.SessionID] {
		return false
	}
	c.autoStopped[st.SessionID] = true
	return true
}

func (c *Coordinator) broadcast(cmd control.Command) Report {
	results := c.cfg.Sender.Broadcast(c.cfg.Agents, cmd)
	rep := Report{
		Command: cmd,
		SentAt:  clock.Seconds(c.cfg.Clock.Now()),
		Results: results,
	}

	if failed := rep.Failed(); failed > 0 {
		c.logger.Warn("command not delivered to every agent",
			"command", cmd.String(),
			"failed", failed,
			"total", len(results),
		)
	} else {
		c.logger.Info("command broadcast", "command", cmd.String(), "agents", len(results))
	}
	return rep
}

func (c *Coordinator) local(ctx context.Context, ev session.Event) error {
	if c.cfg.Local == nil {
		return nil
	}
	if err := c.cfg.Local.Handle(ctx, ev); err != nil {
		return fmt.Errorf("local %s: %w", ev.Kind, err)
	}
	return nil
}
