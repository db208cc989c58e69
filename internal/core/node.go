// Package core wires one orion-sync process: session manager, command
// listener, status fan-out and the optional MQTT, catalog and health
// collaborators.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/e7canasta/orion-sync/internal/catalog"
	"github.com/e7canasta/orion-sync/internal/clock"
	"github.com/e7canasta/orion-sync/internal/config"
	"github.com/e7canasta/orion-sync/internal/control"
	"github.com/e7canasta/orion-sync/internal/emitter"
	"github.com/e7canasta/orion-sync/internal/health"
	"github.com/e7canasta/orion-sync/internal/session"
	"github.com/e7canasta/orion-sync/internal/statusbus"
)

// Options configures a Node.
type Options struct {
	Config *config.Config
	Role   session.Role
	// Listen enables the UDP command listener. Agents listen; the master
	// console drives its manager directly.
	Listen bool
	// Conn replaces binding control.port. Used by tests.
	Conn   net.PacketConn
	Clock  clock.Clock
	Logger *slog.Logger
}

// Node is one running agent or master.
type Node struct {
	opts   Options
	cfg    *config.Config
	logger *slog.Logger

	bus      *statusbus.Bus[session.Status]
	manager  *session.Manager
	catalog  *catalog.Catalog
	listener *control.Listener
	emitter  *emitter.MQTTEmitter
	health   *health.Server

	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
}

// NewNode builds the components. Nothing is bound or started yet.
func NewNode(opts Options) (*Node, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("core: config is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg := opts.Config

	n := &Node{
		opts:   opts,
		cfg:    cfg,
		logger: opts.Logger,
		bus:    statusbus.New[session.Status](),
	}

	device, err := cfg.NewDevice(opts.Logger)
	if err != nil {
		return nil, err
	}

	var recorder session.Recorder
	if !cfg.Catalog.Disabled {
		cat, err := catalog.Open(cfg.Catalog.Path)
		if err != nil {
			n.logger.Warn("session catalog unavailable, continuing without it", "path", cfg.Catalog.Path, "error", err)
		} else {
			n.catalog = cat
			recorder = cat
		}
	}

	n.manager, err = session.NewManager(session.Config{
		Instance:             cfg.InstanceID,
		Role:                 opts.Role,
		DataDir:              cfg.DataDir,
		Device:               device,
		Clock:                opts.Clock,
		QueueSize:            cfg.Control.QueueSize,
		StopTimeout:          cfg.Capture.StopTimeout(),
		MaxConsecutiveErrors: cfg.Capture.MaxConsecutiveErrors,
		ErrorBackoff:         cfg.Capture.ErrorBackoff(),
		PollInterval:         cfg.Capture.PollInterval(),
		MaxDuration:          cfg.Capture.Duration(),
		Publisher:            n.bus,
		Recorder:             recorder,
		Logger:               opts.Logger,
	})
	if err != nil {
		n.closeCatalog()
		return nil, err
	}

	if cfg.MQTT.Broker != "" {
		n.emitter = emitter.New(emitter.Config{
			Broker:       cfg.MQTT.Broker,
			ClientID:     cfg.InstanceID,
			StatusTopic:  cfg.MQTT.Topic,
			CommandTopic: cfg.MQTT.CommandTopic,
			QoS:          cfg.MQTT.QoS,
			Clock:        opts.Clock,
			Logger:       opts.Logger,
		})
	}

	n.logger.Info("configuration loaded",
		"instance_id", cfg.InstanceID,
		"role", string(opts.Role),
		"device", device.Name(),
		"data_dir", cfg.DataDir,
	)
	return n, nil
}

// Manager returns the session state machine.
func (n *Node) Manager() *session.Manager {
	return n.manager
}

// Bus returns the status fan-out.
func (n *Node) Bus() *statusbus.Bus[session.Status] {
	return n.bus
}

// Catalog returns the session catalog, nil when disabled or unavailable.
func (n *Node) Catalog() *catalog.Catalog {
	return n.catalog
}

// CommandAddr returns the bound command address once Run has bound it.
func (n *Node) CommandAddr() net.Addr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Run starts every component and blocks until ctx is cancelled. Failing to
// bind the command port is the only error returned.
func (n *Node) Run(ctx context.Context) error {
	n.mu.Lock()
	if n.isRunning {
		n.mu.Unlock()
		return fmt.Errorf("node is already running")
	}
	n.isRunning = true
	n.started = time.Now()
	n.mu.Unlock()

	n.logger.Info("orion-sync node starting", "instance_id", n.cfg.InstanceID, "role", string(n.opts.Role))

	if n.opts.Listen {
		if err := n.startListener(ctx); err != nil {
			n.mu.Lock()
			n.isRunning = false
			n.mu.Unlock()
			return err
		}
	}

	n.startEmitter(ctx)
	n.startHealth(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.manager.Run(ctx); err != nil {
			n.logger.Error("session manager failed", "error", err)
		}
	}()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.logStats(ctx, 30*time.Second)
	}()

	n.logger.Info("orion-sync node running", "listening", n.opts.Listen, "mqtt", n.emitter != nil)

	<-ctx.Done()
	n.logger.Info("orion-sync node run loop exiting")
	return nil
}

func (n *Node) startListener(ctx context.Context) error {
	conn := n.opts.Conn
	if conn == nil {
		c, err := control.Listen(fmt.Sprintf(":%d", n.cfg.Control.Port))
		if err != nil {
			return err
		}
		conn = c
	}

	l, err := control.NewListener(control.ListenerConfig{
		Conn:       conn,
		Dispatch:   n.manager.Dispatch,
		Clock:      n.opts.Clock,
		ReadBuffer: n.cfg.Control.ReadBuffer,
		Logger:     n.logger,
	})
	if err != nil {
		conn.Close()
		return err
	}

	n.mu.Lock()
	n.listener = l
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := l.Run(ctx); err != nil {
			n.logger.Error("command listener failed", "error", err)
		}
	}()
	return nil
}

func (n *Node) startEmitter(ctx context.Context) {
	if n.emitter == nil {
		return
	}
	if err := n.emitter.Connect(ctx); err != nil {
		// The client keeps retrying in the background.
		n.logger.Warn("mqtt connect failed, status mirroring degraded", "error", err)
	}
	if err := n.emitter.SubscribeCommands(n.manager.Dispatch); err != nil {
		n.logger.Warn("mqtt command subscription failed", "error", err)
	}

	updates := make(chan session.Status, 64)
	if err := n.bus.Subscribe("mqtt", updates); err != nil {
		n.logger.Warn("cannot subscribe mqtt emitter to status", "error", err)
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.emitter.Run(ctx, updates)
	}()
}

func (n *Node) startHealth(ctx context.Context) {
	if n.cfg.Health.Port == 0 {
		return
	}

	cfg := health.Config{
		Instance: n.cfg.InstanceID,
		Source:   n.manager,
		Logger:   n.logger,
	}
	n.mu.RLock()
	if l := n.listener; l != nil {
		cfg.Listener = l.Stats
	}
	n.mu.RUnlock()
	if e := n.emitter; e != nil {
		cfg.MQTTConnected = func() bool { return e.Stats().Connected }
	}

	srv, err := health.NewServer(cfg)
	if err != nil {
		n.logger.Error("failed to create health server", "error", err)
		return
	}
	n.health = srv

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := srv.ListenAndServe(ctx, n.cfg.Health.Port); err != nil {
			n.logger.Error("health check server failed", "error", err)
		}
	}()
}

// logStats periodically logs delivery counters at debug level.
func (n *Node) logStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := n.manager.Status()
			attrs := []any{
				"state", st.State.String(),
				"session_id", st.SessionID,
				"samples", st.Samples,
				"status_published", n.bus.Stats().Published,
			}
			n.mu.RLock()
			if l := n.listener; l != nil {
				ls := l.Stats()
				attrs = append(attrs, "commands_received", ls.Received, "commands_dropped", ls.Dropped)
			}
			n.mu.RUnlock()
			n.logger.Debug("node stats", attrs...)
		}
	}
}

// Shutdown waits for the components started by Run, bounded by ctx, then
// releases the MQTT connection and catalog. Run's context must already be
// cancelled.
func (n *Node) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	if !n.isRunning {
		n.mu.Unlock()
		return nil
	}
	listener := n.listener
	n.mu.Unlock()

	n.logger.Info("shutting down orion-sync node")

	if listener != nil {
		listener.Close()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		n.logger.Info("all goroutines finished")
	case <-ctx.Done():
		err = fmt.Errorf("shutdown timed out: %w", ctx.Err())
		n.logger.Warn("shutdown timed out waiting for goroutines", "error", ctx.Err())
	}

	if n.emitter != nil {
		n.emitter.Disconnect()
	}
	n.bus.Close()
	n.closeCatalog()

	n.mu.Lock()
	uptime := time.Since(n.started)
	n.isRunning = false
	n.mu.Unlock()

	n.logger.Info("orion-sync node shutdown complete", "uptime", uptime)
	return err
}

func (n *Node) closeCatalog() {
	if n.catalog == nil {
		return
	}
	if err := n.catalog.Close(); err != nil {
		n.logger.Warn("failed to close session catalog", "error", err)
	}
}
