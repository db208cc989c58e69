// Package emitter mirrors session status to an MQTT broker and, optionally,
// accepts lifecycle commands from a control topic.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-sync/internal/clock"
	"github.com/e7canasta/orion-sync/internal/control"
	"github.com/e7canasta/orion-sync/internal/session"
)

// Config configures an MQTTEmitter.
type Config struct {
	// Broker is host:port.
	Broker   string
	ClientID string
	// StatusTopic receives one JSON document per status change.
	StatusTopic string
	// CommandTopic, when set, is subscribed for plain-text lifecycle commands.
	CommandTopic string
	QoS          byte
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool
	Published uint64
	Errors    uint64
	Commands  uint64
}

// MQTTEmitter publishes session status updates.
type MQTTEmitter struct {
	cfg    Config
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	published uint64
	errors    uint64
	commands  uint64
	connected bool

	cmdHandler mqtt.MessageHandler
}

// New creates an emitter that builds its own paho client on Connect.
func New(cfg Config) *MQTTEmitter {
	return NewWithClient(cfg, nil)
}

// NewWithClient creates an emitter over an existing client.
func NewWithClient(cfg Config, client mqtt.Client) *MQTTEmitter {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger.With("component", "mqtt-emitter"),
	}
}

// Connect establishes the broker connection. Reconnection afterwards is
// automatic.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	if e.client == nil {
		opts := mqtt.NewClientOptions()
		opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
		opts.SetClientID(e.cfg.ClientID)
		opts.SetAutoReconnect(true)
		opts.SetConnectRetry(true)
		opts.SetConnectRetryInterval(2 * time.Second)
		opts.SetMaxReconnectInterval(30 * time.Second)

		opts.OnConnect = func(c mqtt.Client) {
			e.setConnected(true)
			e.logger.Info("mqtt connection established", "broker", e.cfg.Broker, "client_id", e.cfg.ClientID)

			// Clean sessions drop subscriptions on reconnect.
			e.mu.RLock()
			handler := e.cmdHandler
			e.mu.RUnlock()
			if handler != nil {
				c.Subscribe(e.cfg.CommandTopic, e.cfg.QoS, handler)
			}
		}
		opts.OnConnectionLost = func(c mqtt.Client, err error) {
			e.setConnected(false)
			e.logger.Warn("mqtt connection lost, will auto-reconnect", "error", err, "broker", e.cfg.Broker)
		}
		e.client = mqtt.NewClient(opts)
	}

	e.logger.Info("connecting to mqtt broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	if err := wait(ctx, token, 5*time.Second); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// PublishStatus publishes st as JSON to the status topic.
func (e *MQTTEmitter) PublishStatus(st session.Status) error {
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(st)
	if err != nil {
		e.countError()
		return fmt.Errorf("marshal status: %w", err)
	}

	token := e.client.Publish(e.cfg.StatusTopic, e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published++
	e.mu.Unlock()

	e.logger.Debug("status published",
		"topic", e.cfg.StatusTopic,
		"state", st.State.String(),
		"session_id", st.SessionID,
		"size", len(payload),
	)
	return nil
}

// Run publishes every update received until ctx is done or updates is
// closed. Failures are logged and counted, never returned.
func (e *MQTTEmitter) Run(ctx context.Context, updates <-chan session.Status) {
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := e.PublishStatus(st); err != nil {
				e.logger.Warn("status publish failed", "error", err, "state", st.State.String())
			}
		}
	}
}

// SubscribeCommands forwards commands from the command topic to dispatch.
// The payload format is the datagram wire format.
func (e *MQTTEmitter) SubscribeCommands(dispatch control.DispatchFunc) error {
	if e.cfg.CommandTopic == "" {
		return nil
	}

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		at := e.cfg.Clock.Now()
		cmd, err := control.Decode(msg.Payload())
		if err != nil {
			e.logger.Warn("discarding malformed command", "topic", msg.Topic(), "error", err)
		} else {
			e.logger.Info("command received", "topic", msg.Topic(), "command", cmd.String())
		}

		e.mu.Lock()
		e.commands++
		e.mu.Unlock()

		if !dispatch(control.Received{Command: cmd, Err: err, From: topicAddr(msg.Topic()), At: at}) {
			e.logger.Warn("command queue full, dropping command", "command", cmd.String())
		}
	}

	e.mu.Lock()
	e.cmdHandler = handler
	e.mu.Unlock()

	e.logger.Info("subscribing to command topic", "topic", e.cfg.CommandTopic, "qos", e.cfg.QoS)
	token := e.client.Subscribe(e.cfg.CommandTopic, e.cfg.QoS, handler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("command topic subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("command topic subscription failed: %w", err)
	}
	return nil
}

// Disconnect closes the broker connection.
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		if e.cfg.CommandTopic != "" {
			e.client.Unsubscribe(e.cfg.CommandTopic).WaitTimeout(time.Second)
		}
		e.client.Disconnect(250)
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics.
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.connected,
		Published: e.published,
		Errors:    e.errors,
		Commands:  e.commands,
	}
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// topicAddr identifies an MQTT topic as the origin of a command.
type topicAddr string

func (a topicAddr) Network() string { return "mqtt" }
func (a topicAddr) String() string  { return string(a) }
