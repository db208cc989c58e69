// Package config loads the YAML configuration shared by orion-agent and
// orion-master.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-sync/internal/session"
)

// Config represents the complete configuration of one process.
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	DataDir          string          `yaml:"data_dir"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Control          ControlConfig   `yaml:"control"`
	Capture          CaptureConfig   `yaml:"capture"`
	Oximeter         OximeterConfig  `yaml:"oximeter"`
	Simulator        SimulatorConfig `yaml:"simulator"`
	Camera           CameraConfig    `yaml:"camera"`
	Master           MasterConfig    `yaml:"master"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Catalog          CatalogConfig   `yaml:"catalog"`
	Health           HealthConfig    `yaml:"health"`
}

// ControlConfig contains command channel settings
type ControlConfig struct {
	Port       int `yaml:"port"`        // UDP command port (default: 5000)
	QueueSize  int `yaml:"queue_size"`  // pending commands before drops
	ReadBuffer int `yaml:"read_buffer"` // max datagram size
}

// CaptureConfig contains capture loop settings
type CaptureConfig struct {
	Device               string  `yaml:"device"` // oximeter, simulator, camera
	StopTimeoutS         int     `yaml:"stop_timeout_s"`
	MaxConsecutiveErrors int     `yaml:"max_consecutive_errors"`
	ErrorBackoffMS       int     `yaml:"error_backoff_ms"`
	PollIntervalMS       int     `yaml:"poll_interval_ms"`
	DurationS            float64 `yaml:"duration_s"` // 0 = until STOP
}

// OximeterConfig selects the HID oximeter
type OximeterConfig struct {
	VendorID      uint16 `yaml:"vendor_id"`
	ProductID     uint16 `yaml:"product_id"`
	HidrawPath    string `yaml:"hidraw_path"` // skips discovery when set
	ReadTimeoutMS int    `yaml:"read_timeout_ms"`
}

// SimulatorConfig drives the simulated oximeter
type SimulatorConfig struct {
	RateHz    float64 `yaml:"rate_hz"`
	HeartRate int     `yaml:"heart_rate"`
	SpO2      int     `yaml:"spo2"`
}

// CameraConfig contains master camera settings
type CameraConfig struct {
	Index  int `yaml:"index"`
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
	FPS    int `yaml:"fps"`
}

// MasterConfig lists the agents the master coordinates
type MasterConfig struct {
	Agents    []string `yaml:"agents"` // host or host:port
	AgentPort int      `yaml:"agent_port"`
}

// MQTTConfig contains optional MQTT status mirroring. Empty broker disables it.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	Topic        string `yaml:"topic"`
	CommandTopic string `yaml:"command_topic"`
	QoS          byte   `yaml:"qos"`
}

// CatalogConfig locates the session catalog
type CatalogConfig struct {
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"`
}

// HealthConfig contains the HTTP health server settings. Port 0 disables it.
type HealthConfig struct {
	Port int `yaml:"port"`
}

// Load reads and parses a YAML configuration file. An empty path yields the
// defaults for role.
func Load(path string, role session.Role) (*Config, error) {
	return LoadWith(path, role)
}

// LoadWith is Load with overrides applied after parsing and before
// validation, so derived defaults (catalog path, MQTT topic) follow them.
func LoadWith(path string, role session.Role, overrides ...func(*Config)) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	for _, o := range overrides {
		o(cfg)
	}

	if err := Validate(cfg, role); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns a validated default configuration for role.
func Default(role session.Role) *Config {
	cfg := &Config{}
	if err := Validate(cfg, role); err != nil {
		panic(fmt.Sprintf("config: defaults do not validate: %v", err))
	}
	return cfg
}

// ShutdownTimeout is the bound on graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// StopTimeout bounds the wait for the capture loop to exit.
func (c CaptureConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutS) * time.Second
}

// ErrorBackoff is the pause after a transient read error.
func (c CaptureConfig) ErrorBackoff() time.Duration {
	return time.Duration(c.ErrorBackoffMS) * time.Millisecond
}

// PollInterval paces software sources.
func (c CaptureConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// Duration is the local recording bound.
func (c CaptureConfig) Duration() time.Duration {
	return time.Duration(c.DurationS * float64(time.Second))
}

// ReadTimeout is the hidraw read deadline.
func (c OximeterConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMS) * time.Millisecond
}
