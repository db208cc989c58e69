package config

import (
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/e7canasta/orion-sync/internal/capture/oximeter"
	"github.com/e7canasta/orion-sync/internal/control"
	"github.com/e7canasta/orion-sync/internal/session"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Devices accepted in capture.device.
const (
	DeviceOximeter  = "oximeter"
	DeviceSimulator = "simulator"
	DeviceCamera    = "camera"
)

// Validate checks cfg and fills in role-specific defaults.
func Validate(cfg *Config, role session.Role) error {
	if role != session.RoleAgent && role != session.RoleMaster {
		return fmt.Errorf("unknown role %q", role)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = string(role)
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.DataDir == "" {
		if role == session.RoleMaster {
			cfg.DataDir = "experiment_data"
		} else {
			cfg.DataDir = "oximeter_data"
		}
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	// Command channel
	if cfg.Control.Port == 0 {
		cfg.Control.Port = control.DefaultPort
	}
	if cfg.Control.Port < 1 || cfg.Control.Port > 65535 {
		return fmt.Errorf("control.port must be in 1..65535, got %d", cfg.Control.Port)
	}
	if cfg.Control.QueueSize <= 0 {
		cfg.Control.QueueSize = 32
	}
	if cfg.Control.ReadBuffer <= 0 {
		cfg.Control.ReadBuffer = 1024
	}

	// Capture
	if cfg.Capture.Device == "" {
		if role == session.RoleMaster {
			cfg.Capture.Device = DeviceCamera
		} else {
			cfg.Capture.Device = DeviceOximeter
		}
	}
	switch cfg.Capture.Device {
	case DeviceOximeter, DeviceSimulator, DeviceCamera:
	default:
		return fmt.Errorf("capture.device must be one of oximeter, simulator, camera; got %q", cfg.Capture.Device)
	}
	if cfg.Capture.StopTimeoutS <= 0 {
		cfg.Capture.StopTimeoutS = 5
	}
	if cfg.Capture.MaxConsecutiveErrors <= 0 {
		cfg.Capture.MaxConsecutiveErrors = 10
	}
	if cfg.Capture.ErrorBackoffMS <= 0 {
		cfg.Capture.ErrorBackoffMS = 100
	}
	if cfg.Capture.PollIntervalMS < 0 {
		return fmt.Errorf("capture.poll_interval_ms must be >= 0")
	}
	if cfg.Capture.DurationS < 0 {
		return fmt.Errorf("capture.duration_s must be >= 0")
	}

	// Oximeter
	if cfg.Oximeter.VendorID == 0 {
		cfg.Oximeter.VendorID = oximeter.DefaultVendorID
	}
	if cfg.Oximeter.ProductID == 0 {
		cfg.Oximeter.ProductID = oximeter.DefaultProductID
	}
	if cfg.Oximeter.ReadTimeoutMS <= 0 {
		cfg.Oximeter.ReadTimeoutMS = 200
	}

	// Simulator
	if cfg.Simulator.RateHz <= 0 {
		cfg.Simulator.RateHz = 20
	}
	if cfg.Simulator.HeartRate <= 0 {
		cfg.Simulator.HeartRate = 72
	}
	if cfg.Simulator.SpO2 <= 0 {
		cfg.Simulator.SpO2 = 98
	}

	// Camera
	if cfg.Camera.Width <= 0 {
		cfg.Camera.Width = 640
	}
	if cfg.Camera.Height <= 0 {
		cfg.Camera.Height = 480
	}
	if cfg.Camera.FPS <= 0 {
		cfg.Camera.FPS = 30
	}
	if cfg.Camera.Index < 0 {
		return fmt.Errorf("camera.index must be >= 0")
	}

	// Master
	if cfg.Master.AgentPort == 0 {
		cfg.Master.AgentPort = cfg.Control.Port
	}
	if cfg.Master.AgentPort < 1 || cfg.Master.AgentPort > 65535 {
		return fmt.Errorf("master.agent_port must be in 1..65535, got %d", cfg.Master.AgentPort)
	}

	// MQTT
	if cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = fmt.Sprintf("orion/sync/%s/status", cfg.InstanceID)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	// Catalog
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = filepath.Join(cfg.DataDir, "catalog.db")
	}

	if cfg.Health.Port < 0 || cfg.Health.Port > 65535 {
		return fmt.Errorf("health.port must be in 0..65535, got %d", cfg.Health.Port)
	}
	return nil
}
