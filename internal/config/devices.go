package config

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/orion-sync/internal/capture"
	"github.com/e7canasta/orion-sync/internal/capture/camera"
	"github.com/e7canasta/orion-sync/internal/capture/oximeter"
)

// NewDevice builds the capture device selected by capture.device.
func (c *Config) NewDevice(logger *slog.Logger) (capture.Device, error) {
	switch c.Capture.Device {
	case DeviceOximeter:
		return oximeter.NewDevice(oximeter.Config{
			VendorID:    c.Oximeter.VendorID,
			ProductID:   c.Oximeter.ProductID,
			Path:        c.Oximeter.HidrawPath,
			ReadTimeout: c.Oximeter.ReadTimeout(),
		}), nil
	case DeviceSimulator:
		return &oximeter.Simulator{
			RateHz:    c.Simulator.RateHz,
			HeartRate: c.Simulator.HeartRate,
			SpO2:      c.Simulator.SpO2,
		}, nil
	case DeviceCamera:
		return camera.NewDevice(camera.Config{
			Index:  c.Camera.Index,
			Width:  c.Camera.Width,
			Height: c.Camera.Height,
			FPS:    c.Camera.FPS,
			Logger: logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown capture device %q", c.Capture.Device)
	}
}
