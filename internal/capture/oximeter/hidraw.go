// Package oximeter implements capture devices for CMS50E-family pulse
// oximeters: a Linux hidraw reader and a simulator with the same packing.
package oximeter

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/e7canasta/orion-sync/internal/capture"
)

// Default USB identifiers of the Contec CMS50E.
const (
	DefaultVendorID  = 0x28E9
	DefaultProductID = 0x028A
)

// Config selects and tunes the HID device.
type Config struct {
	VendorID  uint16
	ProductID uint16
	// Path pins an explicit /dev/hidrawN node and skips discovery.
	Path string
	// ReadTimeout bounds each blocking read so the capture loop can observe
	// stop requests. Default 200ms.
	ReadTimeout time.Duration
	// SysfsRoot and DevRoot are overridable for tests.
	SysfsRoot string
	DevRoot   string
}

// Device is a hidraw-backed oximeter.
type Device struct {
	cfg Config
}

// NewDevice returns a Device with defaults filled in.
func NewDevice(cfg Config) *Device {
	if cfg.VendorID == 0 {
		cfg.VendorID = DefaultVendorID
	}
	if cfg.ProductID == 0 {
		cfg.ProductID = DefaultProductID
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/class/hidraw"
	}
	if cfg.DevRoot == "" {
		cfg.DevRoot = "/dev"
	}
	return &Device{cfg: cfg}
}

// Name implements capture.Device.
func (d *Device) Name() string { return "oximeter" }

// Columns implements capture.Device.
func (d *Device) Columns() []string { return Columns }

// Open implements capture.Device.
func (d *Device) Open() (capture.Handle, error) {
	path := d.cfg.Path
	if path == "" {
		found, err := FindHidraw(d.cfg.SysfsRoot, d.cfg.DevRoot, d.cfg.VendorID, d.cfg.ProductID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", capture.ErrDeviceUnavailable, err)
		}
		path = found
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", capture.ErrDeviceUnavailable, path, err)
	}
	return &hidHandle{file: f, timeout: d.cfg.ReadTimeout, buf: make([]byte, ReportSize)}, nil
}

type hidHandle struct {
	file    *os.File
	timeout time.Duration
	buf     []byte
	decoder Decoder
}

func (h *hidHandle) Read() ([]capture.Payload, error) {
	// Deadlines only work when the runtime poller accepted the fd; otherwise
	// the read simply blocks until the device reports.
	_ = h.file.SetReadDeadline(time.Now().Add(h.timeout))

	n, err := h.file.Read(h.buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}
	return h.decoder.Decode(h.buf[:n]), nil
}

func (h *hidHandle) Close() error {
	return h.file.Close()
}

// FindHidraw scans sysfsRoot for a hidraw node whose HID_ID matches the
// vendor and product, returning its path under devRoot.
func FindHidraw(sysfsRoot, devRoot string, vendorID, productID uint16) (string, error) {
	entries, err := os.ReadDir(sysfsRoot)
	if err != nil {
		return "", fmt.Errorf("scan %s: %w", sysfsRoot, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		vid, pid, err := readHIDID(filepath.Join(sysfsRoot, name, "device", "uevent"))
		if err != nil {
			continue
		}
		if vid == vendorID && pid == productID {
			return filepath.Join(devRoot, name), nil
		}
	}
	return "", fmt.Errorf("no hidraw device with id %04x:%04x", vendorID, productID)
}

// readHIDID parses "HID_ID=<bus>:<vendor>:<product>" from a uevent file.
func readHIDID(path string) (vendorID, productID uint16, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		value, ok := strings.CutPrefix(scanner.Text(), "HID_ID=")
		if !ok {
			continue
		}
		parts := strings.Split(value, ":")
		if len(parts) != 3 {
			return 0, 0, fmt.Errorf("malformed HID_ID %q", value)
		}
		v, err := strconv.ParseUint(parts[1], 16, 32)
		if err != nil {
			return 0, 0, err
		}
		p, err := strconv.ParseUint(parts[2], 16, 32)
		if err != nil {
			return 0, 0, err
		}
		return uint16(v), uint16(p), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, fmt.Errorf("no HID_ID in %s", path)
}
