// Package camera provides the master's local capture device. Frames are
// produced at a fixed rate and indexed into the session sink; encoding them
// into a video container is left to an external Encoder.
package camera

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-sync/internal/capture"
)

// Frame is one captured video frame.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Data      []byte
	TraceID   string
}

// Fields implements capture.Payload. Pixel data is never written to the
// tabular sink; only the frame index columns are.
func (f Frame) Fields() []string {
	return []string{
		strconv.FormatUint(f.Seq, 10),
		strconv.Itoa(f.Width),
		strconv.Itoa(f.Height),
		strconv.Itoa(len(f.Data)),
		f.TraceID,
	}
}

// Columns are the frame index columns.
var Columns = []string{"frame_seq", "width", "height", "bytes", "trace_id"}

// Encoder receives every frame handed to the sink, e.g. a video writer.
type Encoder interface {
	Encode(Frame) error
}

// Config describes the capture geometry.
type Config struct {
	Index  int
	Width  int
	Height int
	FPS    int
	// Encoder is optional.
	Encoder Encoder
	Logger  *slog.Logger
}

// Device is a synthetic BGR24 camera paced by a ticker.
type Device struct {
	cfg Config

	mu     sync.Mutex
	opened bool
}

// NewDevice returns a camera device with defaults filled in.
func NewDevice(cfg Config) *Device {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Device{cfg: cfg}
}

// Name implements capture.Device.
func (d *Device) Name() string { return fmt.Sprintf("camera-%d", d.cfg.Index) }

// Columns implements capture.Device.
func (d *Device) Columns() []string { return Columns }

// Open implements capture.Device. A camera can only be held by one session
// at a time.
func (d *Device) Open() (capture.Handle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opened {
		return nil, fmt.Errorf("%w: %s already open", capture.ErrDeviceUnavailable, d.Name())
	}
	d.opened = true

	d.cfg.Logger.Info("camera opened",
		"index", d.cfg.Index,
		"width", d.cfg.Width,
		"height", d.cfg.Height,
		"fps", d.cfg.FPS,
	)

	return &handle{
		dev:    d,
		ticker: time.NewTicker(time.Second / time.Duration(d.cfg.FPS)),
	}, nil
}

func (d *Device) release() {
	d.mu.Lock()
	d.opened = false
	d.mu.Unlock()
}

type handle struct {
	dev    *Device
	ticker *time.Ticker
	seq    uint64
	errors uint64
}

func (h *handle) Read() ([]capture.Payload, error) {
	<-h.ticker.C

	frame := h.createFrame()
	if enc := h.dev.cfg.Encoder; enc != nil {
		if err := enc.Encode(frame); err != nil {
			h.errors++
			return nil, fmt.Errorf("encode frame %d: %w", frame.Seq, err)
		}
	}
	return []capture.Payload{frame}, nil
}

// createFrame creates a black BGR24 frame.
func (h *handle) createFrame() Frame {
	seq := h.seq
	h.seq++

	frameSize := h.dev.cfg.Width * h.dev.cfg.Height * 3
	return Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		Width:     h.dev.cfg.Width,
		Height:    h.dev.cfg.Height,
		Data:      make([]byte, frameSize),
		TraceID:   uuid.New().String(),
	}
}

func (h *handle) Close() error {
	h.ticker.Stop()
	h.dev.release()
	h.dev.cfg.Logger.Info("camera released",
		"frames", h.seq,
		"encode_errors", h.errors,
	)
	return nil
}
