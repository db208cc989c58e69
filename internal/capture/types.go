package capture

import (
	"errors"
	"strconv"
	"sync"
)

var (
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
	ErrTransientRead     = errors.New("capture: transient read error")
	ErrTooManyErrors     = errors.New("capture: too many consecutive read errors")
	ErrSinkClosed        = errors.New("capture: sink closed")
)

// Payload is the source-specific tail of a sample row. Fields must line up
// with the owning Device's Columns.
type Payload interface {
	Fields() []string
}

// Device is a capture source family (oximeter, camera, simulator). The
// synchronization core never looks past this interface at raw frame bytes.
type Device interface {
	// Name identifies the device in logs and sync files.
	Name() string
	// Columns names the payload fields written after the timestamp columns.
	Columns() []string
	// Open acquires the underlying hardware or software source.
	Open() (Handle, error)
}

// Handle is an opened Device.
//
// Read blocks until data is available or the device's own read deadline
// expires. A single read may decode into several payloads; all of them share
// the read instant. (nil, nil) means nothing arrived before the deadline.
// io.EOF means the source ended for good; any other error is transient.
type Handle interface {
	Read() ([]Payload, error)
	Close() error
}

// Sample is one capture-loop emission.
type Sample struct {
	Sequence       uint64
	CapturedAt     float64
	RelativeTime   float64
	CalibratedTime float64
	Payload        Payload
}

// Row renders the sample in sink column order.
func (s Sample) Row() []string {
	row := []string{
		strconv.FormatUint(s.Sequence, 10),
		strconv.FormatFloat(s.CapturedAt, 'f', 6, 64),
		strconv.FormatFloat(s.RelativeTime, 'f', 6, 64),
		strconv.FormatFloat(s.CalibratedTime, 'f', 6, 64),
	}
	if s.Payload != nil {
		row = append(row, s.Payload.Fields()...)
	}
	return row
}

// TimestampColumns are the fixed leading sink columns.
var TimestampColumns = []string{"sequence", "captured_at", "relative_time", "calibrated_time"}

// Header returns the full sink header for a device.
func Header(d Device) []string {
	cols := make([]string, 0, len(TimestampColumns)+len(d.Columns()))
	cols = append(cols, TimestampColumns...)
	return append(cols, d.Columns()...)
}

// Timing holds the per-session constants used to stamp samples.
type Timing struct {
	// LocalStart is the local clock reading when Start was processed.
	LocalStart float64
	// MasterStart is the reference instant carried by the Start command.
	MasterStart float64
}

// Offset is LocalStart - MasterStart.
func (t Timing) Offset() float64 {
	return t.LocalStart - t.MasterStart
}

// Stamp attaches relative and calibrated timestamps to a payload read at
// capturedAt.
func (t Timing) Stamp(seq uint64, capturedAt float64, p Payload) Sample {
	return Sample{
		Sequence:       seq,
		CapturedAt:     capturedAt,
		RelativeTime:   capturedAt - t.LocalStart,
		CalibratedTime: capturedAt - t.MasterStart,
		Payload:        p,
	}
}

// Sink is a sequential, appendable tabular record.
type Sink interface {
	WriteHeader(columns []string) error
	Write(s Sample) error
	Close() error
}

// OnceCloser wraps a Handle so Close runs at most once. The capture loop and
// the session teardown both release the handle; whichever runs first wins.
type OnceCloser struct {
	Handle
	once sync.Once
	err  error
}

// NewOnceCloser wraps h.
func NewOnceCloser(h Handle) *OnceCloser {
	return &OnceCloser{Handle: h}
}

// Close closes the wrapped handle exactly once.
func (c *OnceCloser) Close() error {
	c.once.Do(func() {
		c.err = c.Handle.Close()
	})
	return c.err
}
