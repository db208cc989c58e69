// Package capturetest provides scripted devices and in-memory sinks for
// exercising capture loops and session managers in tests.
package capturetest

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-sync/internal/capture"
	"github.com/e7canasta/orion-sync/internal/clock"
)

// Value is a single-column payload.
type Value int

// Fields implements capture.Payload.
func (v Value) Fields() []string { return []string{strconv.Itoa(int(v))} }

// Step is one scripted read. When Clock is set on the device, the clock is
// moved to At before the read returns.
type Step struct {
	At       float64
	Payloads []capture.Payload
	Err      error
	// Hang blocks the read until the handle is closed, simulating a device
	// stuck in a kernel read.
	Hang bool
}

// Device replays Steps on every opened handle. Once the script is exhausted
// reads idle for IdleDelay and return nothing, like a hardware read timeout.
type Device struct {
	Clock     *clock.Manual
	Steps     []Step
	OpenErr   error
	IdleDelay time.Duration

	opens  atomic.Int32
	closes atomic.Int32

	mu   sync.Mutex
	last *Handle
}

// Name implements capture.Device.
func (d *Device) Name() string { return "scripted" }

// Columns implements capture.Device.
func (d *Device) Columns() []string { return []string{"value"} }

// Open implements capture.Device.
func (d *Device) Open() (capture.Handle, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.opens.Add(1)
	h := &Handle{dev: d, released: make(chan struct{})}
	d.mu.Lock()
	d.last = h
	d.mu.Unlock()
	return h, nil
}

// Opens returns how many handles were opened.
func (d *Device) Opens() int { return int(d.opens.Load()) }

// Closes returns how many handles were closed.
func (d *Device) Closes() int { return int(d.closes.Load()) }

// Handle is the scripted handle returned by Device.Open.
type Handle struct {
	dev      *Device
	mu       sync.Mutex
	next     int
	closed   bool
	released chan struct{}
}

// Read implements capture.Handle.
func (h *Handle) Read() ([]capture.Payload, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, errors.New("capturetest: read on closed handle")
	}
	if h.next >= len(h.dev.Steps) {
		h.mu.Unlock()
		delay := h.dev.IdleDelay
		if delay == 0 {
			delay = time.Millisecond
		}
		time.Sleep(delay)
		return nil, nil
	}
	step := h.dev.Steps[h.next]
	h.next++
	h.mu.Unlock()

	if step.Hang {
		<-h.released
		return nil, errors.New("capturetest: handle closed during read")
	}
	if h.dev.Clock != nil && step.At != 0 {
		h.dev.Clock.SetSeconds(step.At)
	}
	return step.Payloads, step.Err
}

// Close implements capture.Handle.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.released)
		h.dev.closes.Add(1)
	}
	return nil
}

// Sink records header and samples in memory.
type Sink struct {
	mu      sync.Mutex
	header  []string
	samples []capture.Sample
	closed  bool
	WriteErr error
}

// WriteHeader implements capture.Sink.
func (s *Sink) WriteHeader(columns []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.header = append([]string(nil), columns...)
	return nil
}

// Write implements capture.Sink.
func (s *Sink) Write(sample capture.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	if s.closed {
		return capture.ErrSinkClosed
	}
	s.samples = append(s.samples, sample)
	return nil
}

// Close implements capture.Sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Header returns the written header.
func (s *Sink) Header() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.header...)
}

// Samples returns a copy of the written samples.
func (s *Sink) Samples() []capture.Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]capture.Sample(nil), s.samples...)
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Payloads builds n single-value payloads starting at first.
func Payloads(first, n int) []capture.Payload {
	out := make([]capture.Payload, n)
	for i := range out {
		out[i] = Value(first + i)
	}
	return out
}
