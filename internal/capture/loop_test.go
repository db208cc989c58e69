package capture_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-sync/internal/capture"
	"github.com/e7canasta/orion-sync/internal/capture/capturetest"
	"github.com/e7canasta/orion-sync/internal/clock"
)

func startLoop(t *testing.T, dev *capturetest.Device, sink capture.Sink, cfg capture.LoopConfig) *capture.Loop {
	t.Helper()
	h, err := dev.Open()
	require.NoError(t, err)
	cfg.Handle = h
	cfg.Sink = sink
	cfg.Clock = dev.Clock
	loop, err := capture.StartLoop(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		loop.Stop()
		<-loop.Done()
	})
	return loop
}

func TestLoopStampsSamplesAgainstSessionTiming(t *testing.T) {
	clk := clock.NewManual(clock.FromSeconds(1000.05))
	dev := &capturetest.Device{
		Clock: clk,
		Steps: []capturetest.Step{
			{At: 1000.15, Payloads: capturetest.Payloads(1, 1)},
			{At: 1000.16, Payloads: capturetest.Payloads(2, 1)},
			{At: 1000.17, Payloads: capturetest.Payloads(3, 1)},
		},
	}
	sink := &capturetest.Sink{}
	timing := capture.Timing{LocalStart: 1000.05, MasterStart: 1000.0}
	loop := startLoop(t, dev, sink, capture.LoopConfig{Timing: timing})

	require.Eventually(t, func() bool { return loop.Samples() == 3 }, time.Second, time.Millisecond)
	loop.Stop()
	res, ok := loop.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, capture.StopRequested, res.Reason)
	assert.Equal(t, uint64(3), res.Samples)

	samples := sink.Samples()
	require.Len(t, samples, 3)
	wantRel := []float64{0.10, 0.11, 0.12}
	wantCal := []float64{0.15, 0.16, 0.17}
	for i, s := range samples {
		assert.Equal(t, uint64(i), s.Sequence)
		assert.InDelta(t, wantRel[i], s.RelativeTime, 1e-6)
		assert.InDelta(t, wantCal[i], s.CalibratedTime, 1e-6)
		assert.InDelta(t, s.RelativeTime+timing.Offset(), s.CalibratedTime, 1e-6)
	}
	assert.Equal(t, 1, dev.Closes(), "loop releases its handle on exit")
}

func TestLoopSharesReadInstantAcrossPackedReadings(t *testing.T) {
	clk := clock.NewManual(clock.FromSeconds(10))
	dev := &capturetest.Device{
		Clock: clk,
		Steps: []capturetest.Step{
			{At: 10.5, Payloads: capturetest.Payloads(0, 3)},
			{At: 10.6, Payloads: capturetest.Payloads(3, 3)},
		},
	}
	sink := &capturetest.Sink{}
	loop := startLoop(t, dev, sink, capture.LoopConfig{Timing: capture.Timing{LocalStart: 10, MasterStart: 9}})

	require.Eventually(t, func() bool { return loop.Samples() == 6 }, time.Second, time.Millisecond)

	samples := sink.Samples()
	for i := 1; i < len(samples); i++ {
		assert.Equal(t, samples[i-1].Sequence+1, samples[i].Sequence)
		assert.GreaterOrEqual(t, samples[i].CalibratedTime, samples[i-1].CalibratedTime)
	}
	assert.Equal(t, samples[0].CapturedAt, samples[2].CapturedAt)
	assert.NotEqual(t, samples[2].CapturedAt, samples[3].CapturedAt)
}

func TestLoopEscalatesConsecutiveReadErrors(t *testing.T) {
	readErr := errors.New("usb hiccup")
	steps := []capturetest.Step{
		{Payloads: capturetest.Payloads(0, 1)},
		{Err: readErr},
		{Payloads: capturetest.Payloads(1, 1)},
	}
	for i := 0; i < 3; i++ {
		steps = append(steps, capturetest.Step{Err: readErr})
	}
	dev := &capturetest.Device{Clock: clock.NewManual(time.Unix(1, 0)), Steps: steps}
	sink := &capturetest.Sink{}
	loop := startLoop(t, dev, sink, capture.LoopConfig{MaxConsecutiveErrors: 3})

	res, ok := loop.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, capture.LocalError, res.Reason)
	assert.ErrorIs(t, res.Err, capture.ErrTooManyErrors)
	assert.Equal(t, uint64(2), res.Samples, "isolated error is skipped, not fatal")
	assert.Equal(t, uint64(4), loop.Skipped())
	assert.Equal(t, 1, dev.Closes())
}

func TestLoopDurationBound(t *testing.T) {
	dev := &capturetest.Device{
		Clock: clock.NewManual(clock.FromSeconds(100)),
		Steps: []capturetest.Step{
			{At: 100.5, Payloads: capturetest.Payloads(0, 1)},
			{At: 101.0, Payloads: capturetest.Payloads(1, 1)},
			{At: 101.5, Payloads: capturetest.Payloads(2, 1)},
		},
	}
	sink := &capturetest.Sink{}
	loop := startLoop(t, dev, sink, capture.LoopConfig{
		Timing:      capture.Timing{LocalStart: 100, MasterStart: 100},
		MaxDuration: time.Second,
	})

	res, ok := loop.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, capture.DurationExceeded, res.Reason)
	assert.Equal(t, uint64(2), res.Samples)
	assert.InDelta(t, 101.0, res.LastCapturedAt, 1e-6)
}

func TestLoopSourceEndedAndSinkFailure(t *testing.T) {
	t.Run("eof", func(t *testing.T) {
		dev := &capturetest.Device{
			Clock: clock.NewManual(time.Unix(1, 0)),
			Steps: []capturetest.Step{{Payloads: capturetest.Payloads(0, 1)}, {Err: io.EOF}},
		}
		loop := startLoop(t, dev, &capturetest.Sink{}, capture.LoopConfig{})
		res, ok := loop.Wait(time.Second)
		require.True(t, ok)
		assert.Equal(t, capture.SourceEnded, res.Reason)
	})

	t.Run("sink", func(t *testing.T) {
		dev := &capturetest.Device{
			Clock: clock.NewManual(time.Unix(1, 0)),
			Steps: []capturetest.Step{{Payloads: capturetest.Payloads(0, 1)}},
		}
		loop := startLoop(t, dev, &capturetest.Sink{WriteErr: errors.New("disk full")}, capture.LoopConfig{})
		res, ok := loop.Wait(time.Second)
		require.True(t, ok)
		assert.Equal(t, capture.LocalError, res.Reason)
		assert.ErrorContains(t, res.Err, "disk full")
	})
}

func TestStartLoopValidation(t *testing.T) {
	_, err := capture.StartLoop(context.Background(), capture.LoopConfig{Sink: &capturetest.Sink{}})
	assert.Error(t, err)

	dev := &capturetest.Device{}
	h, _ := dev.Open()
	_, err = capture.StartLoop(context.Background(), capture.LoopConfig{Handle: h})
	assert.Error(t, err)
}

func TestCSVSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")
	sink, err := capture.CreateCSVSink(path)
	require.NoError(t, err)

	dev := &capturetest.Device{}
	require.NoError(t, sink.WriteHeader(capture.Header(dev)))
	timing := capture.Timing{LocalStart: 1000.05, MasterStart: 1000}
	require.NoError(t, sink.Write(timing.Stamp(0, 1000.15, capturetest.Value(42))))
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Write(capture.Sample{}), capture.ErrSinkClosed)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "sequence,captured_at,relative_time,calibrated_time,value", lines[0])
	assert.Equal(t, "0,1000.150000,0.100000,0.150000,42", lines[1])
}

func TestOnceCloser(t *testing.T) {
	dev := &capturetest.Device{}
	h, err := dev.Open()
	require.NoError(t, err)
	c := capture.NewOnceCloser(h)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, dev.Closes())
}
