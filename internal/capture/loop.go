package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-sync/internal/clock"
)

// StopReason explains why a capture loop exited.
type StopReason int

const (
	// StopRequested means the owner cancelled the loop.
	StopRequested StopReason = iota
	// DurationExceeded means relative time reached the configured bound.
	DurationExceeded
	// LocalError means the source or sink failed beyond recovery.
	LocalError
	// SourceEnded means the device reported end of stream.
	SourceEnded
)

// String returns the sync-file spelling of the reason.
func (r StopReason) String() string {
	switch r {
	case StopRequested:
		return "stop_requested"
	case DurationExceeded:
		return "duration_exceeded"
	case LocalError:
		return "local_error"
	case SourceEnded:
		return "source_ended"
	default:
		return "unknown"
	}
}

// Result is published once when the loop exits.
type Result struct {
	Reason  StopReason
	Samples uint64
	// LastCapturedAt is the read instant of the last written sample (0 if none).
	LastCapturedAt float64
	Err            error
}

// LoopConfig configures one capture loop run.
type LoopConfig struct {
	Handle Handle
	Sink   Sink
	Clock  clock.Clock
	Timing Timing

	// MaxDuration ends the loop once RelativeTime reaches it. Zero disables.
	MaxDuration time.Duration
	// MaxConsecutiveErrors escalates transient read errors to LocalError.
	MaxConsecutiveErrors int
	// ErrorBackoff is slept after each transient read error.
	ErrorBackoff time.Duration
	// PollInterval paces software sources. Zero lets the device pace reads.
	PollInterval time.Duration

	Logger *slog.Logger
}

// Loop drives one Handle into one Sink for the duration of a collecting
// session.
//
// Goroutine topology: exactly one goroutine, spawned by StartLoop. The loop
// never calls back into its owner; completion is observable only through
// Done and Result.
type Loop struct {
	cfg    LoopConfig
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	result Result

	samples atomic.Uint64
	skipped atomic.Uint64
}

// StartLoop validates cfg and launches the loop goroutine.
func StartLoop(ctx context.Context, cfg LoopConfig) (*Loop, error) {
	if cfg.Handle == nil {
		return nil, fmt.Errorf("capture: loop requires a handle")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("capture: loop requires a sink")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.MaxConsecutiveErrors <= 0 {
		cfg.MaxConsecutiveErrors = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	l := &Loop{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "capture-loop"),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go l.run(ctx)
	return l, nil
}

// Stop signals the loop to exit. It does not wait; use Wait or Done.
func (l *Loop) Stop() {
	l.cancel()
}

// Done is closed after the loop has exited and released its handle.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Result returns the exit result. Only meaningful after Done is closed.
func (l *Loop) Result() Result {
	<-l.done
	return l.result
}

// Wait blocks until the loop exits or timeout elapses. ok is false on
// timeout, in which case the loop may still be running.
func (l *Loop) Wait(timeout time.Duration) (res Result, ok bool) {
	select {
	case <-l.done:
		return l.result, true
	case <-time.After(timeout):
		return Result{}, false
	}
}

// Samples returns the number of samples written so far.
func (l *Loop) Samples() uint64 {
	return l.samples.Load()
}

// Skipped returns the number of reads dropped as transient errors.
func (l *Loop) Skipped() uint64 {
	return l.skipped.Load()
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)

	res := l.collect(ctx)

	if err := l.cfg.Handle.Close(); err != nil {
		l.logger.Warn("failed to release capture handle", "error", err)
	}

	l.result = res
	l.logger.Info("capture loop exited",
		"reason", res.Reason.String(),
		"samples", res.Samples,
		"skipped", l.skipped.Load(),
	)
}

func (l *Loop) collect(ctx context.Context) Result {
	var (
		seq         uint64
		consecutive int
		last        float64
		ticker      *time.Ticker
	)

	if l.cfg.PollInterval > 0 {
		ticker = time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()
	}

	result := func(reason StopReason, err error) Result {
		return Result{Reason: reason, Samples: seq, LastCapturedAt: last, Err: err}
	}

	for {
		if ctx.Err() != nil {
			return result(StopRequested, nil)
		}

		if ticker != nil {
			select {
			case <-ctx.Done():
				return result(StopRequested, nil)
			case <-ticker.C:
			}
		}

		payloads, err := l.cfg.Handle.Read()
		capturedAt := clock.Seconds(l.cfg.Clock.Now())

		if err != nil {
			if errors.Is(err, io.EOF) {
				return result(SourceEnded, nil)
			}

			consecutive++
			l.skipped.Add(1)
			l.logger.Warn("transient read error",
				"error", err,
				"consecutive", consecutive,
				"max", l.cfg.MaxConsecutiveErrors,
			)
			if consecutive >= l.cfg.MaxConsecutiveErrors {
				return result(LocalError, fmt.Errorf("%w: %w: %v", ErrTooManyErrors, ErrTransientRead, err))
			}

			if l.cfg.ErrorBackoff > 0 {
				select {
				case <-ctx.Done():
					return result(StopRequested, nil)
				case <-time.After(l.cfg.ErrorBackoff):
				}
			}
			continue
		}
		consecutive = 0

		// Every payload from one read shares the read instant.
		for _, p := range payloads {
			sample := l.cfg.Timing.Stamp(seq, capturedAt, p)
			if err := l.cfg.Sink.Write(sample); err != nil {
				return result(LocalError, fmt.Errorf("write sample %d: %w", seq, err))
			}
			seq++
			last = capturedAt
			l.samples.Store(seq)
		}

		if l.cfg.MaxDuration > 0 && len(payloads) > 0 {
			elapsed := time.Duration((capturedAt - l.cfg.Timing.LocalStart) * float64(time.Second))
			if elapsed >= l.cfg.MaxDuration {
				return result(DurationExceeded, nil)
			}
		}
	}
}
