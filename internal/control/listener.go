package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-sync/internal/clock"
)

// Received is one datagram after decoding. Exactly one of Command or Err is
// meaningful.
type Received struct {
	Command Command
	Err     error
	From    net.Addr
	// At is the local clock reading taken right after the datagram arrived.
	At time.Time
}

// DispatchFunc hands a received command to its consumer. It must not block;
// returning false means the consumer's queue was full and the command was
// dropped.
type DispatchFunc func(Received) bool

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Conn       net.PacketConn
	Dispatch   DispatchFunc
	Clock      clock.Clock
	ReadBuffer int
	Logger     *slog.Logger
}

// ListenerStats are the listener counters.
type ListenerStats struct {
	Received     uint64
	DecodeErrors uint64
	Dropped      uint64
	ReadErrors   uint64
}

// Listener receives command datagrams in an unbounded loop and hands each
// decoded command off without waiting for it to be processed.
type Listener struct {
	conn     net.PacketConn
	dispatch DispatchFunc
	clock    clock.Clock
	bufSize  int
	logger   *slog.Logger

	received     atomic.Uint64
	decodeErrors atomic.Uint64
	dropped      atomic.Uint64
	readErrors   atomic.Uint64

	closeOnce sync.Once
}

// Listen binds a UDP listener on addr (e.g. ":5000").
func Listen(addr string) (net.PacketConn, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind command port %s: %w", addr, err)
	}
	return conn, nil
}

// NewListener creates a Listener over an already bound connection.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("control: listener requires a connection")
	}
	if cfg.Dispatch == nil {
		return nil, fmt.Errorf("control: listener requires a dispatch function")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.ReadBuffer <= 0 {
		cfg.ReadBuffer = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Listener{
		conn:     cfg.Conn,
		dispatch: cfg.Dispatch,
		clock:    cfg.Clock,
		bufSize:  cfg.ReadBuffer,
		logger:   cfg.Logger.With("component", "command-listener"),
	}, nil
}

// Addr returns the bound local address.
func (l *Listener) Addr() net.Addr {
	return l.conn.LocalAddr()
}

// Run receives datagrams until ctx is cancelled or Close is called. It
// returns nil on orderly shutdown.
func (l *Listener) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-stop:
		}
	}()

	l.logger.Info("command listener started", "addr", l.conn.LocalAddr().String())

	buf := make([]byte, l.bufSize)
	for {
		n, from, err := l.conn.ReadFrom(buf)
		at := l.clock.Now()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				l.logger.Info("command listener stopped", "received", l.received.Load())
				return nil
			}
			l.readErrors.Add(1)
			l.logger.Warn("command read failed", "error", err)
			continue
		}

		l.received.Add(1)
		cmd, err := Decode(buf[:n])
		if err != nil {
			l.decodeErrors.Add(1)
			l.logger.Warn("discarding malformed command", "from", addrString(from), "error", err)
		} else {
			l.logger.Info("command received", "from", addrString(from), "command", cmd.String())
		}

		if !l.dispatch(Received{Command: cmd, Err: err, From: from, At: at}) {
			l.dropped.Add(1)
			l.logger.Warn("command queue full, dropping command",
				"from", addrString(from),
				"command", cmd.String(),
			)
		}
	}
}

// Close unblocks Run. Idempotent.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		err = l.conn.Close()
	})
	return err
}

// Stats returns a snapshot of the listener counters.
func (l *Listener) Stats() ListenerStats {
	return ListenerStats{
		Received:     l.received.Load(),
		DecodeErrors: l.decodeErrors.Load(),
		Dropped:      l.dropped.Load(),
		ReadErrors:   l.readErrors.Load(),
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
