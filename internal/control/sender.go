package control

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
)

// Sender writes command datagrams. Sends are fire-and-forget: a failed send
// to one agent is reported and the fan-out continues.
type Sender struct {
	conn   net.PacketConn
	logger *slog.Logger
}

// NewSender wraps conn. Pass nil to open an ephemeral UDP socket; the
// runtime enables SO_BROADCAST on datagram sockets, so broadcast addresses
// work as targets.
func NewSender(conn net.PacketConn, logger *slog.Logger) (*Sender, error) {
	if conn == nil {
		c, err := net.ListenPacket("udp4", ":0")
		if err != nil {
			return nil, fmt.Errorf("open command socket: %w", err)
		}
		conn = c
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{conn: conn, logger: logger.With("component", "command-sender")}, nil
}

// Send writes one command to addr.
func (s *Sender) Send(addr net.Addr, cmd Command) error {
	if _, err := s.conn.WriteTo(cmd.Encode(), addr); err != nil {
		s.logger.Warn("command send failed", "to", addr.String(), "command", cmd.String(), "error", err)
		return fmt.Errorf("send %s to %s: %w", cmd.Verb, addr, err)
	}
	s.logger.Info("command sent", "to", addr.String(), "command", cmd.String())
	return nil
}

// SendResult reports the outcome of one fan-out target.
type SendResult struct {
	Addr net.Addr
	Err  error
}

// Broadcast sends cmd to every address and reports per-target results.
func (s *Sender) Broadcast(addrs []net.Addr, cmd Command) []SendResult {
	results := make([]SendResult, 0, len(addrs))
	for _, addr := range addrs {
		results = append(results, SendResult{Addr: addr, Err: s.Send(addr, cmd)})
	}
	return results
}

// Close closes the underlying socket.
func (s *Sender) Close() error {
	return s.conn.Close()
}

// ResolveAgents turns "host" or "host:port" entries into UDP addresses,
// filling in defaultPort where no port is given.
func ResolveAgents(hosts []string, defaultPort int) ([]net.Addr, error) {
	addrs := make([]net.Addr, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		hostport := h
		if _, _, err := net.SplitHostPort(h); err != nil {
			hostport = net.JoinHostPort(h, strconv.Itoa(defaultPort))
		}
		addr, err := net.ResolveUDPAddr("udp", hostport)
		if err != nil {
			return nil, fmt.Errorf("resolve agent %q: %w", h, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
