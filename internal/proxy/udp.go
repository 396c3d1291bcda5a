// Package proxy implements the userspace packet source: a UDP proxy
// that sits between clients and a local server, pushing every datagram
// through the pipe pair before relaying it.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/malbeclabs/packetpipe/internal/adapter"
	"github.com/malbeclabs/packetpipe/internal/metrics"
	"github.com/malbeclabs/packetpipe/internal/pipe"
	"github.com/malbeclabs/packetpipe/internal/sched"
)

// Overhead is the per-datagram IP+UDP header bytes charged against
// bandwidth and buffer on top of the payload length.
const Overhead = 28

var _ adapter.Source = (*Server)(nil)

const maxDatagram = 65535

// Config holds configuration for the proxy server.
type Config struct {
	Logger *slog.Logger
	Loop   *sched.Loop
	Pipes  *pipe.PipePair

	// ListenPort is the client-facing port. Zero picks an ephemeral
	// port, readable from Addr once NewServer returns.
	ListenPort int

	// ServerPort is the proxied server's port on localhost.
	ServerPort int
}

// Validate defaults the optional fields and rejects missing ones.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Loop == nil {
		return errors.New("scheduler loop is required")
	}
	if c.Pipes == nil {
		return errors.New("pipe pair is required")
	}
	if c.ServerPort <= 0 {
		return errors.New("server port is required")
	}
	return nil
}

// Server proxies a UDP server. Datagrams from clients go through the up
// pipe toward the server; responses come back through the down pipe. A
// dedicated upstream socket per client address lets server responses be
// routed back to the right client.
type Server struct {
	log        *slog.Logger
	loop       *sched.Loop
	pipes      *pipe.PipePair
	serverAddr netip.AddrPort

	conn *net.UDPConn // client-facing

	mu      sync.Mutex
	clients map[netip.AddrPort]*relayClient
	closed  bool
}

// relayClient owns the upstream socket for one client address.
type relayClient struct {
	addr     netip.AddrPort // the real client
	upstream *net.UDPConn   // connected to the server
}

// NewServer binds the client-facing socket. Call Run to start relaying.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proxy config: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: cfg.ListenPort})
	if err != nil {
		return nil, fmt.Errorf("failed to bind proxy port: %w", err)
	}

	return &Server{
		log:        cfg.Logger,
		loop:       cfg.Loop,
		pipes:      cfg.Pipes,
		serverAddr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), uint16(cfg.ServerPort)),
		conn:       conn,
		clients:    make(map[netip.AddrPort]*relayClient),
	}, nil
}

// Addr returns the client-facing address.
func (s *Server) Addr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Run reads client datagrams until ctx is cancelled or the socket
// fails. Each datagram is offered to the up pipe; delivery relays it to
// the server, a drop discards it silently.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := s.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return nil
			}
			return fmt.Errorf("proxy read failed: %w", err)
		}

		client, err := s.client(ctx, addr)
		if err != nil {
			s.log.Error("failed to create proxy client", "client", addr, "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		err = s.loop.Post(func() {
			s.pipes.Up.Attempt(int64(len(data))+Overhead, func() {
				if _, err := client.upstream.Write(data); err != nil {
					metrics.RelayErrors.WithLabelValues("up").Inc()
					s.log.Error("relay to server failed", "client", client.addr, "error", err)
				}
			}, nil)
		})
		if err != nil {
			return nil
		}
	}
}

// client returns the relay client for addr, creating its upstream
// socket and response reader on first use.
func (s *Server) client(ctx context.Context, addr netip.AddrPort) (*relayClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("proxy closed")
	}
	if c, ok := s.clients[addr]; ok {
		return c, nil
	}

	upstream, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(s.serverAddr))
	if err != nil {
		return nil, fmt.Errorf("failed to dial server: %w", err)
	}

	c := &relayClient{addr: addr, upstream: upstream}
	s.clients[addr] = c
	metrics.ProxyClients.Set(float64(len(s.clients)))

	go s.readResponses(ctx, c)
	return c, nil
}

// readResponses pumps server responses for one client through the down
// pipe and back to the client.
func (s *Server) readResponses(ctx context.Context, c *relayClient) {
	buf := make([]byte, maxDatagram)
	for {
		n, err := c.upstream.Read(buf)
		if err != nil {
			if ctx.Err() == nil && !s.isClosed() {
				s.log.Error("proxy upstream read failed", "client", c.addr, "error", err)
			}
			return
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		err = s.loop.Post(func() {
			s.pipes.Down.Attempt(int64(len(data))+Overhead, func() {
				if _, err := s.conn.WriteToUDPAddrPort(data, c.addr); err != nil {
					metrics.RelayErrors.WithLabelValues("down").Inc()
					s.log.Error("relay to client failed", "client", c.addr, "error", err)
				}
			}, nil)
		})
		if err != nil {
			return
		}
	}
}

// Close shuts the client-facing socket and every upstream socket.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	clients := s.clients
	s.clients = make(map[netip.AddrPort]*relayClient)
	s.mu.Unlock()

	err := s.conn.Close()
	for _, c := range clients {
		_ = c.upstream.Close()
	}
	metrics.ProxyClients.Set(0)
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
