// Package server implements the tunnel server's control-port accept loop,
// handshake pipeline, per-tunnel public listener, and rendezvous-backed
// connection splicing.
package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/throughline-dev/throughline/observability"
	"github.com/throughline-dev/throughline/protocol"
	"github.com/throughline-dev/throughline/rendezvous"
)

// Stats is a point-in-time snapshot of server activity, refreshed on every
// relevant state transition.
type Stats struct {
	TunnelCount         int
	ParkedCount         int
	ConnectionsAccepted int64
	ConnectionsClaimed  int64
	RendezvousMisses    int64
	RendezvousTimeouts  int64
}

// Server accepts control connections, runs the handshake pipeline, and owns
// one tunnel per successfully opened public port.
type Server struct {
	cfg   Config
	obs   observability.Observer
	table *rendezvous.Table

	mu      sync.Mutex
	ln      net.Listener
	tunnels map[uint16]*tunnel

	connectionsAccepted atomic.Int64
	connectionsClaimed  atomic.Int64
	rendezvousMisses    atomic.Int64
	rendezvousTimeouts  atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New validates cfg, applies defaults, and returns a Server ready to Serve.
func New(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.MinPort > cfg.MaxPort {
		return nil, fmt.Errorf("server: min port %d exceeds max port %d", cfg.MinPort, cfg.MaxPort)
	}
	return &Server{
		cfg:     cfg,
		obs:     cfg.Observer,
		table:   rendezvous.NewWithTimeout(cfg.ParkTimeout),
		tunnels: make(map[uint16]*tunnel),
		stopCh:  make(chan struct{}),
	}, nil
}

// Addr returns the control listener's bound address. Valid only after
// Serve has started listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve binds the control port and accepts connections until Close is
// called or the listener fails. Each accepted connection is handled in its
// own goroutine bounded by the tunnel or error it produces.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.cfg.BindAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return nil
			default:
				return err
			}
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections, tears down every open tunnel, and
// stops the rendezvous table's background sweep.
func (s *Server) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	ln := s.ln
	tunnels := make([]*tunnel, 0, len(s.tunnels))
	for _, t := range s.tunnels {
		tunnels = append(tunnels, t)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, t := range tunnels {
		t.close()
	}
	s.table.Close()
	return nil
}

// Stats returns a snapshot of server activity counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	tunnelCount := len(s.tunnels)
	s.mu.Unlock()
	return Stats{
		TunnelCount:         tunnelCount,
		ParkedCount:         s.table.Len(),
		ConnectionsAccepted: s.connectionsAccepted.Load(),
		ConnectionsClaimed:  s.connectionsClaimed.Load(),
		RendezvousMisses:    s.rendezvousMisses.Load(),
		RendezvousTimeouts:  s.rendezvousTimeouts.Load(),
	}
}

func (s *Server) registerTunnel(t *tunnel) {
	s.mu.Lock()
	s.tunnels[t.port] = t
	s.mu.Unlock()
	s.obs.TunnelOpened()
}

func (s *Server) unregisterTunnel(t *tunnel, reason observability.TunnelCloseReason) {
	s.mu.Lock()
	if cur, ok := s.tunnels[t.port]; ok && cur == t {
		delete(s.tunnels, t.port)
	}
	s.mu.Unlock()
	s.table.RemoveTunnel(t.id)
	s.obs.TunnelClosed(reason)
}

// handleConn runs the handshake pipeline for one freshly accepted control
// socket: optional authentication, then a single dispatch message deciding
// whether this connection opens a tunnel or claims a parked one.
func (s *Server) handleConn(conn net.Conn) {
	codec := protocol.NewCodec(conn)

	if s.cfg.Auth != nil {
		if err := s.cfg.Auth.ServerHandshake(codec); err != nil {
			s.obs.AuthFailure()
			_ = codec.Send(protocol.NewServerError(err.Error()))
			_ = conn.Close()
			return
		}
	}

	var msg protocol.ClientMessage
	if err := codec.RecvTimeout(&msg, s.cfg.HandshakeTimeout); err != nil {
		_ = conn.Close()
		return
	}

	switch {
	case msg.Hello != nil:
		s.openTunnel(codec, conn, *msg.Hello)
	case msg.Accept != nil:
		s.claim(codec, conn, *msg.Accept)
	default:
		_ = codec.Send(protocol.NewServerError("expected Hello or Accept"))
		_ = conn.Close()
	}
}
