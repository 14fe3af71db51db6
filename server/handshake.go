package server

import (
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/throughline-dev/throughline/internal/splice"
	"github.com/throughline-dev/throughline/observability"
	"github.com/throughline-dev/throughline/protocol"
	"github.com/throughline-dev/throughline/rendezvous"
)

// openTunnel implements the tunnel-open path: validate the requested port,
// bind a public listener, reply with the assigned port, and enter the
// per-tunnel loop for the lifetime of this control connection.
func (s *Server) openTunnel(codec *protocol.Codec, conn net.Conn, port uint16) {
	if port != 0 && (port < s.cfg.MinPort || port > s.cfg.MaxPort) {
		_ = codec.Send(protocol.NewServerError("port not in range"))
		_ = conn.Close()
		return
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.TunnelBindAddr, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = codec.Send(protocol.NewServerError(err.Error()))
		_ = conn.Close()
		return
	}

	assigned := ln.Addr().(*net.TCPAddr).Port
	if err := codec.Send(protocol.NewServerHello(uint16(assigned))); err != nil {
		_ = ln.Close()
		_ = conn.Close()
		return
	}

	t := newTunnel(s, uint16(assigned), ln, conn, codec)
	t.run()
}

// claim implements the rendezvous-claim path: look up id, splice the
// parked socket with this claim connection.
func (s *Server) claim(codec *protocol.Codec, conn net.Conn, id uuid.UUID) {
	parkedConn, outcome := s.table.ClaimDetailed(id)
	switch outcome {
	case rendezvous.ClaimMissing:
		s.rendezvousMisses.Add(1)
		s.obs.Claim(observability.ClaimResultMissing)
		_ = codec.Send(protocol.NewServerError("invalid accept id"))
		_ = conn.Close()
		return
	case rendezvous.ClaimExpired:
		s.rendezvousTimeouts.Add(1)
		s.obs.Claim(observability.ClaimResultExpired)
		_ = codec.Send(protocol.NewServerError("invalid accept id"))
		_ = conn.Close()
		return
	}
	s.connectionsClaimed.Add(1)
	s.obs.Claim(observability.ClaimResultOK)

	claimNet, prefix := codec.Unwrap()
	if len(prefix) > 0 {
		if _, err := parkedConn.Write(prefix); err != nil {
			_ = parkedConn.Close()
			_ = claimNet.Close()
			return
		}
	}

	splice.Bidirectional(claimNet, parkedConn, s.obs.BytesRelayed)
}
