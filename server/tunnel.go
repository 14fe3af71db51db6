package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/throughline-dev/throughline/observability"
	"github.com/throughline-dev/throughline/protocol"
)

// tunnel binds one public port to one control connection. Its lifetime is
// driven by three concurrent activities sharing the control connection: a
// public acceptor, a heartbeat emitter, and a control reader. Any one of
// them failing tears down the whole tunnel.
type tunnel struct {
	id   string // Rendezvous-table tunnel key; the assigned port as a string.
	port uint16

	srv        *Server
	publicLn   net.Listener
	controlNet net.Conn

	codec *protocol.Codec

	writeMu sync.Mutex // Serializes writes from the acceptor and heartbeat goroutines.

	closeOnce sync.Once
}

func newTunnel(srv *Server, port uint16, publicLn net.Listener, controlNet net.Conn, codec *protocol.Codec) *tunnel {
	return &tunnel{
		id:         strconv.Itoa(int(port)),
		port:       port,
		srv:        srv,
		publicLn:   publicLn,
		controlNet: controlNet,
		codec:      codec,
	}
}

// send serializes writes to the control channel so the acceptor and
// heartbeat activities never interleave partial frames.
func (t *tunnel) send(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.codec.Send(v)
}

// run drives the tunnel until any of its three activities fails, then tears
// the whole tunnel down.
func (t *tunnel) run() {
	t.srv.registerTunnel(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.acceptLoop(ctx) })
	g.Go(func() error { return t.heartbeatLoop(ctx) })
	g.Go(func() error { return t.controlReadLoop(ctx) })

	// acceptLoop and controlReadLoop block in Accept/Recv with no deadline;
	// closing their sockets is what actually unblocks them once any one of
	// the three activities fails and cancels ctx.
	go func() {
		<-ctx.Done()
		t.close()
	}()

	err := g.Wait()

	reason := observability.TunnelCloseControlEOF
	switch {
	case err == errHeartbeatFailed:
		reason = observability.TunnelCloseHeartbeatFail
	case err == errProtocolViolation:
		reason = observability.TunnelCloseProtocolError
	case err == errListenerFailed:
		reason = observability.TunnelCloseListenerError
	}

	t.close()
	t.srv.unregisterTunnel(t, reason)
}

// close tears down the tunnel's sockets. Safe to call more than once and
// concurrently with run's own cleanup.
func (t *tunnel) close() {
	t.closeOnce.Do(func() {
		_ = t.publicLn.Close()
		_ = t.controlNet.Close()
	})
}

var (
	errHeartbeatFailed   = fmt.Errorf("server: heartbeat send failed")
	errProtocolViolation = fmt.Errorf("server: unexpected message on control channel")
	errListenerFailed    = fmt.Errorf("server: public listener accept failed")
	errControlEOF        = fmt.Errorf("server: control connection closed")
)

// acceptLoop accepts public connections, parks each one, and notifies the
// client over the control channel.
func (t *tunnel) acceptLoop(ctx context.Context) error {
	for {
		conn, err := t.publicLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errListenerFailed
			}
		}
		t.srv.connectionsAccepted.Add(1)
		t.srv.obs.ConnectionAccepted()

		id := t.srv.table.Insert(t.id, conn)
		if err := t.send(protocol.NewServerConnection(id)); err != nil {
			t.srv.obs.Accept(observability.AcceptResultNotifyFail)
			_ = conn.Close()
			return err
		}
		t.srv.obs.Accept(observability.AcceptResultParked)
	}
}

// heartbeatLoop sends a Heartbeat once every period on a fixed ticker.
// Connection notifications sent by acceptLoop do not reset the ticker, so a
// heartbeat goes out each period whether or not the channel was idle.
func (t *tunnel) heartbeatLoop(ctx context.Context) error {
	period := t.srv.cfg.HeartbeatPeriod
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := t.send(protocol.NewServerHeartbeat()); err != nil {
				t.srv.obs.HeartbeatFailed()
				return errHeartbeatFailed
			}
			t.srv.obs.HeartbeatSent()
		}
	}
}

// controlReadLoop drains the control channel; post-handshake there should
// be no further inbound messages, so anything but EOF is a violation. EOF
// ends the tunnel too, reported with the control_eof close reason.
func (t *tunnel) controlReadLoop(ctx context.Context) error {
	var msg protocol.ClientMessage
	if err := t.codec.Recv(&msg); err != nil {
		// EOF, peer-gone, or socket closed by a sibling activity's failure
		// (in which case the sibling's error is the one g.Wait reports).
		return errControlEOF
	}
	return errProtocolViolation
}
