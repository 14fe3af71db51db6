// Package client implements the tunnel client core: dial the server's
// control port, authenticate, request a public port, and demultiplex
// accepted-connection notifications into fresh return-path dials.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/throughline-dev/throughline/internal/contextutil"
	"github.com/throughline-dev/throughline/protocol"
)

// ErrAuthRequired is returned by Start when the server opens with a
// Challenge but no authenticator was configured.
var ErrAuthRequired = errors.New("client: server requires auth, none provided")

// ErrUnexpectedReply is returned by Start when the server's reply to Hello
// is neither Hello nor Error nor Challenge.
var ErrUnexpectedReply = errors.New("client: unexpected reply to hello")

// Client holds one tunnel's persistent control connection and the
// bookkeeping needed to demultiplex it into per-session forwards.
type Client struct {
	cfg Config
	log *log.Logger

	conn  net.Conn
	codec *protocol.Codec

	RemotePort uint16 // Valid once Start returns successfully.

	closeOnce sync.Once
	closeErr  error
}

// New returns a Client ready for Start. logger may be nil, in which case
// log.Default() is used.
func New(cfg Config, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{cfg: cfg.withDefaults(), log: logger}
}

// Start dials the server's control port, runs the auth handshake if
// configured, and requests a tunnel. On success RemotePort is populated.
func (c *Client) Start(ctx context.Context) error {
	conn, codec, err := dialAndHandshake(ctx, c.cfg)
	if err != nil {
		return err
	}

	if err := codec.Send(protocol.NewClientHello(c.cfg.RequestedPort)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("client: send hello: %w", err)
	}

	var reply protocol.ServerMessage
	if err := codec.RecvTimeout(&reply, c.cfg.HandshakeTimeout); err != nil {
		_ = conn.Close()
		return fmt.Errorf("client: %w", ErrUnexpectedReply)
	}

	switch {
	case reply.Hello != nil:
		c.conn = conn
		c.codec = codec
		c.RemotePort = *reply.Hello
		return nil
	case reply.Error != nil:
		_ = conn.Close()
		return fmt.Errorf("client: server error: %s", *reply.Error)
	case reply.Challenge != nil:
		_ = conn.Close()
		return ErrAuthRequired
	default:
		_ = conn.Close()
		return ErrUnexpectedReply
	}
}

// Close tears down the persistent control connection. Safe to call more
// than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}

// Run reads the control connection until EOF, spawning an independent
// forward for every Connection notification. It blocks until a read of the
// control connection fails (EOF, a closed socket, or an undecodable frame)
// and returns nil in every such case.
func (c *Client) Run(ctx context.Context) error {
	for {
		var msg protocol.ServerMessage
		if err := c.codec.Recv(&msg); err != nil {
			return nil // Peer-gone: normal termination.
		}
		switch {
		case msg.Heartbeat:
			// Idempotent liveness ping; nothing to do.
		case msg.Connection != nil:
			id := *msg.Connection
			go c.forward(ctx, id)
		case msg.Error != nil:
			c.log.Printf("client: server error: %s", *msg.Error)
		case msg.Hello != nil, msg.Challenge != nil:
			c.log.Printf("client: unexpected message on control channel: %+v", msg)
		}
	}
}

// dialAndHandshake dials the server's control port within ConnectTimeout
// and, if configured, runs the client-side auth handshake.
func dialAndHandshake(ctx context.Context, cfg Config) (net.Conn, *protocol.Codec, error) {
	dialCtx, cancel := contextutil.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", cfg.ServerAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("client: dial %s: %w", cfg.ServerAddr, err)
	}
	codec := protocol.NewCodec(conn)

	if cfg.Auth != nil {
		if err := cfg.Auth.ClientHandshake(codec); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("client: auth: %w", err)
		}
	}
	return conn, codec, nil
}
