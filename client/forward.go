package client

import (
	"context"
	"fmt"
	"net"

	"github.com/google/uuid"

	"github.com/throughline-dev/throughline/internal/splice"
	"github.com/throughline-dev/throughline/protocol"
)

// forward performs one end-user session: dial the server a second time,
// re-authenticate, claim id, then splice the claimed connection with a
// fresh dial to the local service. Errors here are logged and isolated to
// this one session; they never tear down the main control connection.
func (c *Client) forward(ctx context.Context, id uuid.UUID) {
	if err := c.forwardErr(ctx, id); err != nil {
		c.log.Printf("client: forward %s: %v", id, err)
	}
}

func (c *Client) forwardErr(ctx context.Context, id uuid.UUID) error {
	conn, codec, err := dialAndHandshake(ctx, c.cfg)
	if err != nil {
		return err
	}
	if err := codec.Send(protocol.NewClientAccept(id)); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send accept: %w", err)
	}

	remoteConn, prefix := codec.Unwrap()

	localAddr := fmt.Sprintf("%s:%d", c.cfg.LocalHost, c.cfg.LocalPort)
	localConn, err := net.DialTimeout("tcp", localAddr, c.cfg.ConnectTimeout)
	if err != nil {
		_ = remoteConn.Close()
		return fmt.Errorf("dial local service %s: %w", localAddr, err)
	}

	if len(prefix) > 0 {
		if _, err := localConn.Write(prefix); err != nil {
			_ = remoteConn.Close()
			_ = localConn.Close()
			return fmt.Errorf("write buffered prefix to local service: %w", err)
		}
	}

	splice.Bidirectional(remoteConn, localConn, nil)
	return nil
}
