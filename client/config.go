package client

import (
	"time"

	"github.com/throughline-dev/throughline/auth"
)

// Config describes one tunnel a Client establishes and keeps alive: the
// local service to expose, the server to dial, and the requested public
// port.
type Config struct {
	ServerAddr string // Host:port of the server's control port.
	LocalHost  string // Local service host, e.g. "localhost".
	LocalPort  uint16 // Local service port.

	RequestedPort uint16 // 0 means "server chooses".

	Auth auth.ClientAuthenticator // nil means no authentication.

	ConnectTimeout   time.Duration // Bound on each control-port dial.
	HandshakeTimeout time.Duration // Bound on reading the reply to Hello; authenticator reads use protocol.DefaultReadTimeout.
}

// DefaultConfig returns the timeouts from the concurrency model: a 3s
// connect timeout and a 3s handshake read timeout.
func DefaultConfig() Config {
	return Config{
		LocalHost:        "localhost",
		ConnectTimeout:   3 * time.Second,
		HandshakeTimeout: 3 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LocalHost == "" {
		c.LocalHost = d.LocalHost
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}
