package server

import (
	"time"

	"github.com/throughline-dev/throughline/auth"
	"github.com/throughline-dev/throughline/observability"
)

// Config configures a Server. Zero values are replaced by DefaultConfig's
// values where that makes sense.
type Config struct {
	BindAddr       string // Control-port listen address, e.g. "0.0.0.0:7835".
	TunnelBindAddr string // Address public tunnel listeners bind to, e.g. "0.0.0.0".
	MinPort        uint16 // Inclusive lower bound for client-requested ports.
	MaxPort        uint16 // Inclusive upper bound for client-requested ports.

	Auth auth.ServerAuthenticator // nil means no authentication is required.

	HandshakeTimeout time.Duration // Bound on reading the Hello/Accept dispatch message; authenticator reads use protocol.DefaultReadTimeout.
	ParkTimeout      time.Duration // How long an accepted socket waits for a claim.
	HeartbeatPeriod  time.Duration // Idle-control-channel heartbeat cadence.

	Observer observability.Observer // Defaults to observability.Noop.
}

// DefaultConfig returns the configuration matching the external interface
// defaults: control port 7835, full dynamic+registered port range, no auth.
func DefaultConfig() Config {
	return Config{
		BindAddr:         "0.0.0.0:7835",
		TunnelBindAddr:   "0.0.0.0",
		MinPort:          1024,
		MaxPort:          65535,
		HandshakeTimeout: 3 * time.Second,
		ParkTimeout:      10 * time.Second,
		HeartbeatPeriod:  500 * time.Millisecond,
		Observer:         observability.Noop,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BindAddr == "" {
		c.BindAddr = d.BindAddr
	}
	if c.TunnelBindAddr == "" {
		c.TunnelBindAddr = d.TunnelBindAddr
	}
	if c.MinPort == 0 {
		c.MinPort = d.MinPort
	}
	if c.MaxPort == 0 {
		c.MaxPort = d.MaxPort
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ParkTimeout <= 0 {
		c.ParkTimeout = d.ParkTimeout
	}
	if c.HeartbeatPeriod <= 0 {
		c.HeartbeatPeriod = d.HeartbeatPeriod
	}
	if c.Observer == nil {
		c.Observer = d.Observer
	}
	return c
}
