package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/throughline-dev/throughline/auth"
	"github.com/throughline-dev/throughline/server"
)

// startEchoServer runs a trivial echo service and returns its port.
func startEchoServer(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				_, _ = io.Copy(c, c)
			}(conn)
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

// startTunnelServer starts a server.Server on an ephemeral port and returns
// its control address.
func startTunnelServer(t *testing.T, cfg server.Config) string {
	t.Helper()
	cfg.BindAddr = "127.0.0.1:0"
	if cfg.TunnelBindAddr == "" {
		cfg.TunnelBindAddr = "127.0.0.1"
	}
	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); addr != nil {
			return addr.String()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("tunnel server never bound its control listener")
	return ""
}

func TestClientNoAuthHappyPathEchoesPayload(t *testing.T) {
	echoPort := startEchoServer(t)
	serverAddr := startTunnelServer(t, server.DefaultConfig())

	cfg := DefaultConfig()
	cfg.ServerAddr = serverAddr
	cfg.LocalHost = "127.0.0.1"
	cfg.LocalPort = echoPort

	cl := New(cfg, nil)
	ctx := context.Background()
	if err := cl.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if cl.RemotePort < 1024 {
		t.Fatalf("assigned port %d out of range", cl.RemotePort)
	}
	defer cl.Close()

	go cl.Run(ctx)

	publicConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", cl.RemotePort))
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	defer publicConn.Close()

	payload := []byte("round trip payload")
	if _, err := publicConn.Write(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(payload))
	_ = publicConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(publicConn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("expected echoed payload, got %q", buf)
	}
}

func TestClientSecretMismatchFailsStart(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Auth = auth.NewSecretAuthenticator("alpha")
	serverAddr := startTunnelServer(t, cfg)

	ccfg := DefaultConfig()
	ccfg.ServerAddr = serverAddr
	ccfg.Auth = auth.NewSecretAuthenticator("beta")

	cl := New(ccfg, nil)
	err := cl.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail on secret mismatch")
	}
}

func TestClientNoSecretOfferedFailsStart(t *testing.T) {
	cfg := server.DefaultConfig()
	cfg.Auth = auth.NewSecretAuthenticator("alpha")
	serverAddr := startTunnelServer(t, cfg)

	ccfg := DefaultConfig()
	ccfg.ServerAddr = serverAddr

	cl := New(ccfg, nil)
	err := cl.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail when server requires a secret and none is offered")
	}
}
