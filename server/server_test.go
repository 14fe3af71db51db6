package server

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/throughline-dev/throughline/auth"
	"github.com/throughline-dev/throughline/protocol"
)

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	cfg.BindAddr = "127.0.0.1:0"
	if cfg.TunnelBindAddr == "" {
		cfg.TunnelBindAddr = "127.0.0.1"
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if addr := srv.Addr(); addr != nil {
			return srv, addr.String()
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("server never bound its control listener")
	return nil, ""
}

func TestOpenTunnelHappyPathEchoesThroughRendezvous(t *testing.T) {
	_, addr := startServer(t, DefaultConfig())

	controlConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial control: %v", err)
	}
	defer controlConn.Close()
	control := protocol.NewCodec(controlConn)

	if err := control.Send(protocol.NewClientHello(0)); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	var hello protocol.ServerMessage
	if err := control.RecvTimeout(&hello, time.Second); err != nil {
		t.Fatalf("recv hello: %v", err)
	}
	if hello.Hello == nil {
		t.Fatalf("expected Hello reply, got %+v", hello)
	}
	assigned := *hello.Hello
	if assigned < 1024 {
		t.Fatalf("assigned port %d out of the default range", assigned)
	}

	publicConn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", assigned))
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	defer publicConn.Close()
	if _, err := publicConn.Write([]byte("hello-world")); err != nil {
		t.Fatalf("write to public conn: %v", err)
	}

	var notify protocol.ServerMessage
	if err := control.RecvTimeout(&notify, time.Second); err != nil {
		t.Fatalf("recv connection notification: %v", err)
	}
	if notify.Connection == nil {
		t.Fatalf("expected Connection notification, got %+v", notify)
	}

	claimConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial claim: %v", err)
	}
	defer claimConn.Close()
	claim := protocol.NewCodec(claimConn)
	if err := claim.Send(protocol.NewClientAccept(*notify.Connection)); err != nil {
		t.Fatalf("send accept: %v", err)
	}

	buf := make([]byte, len("hello-world"))
	_ = claimConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(claimConn, buf); err != nil {
		t.Fatalf("read spliced bytes: %v", err)
	}
	if string(buf) != "hello-world" {
		t.Fatalf("expected spliced payload, got %q", buf)
	}

	if _, err := claimConn.Write([]byte("reply")); err != nil {
		t.Fatalf("write reply: %v", err)
	}
	replyBuf := make([]byte, len("reply"))
	_ = publicConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(publicConn, replyBuf); err != nil {
		t.Fatalf("read reply on public conn: %v", err)
	}
	if string(replyBuf) != "reply" {
		t.Fatalf("expected echoed reply, got %q", replyBuf)
	}
}

func TestOpenTunnelPortOutOfRange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinPort = 4000
	cfg.MaxPort = 4010
	_, addr := startServer(t, cfg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	codec := protocol.NewCodec(conn)
	if err := codec.Send(protocol.NewClientHello(8080)); err != nil {
		t.Fatalf("send hello: %v", err)
	}
	var msg protocol.ServerMessage
	if err := codec.RecvTimeout(&msg, time.Second); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Error == nil {
		t.Fatalf("expected Error reply, got %+v", msg)
	}
}

func TestClaimUnknownIDReturnsError(t *testing.T) {
	_, addr := startServer(t, DefaultConfig())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	codec := protocol.NewCodec(conn)
	if err := codec.Send(protocol.NewClientAccept(uuid.New())); err != nil {
		t.Fatalf("send accept: %v", err)
	}
	var msg protocol.ServerMessage
	if err := codec.RecvTimeout(&msg, time.Second); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if msg.Error == nil {
		t.Fatalf("expected Error reply, got %+v", msg)
	}
}

func TestHandshakeRejectsWrongSecret(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth = auth.NewSecretAuthenticator("alpha")
	_, addr := startServer(t, cfg)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	codec := protocol.NewCodec(conn)

	client := auth.NewSecretAuthenticator("beta")
	if err := client.ClientHandshake(codec); err != nil {
		t.Fatalf("client handshake itself should complete (mismatch is server-side): %v", err)
	}

	// The server detects the mismatch only after the client answers; it
	// reports an Error and closes rather than proceeding to Hello/Accept.
	var msg protocol.ServerMessage
	err = codec.RecvTimeout(&msg, time.Second)
	if err == nil && msg.Error == nil {
		t.Fatalf("expected an Error reply or closed connection, got %+v", msg)
	}
}
