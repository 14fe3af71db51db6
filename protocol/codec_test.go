package protocol

import (
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
)

func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestCodecSendRecvRoundTrip(t *testing.T) {
	a, b := pipe(t)
	ca := NewCodec(a)
	cb := NewCodec(b)

	id := uuid.New()
	done := make(chan error, 1)
	go func() { done <- ca.Send(NewServerConnection(id)) }()

	var got ServerMessage
	if err := cb.Recv(&got); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("send: %v", err)
	}
	if got.Connection == nil || *got.Connection != id {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestCodecRecvTimeout(t *testing.T) {
	a, b := pipe(t)
	_ = a
	cb := NewCodec(b)

	var got ServerMessage
	start := time.Now()
	err := cb.RecvTimeout(&got, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !IsTimeout(err) {
		t.Fatalf("expected timeout error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("returned too quickly: %v", elapsed)
	}
}

func TestCodecUnwrapPreservesBufferedBytes(t *testing.T) {
	a, b := pipe(t)
	cb := NewCodec(b)

	// A single Write lands in one net.Pipe rendezvous, so the codec's
	// bufio.Reader buffers the trailing application bytes past the
	// message's newline in the same Read call that decodes Heartbeat.
	combined := append([]byte(`"Heartbeat"`+"\n"), []byte("trailing-app-bytes")...)
	go func() { _, _ = a.Write(combined) }()

	var got ServerMessage
	if err := cb.Recv(&got); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !got.Heartbeat {
		t.Fatalf("expected heartbeat, got %+v", got)
	}

	conn, buf := cb.Unwrap()
	if conn == nil {
		t.Fatal("expected non-nil conn")
	}
	if string(buf) != "trailing-app-bytes" {
		t.Fatalf("unexpected buffered bytes: %q", buf)
	}
}
