package auth

import (
	"errors"
	"net"
	"testing"

	"github.com/google/uuid"
	"github.com/throughline-dev/throughline/protocol"
)

func TestSecretAnswerValidatesRoundTrip(t *testing.T) {
	a := NewSecretAuthenticator("correct horse battery staple")
	challenge := uuid.New()
	tag := a.answer(challenge)
	if !a.validate(challenge, tag) {
		t.Fatal("expected validate(c, answer(c)) to be true")
	}
	if a.validate(challenge, "not-the-right-tag") {
		t.Fatal("expected validate to reject a wrong tag")
	}
}

func TestSecretValidateRejectsBadHex(t *testing.T) {
	a := NewSecretAuthenticator("s")
	if a.validate(uuid.New(), "zz-not-hex") {
		t.Fatal("expected invalid hex to be rejected")
	}
}

func TestSecretHandshakeSuccess(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverAuth := NewSecretAuthenticator("shared")
	clientAuth := NewSecretAuthenticator("shared")

	serverErr := make(chan error, 1)
	go func() { serverErr <- serverAuth.ServerHandshake(protocol.NewCodec(serverConn)) }()

	if err := clientAuth.ClientHandshake(protocol.NewCodec(clientConn)); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server handshake: %v", err)
	}
}

func TestSecretHandshakeMismatch(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	serverAuth := NewSecretAuthenticator("alpha")
	clientAuth := NewSecretAuthenticator("beta")

	serverErr := make(chan error, 1)
	go func() { serverErr <- serverAuth.ServerHandshake(protocol.NewCodec(serverConn)) }()

	if err := clientAuth.ClientHandshake(protocol.NewCodec(clientConn)); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	err := <-serverErr
	if !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestSecretHandshakeNoSecretOffered(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	serverAuth := NewSecretAuthenticator("alpha")
	serverErr := make(chan error, 1)
	go func() { serverErr <- serverAuth.ServerHandshake(protocol.NewCodec(serverConn)) }()

	// Client reads the Challenge, then closes without responding.
	var challenge protocol.ServerMessage
	if err := protocol.NewCodec(clientConn).RecvTimeout(&challenge, protocol.DefaultReadTimeout); err != nil {
		t.Fatalf("client recv challenge: %v", err)
	}
	clientConn.Close()

	err := <-serverErr
	if !errors.Is(err, ErrNoSecretProvided) {
		t.Fatalf("expected ErrNoSecretProvided, got %v", err)
	}
}

func TestSecretClientHandshakeNoChallenge(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	go func() {
		_ = protocol.NewCodec(serverConn).Send(protocol.NewServerHello(1234))
	}()

	clientAuth := NewSecretAuthenticator("alpha")
	err := clientAuth.ClientHandshake(protocol.NewCodec(clientConn))
	if !errors.Is(err, ErrNoSecretRequired) {
		t.Fatalf("expected ErrNoSecretRequired, got %v", err)
	}
}
