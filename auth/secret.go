package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/throughline-dev/throughline/protocol"
)

// SecretAuthenticator validates clients against a shared secret using an
// HMAC-SHA256 challenge/response. The secret itself is never sent over the
// wire; only the HMAC tag of a per-handshake challenge UUID is.
type SecretAuthenticator struct {
	key []byte // SHA-256 digest of the user-supplied secret; the actual HMAC key.
}

// NewSecretAuthenticator hashes secret with SHA-256 to derive the HMAC key.
func NewSecretAuthenticator(secret string) *SecretAuthenticator {
	sum := sha256.Sum256([]byte(secret))
	return &SecretAuthenticator{key: sum[:]}
}

// answer computes the hex-encoded HMAC-SHA256 tag for a challenge.
func (a *SecretAuthenticator) answer(challenge [16]byte) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write(challenge[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// validate performs constant-time HMAC verification. Invalid hex or a tag
// of the wrong length returns false without leaking timing information
// beyond what hex.DecodeString itself does.
func (a *SecretAuthenticator) validate(challenge [16]byte, tag string) bool {
	decoded, err := hex.DecodeString(tag)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, a.key)
	mac.Write(challenge[:])
	expected := mac.Sum(nil)
	return hmac.Equal(decoded, expected)
}

// ServerHandshake sends a fresh Challenge and validates the client's
// Authenticate response.
func (a *SecretAuthenticator) ServerHandshake(codec *protocol.Codec) error {
	challenge := newChallenge()
	if err := codec.Send(protocol.NewServerChallenge(challenge)); err != nil {
		return fmt.Errorf("auth: send challenge: %w", err)
	}
	var msg protocol.ClientMessage
	if err := codec.RecvTimeout(&msg, protocol.DefaultReadTimeout); err != nil {
		return ErrNoSecretProvided
	}
	if msg.Authenticate == nil {
		return ErrNoSecretProvided
	}
	if !a.validate(challenge, *msg.Authenticate) {
		return ErrInvalidSecret
	}
	return nil
}

// ClientHandshake waits for the server's Challenge and answers it.
func (a *SecretAuthenticator) ClientHandshake(codec *protocol.Codec) error {
	var msg protocol.ServerMessage
	if err := codec.RecvTimeout(&msg, protocol.DefaultReadTimeout); err != nil {
		return fmt.Errorf("auth: %w: %v", ErrNoSecretRequired, err)
	}
	if msg.Challenge == nil {
		return ErrNoSecretRequired
	}
	tag := a.answer(*msg.Challenge)
	return codec.Send(protocol.NewClientAuthenticate(tag))
}
