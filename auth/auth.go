// Package auth implements the two pluggable authenticator backends that run
// over the control-channel handshake: a shared-secret HMAC challenge and a
// remote API-key validator. Both present the same wire shape (Challenge,
// then Authenticate) so a client can respond from the message kind alone.
package auth

import (
	"errors"

	"github.com/google/uuid"
	"github.com/throughline-dev/throughline/protocol"
)

// ServerAuthenticator runs the server side of a control-channel handshake:
// send a Challenge, validate the client's Authenticate response. A nil
// ServerAuthenticator means "no authentication configured" and is handled
// by callers before reaching into this package.
type ServerAuthenticator interface {
	ServerHandshake(codec *protocol.Codec) error
}

// ClientAuthenticator runs the client side of a control-channel handshake:
// wait for a Challenge, answer it.
type ClientAuthenticator interface {
	ClientHandshake(codec *protocol.Codec) error
}

// ErrNoSecretProvided is returned by a secret authenticator's server
// handshake when the client sends anything other than an Authenticate
// message, including EOF or a timeout.
var ErrNoSecretProvided = errors.New("no secret provided")

// ErrInvalidSecret is returned when the client's Authenticate tag fails
// HMAC verification.
var ErrInvalidSecret = errors.New("invalid secret")

// ErrNoSecretRequired is returned by a secret authenticator's client
// handshake when the server does not open with a Challenge.
var ErrNoSecretRequired = errors.New("server does not require a secret")

// ErrInvalidAPIKey is returned when the remote validator rejects the key.
var ErrInvalidAPIKey = errors.New("invalid API key")

// ErrAuthRequired is returned by an API-key authenticator's server
// handshake when the client does not send an Authenticate response.
var ErrAuthRequired = errors.New("server requires API key authentication")

func newChallenge() uuid.UUID { return uuid.New() }
