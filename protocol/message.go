// Package protocol defines the control-channel wire messages exchanged
// between a throughline client and server, and the framing used to carry
// them over a TCP stream.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ClientMessage is the tagged union of messages a client sends to the server.
type ClientMessage struct {
	Authenticate *string    // Response to a Challenge: hex-HMAC tag or raw API key.
	Hello        *uint16    // Request a tunnel; 0 means "server chooses".
	Accept       *uuid.UUID // Claim a parked connection by id.
}

// ServerMessage is the tagged union of messages a server sends to the client.
type ServerMessage struct {
	Hello       *uint16    // Reply to a client's tunnel request, carrying the assigned port.
	Challenge   *uuid.UUID // First message of an authenticated handshake.
	Connection  *uuid.UUID // A new public connection is waiting, referenced by id.
	Heartbeat   bool       // Liveness ping; idempotent; never carries data.
	Error       *string    // Protocol-level error intended for logging.
}

// NewClientHello builds a client Hello variant.
func NewClientHello(port uint16) ClientMessage { return ClientMessage{Hello: &port} }

// NewClientAuthenticate builds a client Authenticate variant.
func NewClientAuthenticate(tag string) ClientMessage { return ClientMessage{Authenticate: &tag} }

// NewClientAccept builds a client Accept variant.
func NewClientAccept(id uuid.UUID) ClientMessage { return ClientMessage{Accept: &id} }

// NewServerHello builds a server Hello variant.
func NewServerHello(port uint16) ServerMessage { return ServerMessage{Hello: &port} }

// NewServerChallenge builds a server Challenge variant.
func NewServerChallenge(id uuid.UUID) ServerMessage { return ServerMessage{Challenge: &id} }

// NewServerConnection builds a server Connection variant.
func NewServerConnection(id uuid.UUID) ServerMessage { return ServerMessage{Connection: &id} }

// NewServerHeartbeat builds a server Heartbeat variant.
func NewServerHeartbeat() ServerMessage { return ServerMessage{Heartbeat: true} }

// NewServerError builds a server Error variant.
func NewServerError(text string) ServerMessage { return ServerMessage{Error: &text} }

// MarshalJSON encodes the message using the adjacent-tag convention: a JSON
// object with a single key naming the variant.
func (m ClientMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Authenticate != nil:
		return json.Marshal(map[string]string{"Authenticate": *m.Authenticate})
	case m.Hello != nil:
		return json.Marshal(map[string]uint16{"Hello": *m.Hello})
	case m.Accept != nil:
		return json.Marshal(map[string]string{"Accept": m.Accept.String()})
	default:
		return nil, fmt.Errorf("protocol: empty client message")
	}
}

// UnmarshalJSON decodes an adjacent-tag client message.
func (m *ClientMessage) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("protocol: invalid client message: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("protocol: client message must have exactly one variant, got %d", len(raw))
	}
	for k, v := range raw {
		switch k {
		case "Authenticate":
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("protocol: invalid Authenticate payload: %w", err)
			}
			m.Authenticate = &s
		case "Hello":
			var p uint16
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("protocol: invalid Hello payload: %w", err)
			}
			m.Hello = &p
		case "Accept":
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("protocol: invalid Accept payload: %w", err)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return fmt.Errorf("protocol: invalid Accept id: %w", err)
			}
			m.Accept = &id
		default:
			return fmt.Errorf("protocol: unknown client message variant %q", k)
		}
	}
	return nil
}

// MarshalJSON encodes the message using the adjacent-tag convention. The
// Heartbeat unit variant encodes as the bare string "Heartbeat".
func (m ServerMessage) MarshalJSON() ([]byte, error) {
	switch {
	case m.Hello != nil:
		return json.Marshal(map[string]uint16{"Hello": *m.Hello})
	case m.Challenge != nil:
		return json.Marshal(map[string]string{"Challenge": m.Challenge.String()})
	case m.Connection != nil:
		return json.Marshal(map[string]string{"Connection": m.Connection.String()})
	case m.Heartbeat:
		return json.Marshal("Heartbeat")
	case m.Error != nil:
		return json.Marshal(map[string]string{"Error": *m.Error})
	default:
		return nil, fmt.Errorf("protocol: empty server message")
	}
}

// UnmarshalJSON decodes an adjacent-tag server message.
func (m *ServerMessage) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		if s != "Heartbeat" {
			return fmt.Errorf("protocol: unknown unit server message %q", s)
		}
		m.Heartbeat = true
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("protocol: invalid server message: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("protocol: server message must have exactly one variant, got %d", len(raw))
	}
	for k, v := range raw {
		switch k {
		case "Hello":
			var p uint16
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("protocol: invalid Hello payload: %w", err)
			}
			m.Hello = &p
		case "Challenge":
			var str string
			if err := json.Unmarshal(v, &str); err != nil {
				return fmt.Errorf("protocol: invalid Challenge payload: %w", err)
			}
			id, err := uuid.Parse(str)
			if err != nil {
				return fmt.Errorf("protocol: invalid Challenge id: %w", err)
			}
			m.Challenge = &id
		case "Connection":
			var str string
			if err := json.Unmarshal(v, &str); err != nil {
				return fmt.Errorf("protocol: invalid Connection payload: %w", err)
			}
			id, err := uuid.Parse(str)
			if err != nil {
				return fmt.Errorf("protocol: invalid Connection id: %w", err)
			}
			m.Connection = &id
		case "Error":
			var str string
			if err := json.Unmarshal(v, &str); err != nil {
				return fmt.Errorf("protocol: invalid Error payload: %w", err)
			}
			m.Error = &str
		default:
			return fmt.Errorf("protocol: unknown server message variant %q", k)
		}
	}
	return nil
}
