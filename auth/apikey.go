package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/throughline-dev/throughline/protocol"
)

// apiValidationTimeout bounds the outbound HTTP POST used to validate a
// client-supplied API key.
const apiValidationTimeout = 5 * time.Second

// APIKeyAuthenticator validates clients by forwarding their API key to a
// remote HTTP endpoint. The challenge it sends carries no meaningful
// content; it exists purely so the wire shape matches SecretAuthenticator.
type APIKeyAuthenticator struct {
	validationURL string
	client        *http.Client
}

// NewAPIKeyAuthenticator builds an authenticator that POSTs to url.
func NewAPIKeyAuthenticator(url string) *APIKeyAuthenticator {
	return &APIKeyAuthenticator{
		validationURL: url,
		client:        &http.Client{Timeout: apiValidationTimeout},
	}
}

type validationRequest struct {
	APIKey string `json:"api_key"`
}

type validationResponse struct {
	Valid  bool    `json:"valid"`
	UserID *string `json:"user_id,omitempty"`
	Error  *string `json:"error,omitempty"`
}

// ServerHandshake sends a Challenge (content unused) then validates the
// client's Authenticate payload as a bearer API key. Any transport failure,
// non-2xx status, or valid=false is treated as denial, never a crash.
func (a *APIKeyAuthenticator) ServerHandshake(codec *protocol.Codec) error {
	if err := codec.Send(protocol.NewServerChallenge(newChallenge())); err != nil {
		return fmt.Errorf("auth: send challenge: %w", err)
	}
	var msg protocol.ClientMessage
	if err := codec.RecvTimeout(&msg, protocol.DefaultReadTimeout); err != nil {
		return ErrAuthRequired
	}
	if msg.Authenticate == nil {
		return ErrAuthRequired
	}
	ok, err := a.validateAPIKey(*msg.Authenticate)
	if err != nil || !ok {
		return ErrInvalidAPIKey
	}
	return nil
}

// APIKeyClientAuthenticator answers a Challenge with a raw API key. It
// holds no validation state — the key is opaque to the client; only the
// server validates it.
type APIKeyClientAuthenticator struct {
	APIKey string
}

// ClientHandshake waits for a Challenge (ignoring its content) then sends
// the API key verbatim.
func (a *APIKeyClientAuthenticator) ClientHandshake(codec *protocol.Codec) error {
	var msg protocol.ServerMessage
	if err := codec.RecvTimeout(&msg, protocol.DefaultReadTimeout); err != nil {
		return fmt.Errorf("auth: %w: %v", ErrNoSecretRequired, err)
	}
	if msg.Challenge == nil {
		return ErrNoSecretRequired
	}
	return codec.Send(protocol.NewClientAuthenticate(a.APIKey))
}

func (a *APIKeyAuthenticator) validateAPIKey(apiKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), apiValidationTimeout)
	defer cancel()

	body, err := json.Marshal(validationRequest{APIKey: apiKey})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.validationURL, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, nil
	}
	var out validationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Valid, nil
}
