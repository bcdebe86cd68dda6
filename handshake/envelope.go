package handshake

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// EnvelopeVersion is the only accepted envelope wire version.
	EnvelopeVersion = 1
	// NonceLen is the exact decoded nonce size in bytes.
	NonceLen = 12
	// MinCiphertext and MaxCiphertext bound the decoded ciphertext size.
	MinCiphertext = 16
	MaxCiphertext = 64 * 1024
)

// Envelope is the encrypted handshake payload. The server validates shape
// only; nonce and ciphertext stay opaque.
type Envelope struct {
	V         int    `json:"v"`
	SessionID string `json:"sessionId"`
	NonceB64  string `json:"nonceB64"`
	CtB64     string `json:"ctB64"`
}

// ValidateEnvelope checks raw against the wire format and binds it to the
// session it is being posted to.
func ValidateEnvelope(sessionID string, raw []byte) error {
	if len(raw) == 0 {
		return errors.New("empty envelope")
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if env.V != EnvelopeVersion {
		return fmt.Errorf("unsupported envelope version %d", env.V)
	}
	if env.SessionID != sessionID {
		return errors.New("envelope sessionId does not match the session")
	}
	nonce, err := base64.StdEncoding.Strict().DecodeString(env.NonceB64)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	if len(nonce) != NonceLen {
		return fmt.Errorf("nonce is %d bytes, want %d", len(nonce), NonceLen)
	}
	ct, err := base64.StdEncoding.Strict().DecodeString(env.CtB64)
	if err != nil {
		return fmt.Errorf("ciphertext: %w", err)
	}
	if len(ct) < MinCiphertext || len(ct) > MaxCiphertext {
		return fmt.Errorf("ciphertext is %d bytes, want %d..%d", len(ct), MinCiphertext, MaxCiphertext)
	}
	return nil
}
