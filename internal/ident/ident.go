// Package ident validates the client-visible identifiers of the relay
// protocol. Validation is format-only; nothing here consults storage.
package ident

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	// InviteCodeLen is the exact length of a peer-discovery invite code.
	InviteCodeLen = 8
	// MaxPeerIDLen bounds client-minted peer ids.
	MaxPeerIDLen = 128
	// PINLen is the exact length of an envelope session PIN.
	PINLen = 6
	// MaxPasswordHashLen bounds the direction discriminator.
	MaxPasswordHashLen = 256

	// Relay channel codes are looser than invite codes: the server relays
	// for both 8-char invite codes and short numeric pairing PINs.
	minChannelCodeLen = 4
	maxChannelCodeLen = 64

	maxDeviceIDLen = 128
)

var (
	// ErrMissing indicates an identifier that is empty after normalization.
	ErrMissing = errors.New("missing identifier")
	// ErrLength indicates an identifier outside its length bounds.
	ErrLength = errors.New("invalid identifier length")
	// ErrCharset indicates an identifier containing a forbidden character.
	ErrCharset = errors.New("invalid identifier character")
)

// Normalize trims leading/trailing whitespace.
func Normalize(s string) string {
	return strings.TrimSpace(s)
}

// InviteCode validates the strict peer-discovery handle: exactly 8
// case-sensitive alphanumerics.
func InviteCode(s string) error {
	if s == "" {
		return ErrMissing
	}
	if len(s) != InviteCodeLen {
		return fmt.Errorf("%w (want=%d)", ErrLength, InviteCodeLen)
	}
	if !alnum(s) {
		return ErrCharset
	}
	return nil
}

// ChannelCode validates the relay channel selector: 4-64 alphanumerics.
func ChannelCode(s string) error {
	if s == "" {
		return ErrMissing
	}
	if len(s) < minChannelCodeLen || len(s) > maxChannelCodeLen {
		return fmt.Errorf("%w (min=%d max=%d)", ErrLength, minChannelCodeLen, maxChannelCodeLen)
	}
	if !alnum(s) {
		return ErrCharset
	}
	return nil
}

// PasswordHash validates the direction discriminator: 1-256 chars drawn
// from the base64, base64url, and hex alphabets.
func PasswordHash(s string) error {
	if s == "" {
		return ErrMissing
	}
	if len(s) > MaxPasswordHashLen {
		return fmt.Errorf("%w (max=%d)", ErrLength, MaxPasswordHashLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if alnumByte(c) {
			continue
		}
		switch c {
		case '+', '/', '=', '-', '_':
		default:
			return ErrCharset
		}
	}
	return nil
}

// PeerID validates a client-minted peer id: 1-128 bytes, no whitespace or
// control characters.
func PeerID(s string) error {
	if s == "" {
		return ErrMissing
	}
	if len(s) > MaxPeerIDLen {
		return fmt.Errorf("%w (max=%d)", ErrLength, MaxPeerIDLen)
	}
	for i := 0; i < len(s); i++ {
		if s[i] <= ' ' || s[i] == 0x7f {
			return ErrCharset
		}
	}
	return nil
}

// PIN validates a server-minted envelope PIN: exactly 6 decimal digits.
func PIN(s string) error {
	if s == "" {
		return ErrMissing
	}
	if len(s) != PINLen {
		return fmt.Errorf("%w (want=%d)", ErrLength, PINLen)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return ErrCharset
		}
	}
	return nil
}

// SessionID validates a server-minted envelope session id: UUID v4 in its
// canonical textual form.
func SessionID(s string) error {
	if s == "" {
		return ErrMissing
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCharset, err)
	}
	if u.Version() != 4 {
		return fmt.Errorf("%w (version=%d)", ErrCharset, u.Version())
	}
	return nil
}

// DeviceID validates an enterprise device id: 1-128 chars of alphanumerics
// plus ".", "_", "-".
func DeviceID(s string) error {
	if s == "" {
		return ErrMissing
	}
	if len(s) > maxDeviceIDLen {
		return fmt.Errorf("%w (max=%d)", ErrLength, maxDeviceIDLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if alnumByte(c) || c == '.' || c == '_' || c == '-' {
			continue
		}
		return ErrCharset
	}
	return nil
}

func alnum(s string) bool {
	for i := 0; i < len(s); i++ {
		if !alnumByte(s[i]) {
			return false
		}
	}
	return true
}

func alnumByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	}
	return false
}
