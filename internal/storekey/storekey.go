// Package storekey maps logical identifiers (invite codes, password hashes,
// peer ids, PINs, session ids) to opaque storage keys.
//
// Keys are enumeration-resistant, not secret: knowing an invite code must
// not let a client guess the keys of other channels, but the hash carries
// no authentication.
package storekey

import (
	"crypto/sha256"

	"github.com/qsafevault/qsafevault-server/internal/base64url"
)

// Namespace is the logical record family a key belongs to.
type Namespace string

const (
	Session         Namespace = "sess"
	Ack             Namespace = "ack"
	PIN             Namespace = "pin"
	Peer            Namespace = "peer"
	Signal          Namespace = "signal"
	Devices         Namespace = "devices"
	EnvelopeSession Namespace = "envelope-session"
)

// hashLen truncates the encoded digest; 32 base64url chars keep ~192 bits.
const hashLen = 32

// Derive builds the storage key for the given identifiers:
// namespace + "/" + base64url(SHA-256(namespace ":" part1 ":" ...))[:32].
func Derive(ns Namespace, parts ...string) string {
	h := sha256.New()
	h.Write([]byte(ns))
	for _, p := range parts {
		h.Write([]byte(":"))
		h.Write([]byte(p))
	}
	enc := base64url.Encode(h.Sum(nil))
	if len(enc) > hashLen {
		enc = enc[:hashLen]
	}
	return string(ns) + "/" + enc
}

// Prefix returns the List prefix covering a namespace.
func Prefix(ns Namespace) string {
	return string(ns) + "/"
}

// Prefixes lists every namespace prefix, in sweep order.
func Prefixes() []string {
	all := []Namespace{Session, Ack, PIN, Peer, Signal, Devices, EnvelopeSession}
	out := make([]string, 0, len(all))
	for _, ns := range all {
		out = append(out, Prefix(ns))
	}
	return out
}
