// Package base64url encodes binary values for use inside store keys, where
// the padding character would collide with other key syntax.
package base64url

import (
	"encoding/base64"
)

// Encode returns the unpadded base64url form of b.
func Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
