// Package agreement holds what both roles of the 3-DH handshake share.
//
// One run of the handshake is an epoch. Envelopes reference the epoch so a
// receiver holding several historical session keys can pick the right one.
package agreement

import (
	"crypto/sha256"
	"encoding/hex"
)

// EpochID names the epoch produced by a handshake. Both parties compute it
// from the transmitted salt alone.
func EpochID(salt []byte) string {
	sum := sha256.Sum256(salt)
	return hex.EncodeToString(sum[:8])
}
