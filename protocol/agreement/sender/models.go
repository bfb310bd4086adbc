package sender

import (
	"postbox/crypto/keys"
)

// RecipientBundle is the published key material of the party being invited.
type RecipientBundle struct {
	IdentityKey keys.IdentityPublicKey
	Prekey      keys.AgreementPublicKey
	PrekeySig   []byte
	// OneTimeKey is handed out by the server at most once. It is recorded
	// in the transcript but does not contribute to the derived key.
	OneTimeKey *keys.AgreementPublicKey
}

// Verify checks the prekey signature under the recipient's identity key.
func (b *RecipientBundle) Verify() error {
	return b.IdentityKey.Verify(b.Prekey.Export(), b.PrekeySig)
}

// Result is what the sender ends a handshake with. The ephemeral private
// key is already gone by the time a Result exists.
type Result struct {
	SessionKey   *keys.SessionKey
	Salt         []byte
	EphemeralPub keys.AgreementPublicKey
}
