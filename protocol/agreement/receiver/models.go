package receiver

import (
	"postbox/crypto/keys"
)

// ReceiverBundle is the private key material of the invited party.
type ReceiverBundle struct {
	IdentityKey *keys.IdentityKey
	Prekey      *keys.AgreementKey
}

// SenderTranscript is what arrives inside an invite: the sender's public
// keys and the salt their derivation used.
type SenderTranscript struct {
	IdentityKey  keys.IdentityPublicKey
	EphemeralKey keys.AgreementPublicKey
	Salt         []byte
}
