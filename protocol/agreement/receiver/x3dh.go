package receiver

import (
	"postbox/crypto/keys"
)

// https://signal.org/docs/specifications/x3dh/

// PerformKeyAgreement runs the receiver side of the handshake. Each DH
// pairing is the transpose of the sender's, so commutativity guarantees
// identical raw secrets; the concatenation order must match the sender's:
//
//	1. own-prekey   x their-identity
//	2. own-identity x their-ephemeral
//	3. own-prekey   x their-ephemeral
func PerformKeyAgreement(own *ReceiverBundle, transcript *SenderTranscript) (*keys.SessionKey, error) {
	dh1, err := own.Prekey.DeriveBits(transcript.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh2, err := own.IdentityKey.DeriveBits(transcript.EphemeralKey)
	if err != nil {
		return nil, err
	}
	dh3, err := own.Prekey.DeriveBits(transcript.EphemeralKey)
	if err != nil {
		return nil, err
	}

	ikm := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	sessionKey, _, err := keys.DeriveSessionKey(ikm, transcript.Salt)
	if err != nil {
		return nil, err
	}
	return sessionKey, nil
}
