package sender

import (
	"fmt"

	"postbox/crypto/keys"
)

// https://signal.org/docs/specifications/x3dh/
// Terminology:
// - sender: the party initiating contact (Alice)
// - recipient: the party whose published bundle is used (Bob)

// PerformKeyAgreement runs the sender side of the asynchronous 3-DH
// handshake. The three DH outputs are concatenated in a fixed order that
// the receiver mirrors; both sides diverge silently if the order ever
// changes, so it is part of the protocol contract:
//
//	1. own-identity  x their-prekey
//	2. own-ephemeral x their-identity
//	3. own-ephemeral x their-prekey
func PerformKeyAgreement(recipient *RecipientBundle, idKey *keys.IdentityKey) (*Result, error) {
	// 1. Verify the recipient's prekey signature
	if err := recipient.Verify(); err != nil {
		return nil, fmt.Errorf("recipient prekey signature: %w", err)
	}

	// 2. Generate an ephemeral key pair
	ephKey, err := keys.NewAgreementKey()
	if err != nil {
		return nil, err
	}

	// 3. Compute the three DH outputs
	dh1, err := idKey.DeriveBits(recipient.Prekey)
	if err != nil {
		return nil, err
	}
	dh2, err := ephKey.DeriveBits(recipient.IdentityKey)
	if err != nil {
		return nil, err
	}
	dh3, err := ephKey.DeriveBits(recipient.Prekey)
	if err != nil {
		return nil, err
	}

	ikm := make([]byte, 0, len(dh1)+len(dh2)+len(dh3))
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	// 4. Derive the session key under a fresh salt
	sessionKey, salt, err := keys.DeriveSessionKey(ikm, nil)
	if err != nil {
		return nil, err
	}

	// The ephemeral private key goes out of scope here and is never
	// stored; only its public half travels to the recipient.
	return &Result{
		SessionKey:   sessionKey,
		Salt:         salt,
		EphemeralPub: ephKey.Public(),
	}, nil
}
