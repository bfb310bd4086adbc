package dh25519

import (
	"errors"

	"postbox/crypto/key25519"
)

var (
	ErrInvalid = errors.New("invalid input")
)

// GetSecret computes the raw Diffie-Hellman output APriv * BPub.
func GetSecret(APrivKey key25519.PrivateKey, BPubKey key25519.PublicKey) ([]byte, error) {
	if APrivKey == nil || BPubKey == nil {
		return nil, ErrInvalid
	}
	privScalar, err := APrivKey.ToScalar()
	if err != nil {
		return nil, err
	}
	pubPoint, err := BPubKey.ToPoint()
	if err != nil {
		return nil, err
	}
	secretPoint := key25519.Suite.Point().Mul(privScalar, pubPoint)
	return secretPoint.MarshalBinary()
}
