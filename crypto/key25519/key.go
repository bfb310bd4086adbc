package key25519

import (
	"errors"

	"go.dedis.ch/kyber/v4"
	"go.dedis.ch/kyber/v4/suites"
)

// KeySize is the serialized length of both scalars and points.
const KeySize = 32

var (
	Suite = suites.MustFind("Ed25519") // Use the edwards25519-curve

	ErrKeySize      = errors.New("key25519: raw key has wrong length")
	ErrKeyMalformed = errors.New("key25519: raw key does not decode on the curve")
)

type (
	// PrivateKey is a 32-byte private key
	PrivateKey []byte
	// PublicKey is a 32-byte public key
	PublicKey []byte
	Pair      struct {
		Priv PrivateKey
		Pub  PublicKey
	}
)

func New() (PrivateKey, error) {
	privK := Suite.Scalar().Pick(Suite.RandomStream())
	return privK.MarshalBinary()
}

// NewPair generates a private key and its public half.
func NewPair() (*Pair, error) {
	priv, err := New()
	if err != nil {
		return nil, err
	}
	pub, err := priv.Public()
	if err != nil {
		return nil, err
	}
	return &Pair{Priv: priv, Pub: pub}, nil
}

func (privB PrivateKey) Public() (PublicKey, error) {
	privK, err := privB.ToScalar()
	if err != nil {
		return nil, err
	}
	pubK := Suite.Point().Mul(privK, nil)
	return pubK.MarshalBinary()
}

func (privB PrivateKey) ToScalar() (kyber.Scalar, error) {
	if len(privB) != KeySize {
		return nil, ErrKeySize
	}
	privK := Suite.Scalar()
	if err := privK.UnmarshalBinary(privB); err != nil {
		return nil, ErrKeyMalformed
	}
	return privK, nil
}

func (pubB PublicKey) ToPoint() (kyber.Point, error) {
	if len(pubB) != KeySize {
		return nil, ErrKeySize
	}
	pubK := Suite.Point()
	if err := pubK.UnmarshalBinary(pubB); err != nil {
		return nil, ErrKeyMalformed
	}
	return pubK, nil
}

func (pubB PublicKey) Equals(other PublicKey) bool {
	if len(pubB) != len(other) {
		return false
	}
	for i := range pubB {
		if pubB[i] != other[i] {
			return false
		}
	}
	return true
}
