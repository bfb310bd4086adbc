package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"postbox/crypto/dh25519"
	"postbox/crypto/key25519"
)

// AgreementKey is a Diffie-Hellman keypair: the signed prekey of an
// account, a one-time prekey, or a per-handshake ephemeral key. It cannot
// sign.
type AgreementKey struct {
	pair key25519.Pair
}

func NewAgreementKey() (*AgreementKey, error) {
	pair, err := key25519.NewPair()
	if err != nil {
		return nil, err
	}
	return &AgreementKey{pair: *pair}, nil
}

// AgreementKeyFromRaw rebuilds an agreement key from its stored private half.
func AgreementKeyFromRaw(priv []byte) (*AgreementKey, error) {
	p := key25519.PrivateKey(priv)
	pub, err := p.Public()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &AgreementKey{pair: key25519.Pair{Priv: p, Pub: pub}}, nil
}

// DeriveBits computes the raw DH output against a peer public key.
func (k *AgreementKey) DeriveBits(peer DHPeer) ([]byte, error) {
	return dh25519.GetSecret(k.pair.Priv, key25519.PublicKey(peer.Export()))
}

func (k *AgreementKey) Public() AgreementPublicKey {
	return AgreementPublicKey{raw: k.pair.Pub}
}

func (k *AgreementKey) ExportPrivate() []byte {
	return k.pair.Priv
}

// AgreementPublicKey is the transmitted half of an agreement key.
type AgreementPublicKey struct {
	raw key25519.PublicKey
}

// AgreementPublicKeyFromRaw validates that the raw bytes decode as a curve
// point of the right length before accepting them.
func AgreementPublicKeyFromRaw(raw []byte) (AgreementPublicKey, error) {
	p := key25519.PublicKey(raw)
	if _, err := p.ToPoint(); err != nil {
		return AgreementPublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return AgreementPublicKey{raw: p}, nil
}

func (p AgreementPublicKey) Export() []byte {
	out := make([]byte, len(p.raw))
	copy(out, p.raw)
	return out
}

func (p AgreementPublicKey) Equals(other AgreementPublicKey) bool {
	return p.raw.Equals(other.raw)
}

func (p AgreementPublicKey) String() string {
	return base64.StdEncoding.EncodeToString(p.raw)
}

func (p AgreementPublicKey) Fingerprint() string {
	sum := sha256.Sum256(p.raw)
	return hex.EncodeToString(sum[:8])
}
