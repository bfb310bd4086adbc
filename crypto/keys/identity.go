package keys

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"postbox/crypto/dh25519"
	"postbox/crypto/key25519"
	"postbox/crypto/signer"
)

// DHPeer is any public key wrapper usable as the remote side of a
// Diffie-Hellman computation. Both identity and agreement public keys
// qualify; the 3-DH handshake mixes the two.
type DHPeer interface {
	Export() []byte
}

// IdentityKey is the long-lived signing keypair of an account. The public
// half is published and trusted on first contact.
type IdentityKey struct {
	pair key25519.Pair
}

func NewIdentityKey() (*IdentityKey, error) {
	pair, err := key25519.NewPair()
	if err != nil {
		return nil, err
	}
	return &IdentityKey{pair: *pair}, nil
}

// IdentityKeyFromRaw rebuilds an identity key from its stored private half.
func IdentityKeyFromRaw(priv []byte) (*IdentityKey, error) {
	p := key25519.PrivateKey(priv)
	pub, err := p.Public()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &IdentityKey{pair: key25519.Pair{Priv: p, Pub: pub}}, nil
}

func (k *IdentityKey) Sign(msg []byte) ([]byte, error) {
	return signer.Sign(k.pair.Priv, msg)
}

// DeriveBits computes the raw DH output against a peer public key.
func (k *IdentityKey) DeriveBits(peer DHPeer) ([]byte, error) {
	return dh25519.GetSecret(k.pair.Priv, key25519.PublicKey(peer.Export()))
}

func (k *IdentityKey) Public() IdentityPublicKey {
	return IdentityPublicKey{raw: k.pair.Pub}
}

func (k *IdentityKey) ExportPrivate() []byte {
	return k.pair.Priv
}

// IdentityPublicKey is the published, verify-only half of an identity.
type IdentityPublicKey struct {
	raw key25519.PublicKey
}

// IdentityPublicKeyFromRaw validates that the raw bytes decode as a curve
// point of the right length before accepting them.
func IdentityPublicKeyFromRaw(raw []byte) (IdentityPublicKey, error) {
	p := key25519.PublicKey(raw)
	if _, err := p.ToPoint(); err != nil {
		return IdentityPublicKey{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return IdentityPublicKey{raw: p}, nil
}

// Verify checks sig over msg. A nil return means the signature is valid.
func (p IdentityPublicKey) Verify(msg, sig []byte) error {
	return signer.Verify(p.raw, msg, sig)
}

func (p IdentityPublicKey) Export() []byte {
	out := make([]byte, len(p.raw))
	copy(out, p.raw)
	return out
}

func (p IdentityPublicKey) Equals(other IdentityPublicKey) bool {
	return p.raw.Equals(other.raw)
}

func (p IdentityPublicKey) String() string {
	return base64.StdEncoding.EncodeToString(p.raw)
}

// Fingerprint is a short key id for logs and indexes.
func (p IdentityPublicKey) Fingerprint() string {
	sum := sha256.Sum256(p.raw)
	return hex.EncodeToString(sum[:8])
}
