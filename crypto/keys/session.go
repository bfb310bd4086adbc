package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"postbox/configs"
	"postbox/crypto/aesgcm"
	"postbox/crypto/hkdf"
)

// SessionKey is the symmetric authenticated-encryption key shared by both
// parties after a handshake. Derived keys are not extractable; only a
// freshly chosen key (for group propagation) can be exported or wrapped.
type SessionKey struct {
	raw         [32]byte
	extractable bool
}

// NewSessionKey picks a fresh random, extractable key. Used when one
// sender-chosen key is propagated to multiple group recipients.
func NewSessionKey() (*SessionKey, error) {
	var k SessionKey
	if _, err := io.ReadFull(rand.Reader, k.raw[:]); err != nil {
		return nil, err
	}
	k.extractable = true
	return &k, nil
}

// SessionKeyFromRaw validates the length of raw before accepting it.
func SessionKeyFromRaw(raw []byte, extractable bool) (*SessionKey, error) {
	if len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	var k SessionKey
	copy(k.raw[:], raw)
	k.extractable = extractable
	return &k, nil
}

// DeriveSessionKey expands raw DH output into a session key. A nil salt
// means the sender role: a fresh salt is generated and returned alongside
// the key. A supplied salt (receiver role) reproduces the identical key.
func DeriveSessionKey(inputKeyMaterial, salt []byte) (*SessionKey, []byte, error) {
	if salt == nil {
		salt = make([]byte, configs.SaltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, err
		}
	}
	raw, err := hkdf.New32BytesKey(inputKeyMaterial, salt)
	if err != nil {
		return nil, nil, err
	}
	key, err := SessionKeyFromRaw(raw, false)
	if err != nil {
		return nil, nil, err
	}
	return key, salt, nil
}

// Encrypt seals the plaintext under a fresh nonce; the nonce is prefixed
// to the returned ciphertext.
func (k *SessionKey) Encrypt(plaintext []byte) ([]byte, error) {
	return aesgcm.Seal(k.raw, plaintext)
}

// Decrypt splits the nonce off and opens the ciphertext. Truncated input
// yields aesgcm.ErrMalformedCiphertext, authentication failure
// aesgcm.ErrDecryptionFailed; no partial plaintext is ever returned.
func (k *SessionKey) Decrypt(ciphertext []byte) ([]byte, error) {
	return aesgcm.Open(k.raw, ciphertext)
}

// Wrap encrypts another session key under this one for transmission. The
// wrapped key must be extractable.
func (k *SessionKey) Wrap(other *SessionKey) ([]byte, error) {
	raw, err := other.Export()
	if err != nil {
		return nil, err
	}
	return k.Encrypt(raw)
}

// Unwrap decrypts a wrapped session key. The result is not extractable.
func (k *SessionKey) Unwrap(blob []byte) (*SessionKey, error) {
	raw, err := k.Decrypt(blob)
	if err != nil {
		return nil, err
	}
	return SessionKeyFromRaw(raw, false)
}

// MarshalBinary is the durable keystore form: one flag byte followed by
// the raw key. It bypasses the extractability check, which guards the
// application-facing Export, not the owner's own keystore; without it a
// derived key could never survive a restart.
func (k *SessionKey) MarshalBinary() ([]byte, error) {
	out := make([]byte, 1, 1+len(k.raw))
	if k.extractable {
		out[0] = 1
	}
	return append(out, k.raw[:]...), nil
}

// SessionKeyFromStored rebuilds a key from its MarshalBinary form.
func SessionKeyFromStored(b []byte) (*SessionKey, error) {
	if len(b) != 33 {
		return nil, ErrInvalidKey
	}
	return SessionKeyFromRaw(b[1:], b[0] == 1)
}

func (k *SessionKey) Export() ([]byte, error) {
	if !k.extractable {
		return nil, ErrNotExtractable
	}
	out := make([]byte, len(k.raw))
	copy(out, k.raw[:])
	return out, nil
}

func (k *SessionKey) IsExtractable() bool {
	return k.extractable
}

func (k *SessionKey) Fingerprint() string {
	sum := sha256.Sum256(k.raw[:])
	return hex.EncodeToString(sum[:8])
}
