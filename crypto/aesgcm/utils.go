package aesgcm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
)

var (
	ErrMalformedCiphertext = errors.New("aesgcm: ciphertext too short")
	ErrDecryptionFailed    = errors.New("aesgcm: authentication failed")
)

// Seal encrypts the plaintext with AES-256-GCM under a fresh nonce and
// returns nonce||ciphertext.
func Seal(key [32]byte, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open splits the nonce off the input and decrypts the remainder. No
// plaintext is returned on any failure.
func Open(key [32]byte, in []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(in) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrMalformedCiphertext
	}
	nonce, ciphertext := in[:aead.NonceSize()], in[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newAEAD(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
