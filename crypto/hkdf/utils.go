package hkdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"postbox/configs"
)

// New32BytesKey derives a 32-byte key from a secret and salt using
// HKDF-SHA256. The info context is fixed; one derived key serves a whole
// session until the next handshake.
func New32BytesKey(secret, salt []byte) ([]byte, error) {
	hkdfReader := hkdf.New(sha256.New, secret, salt, configs.HKDFInfo)

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, err
	}
	return key, nil
}
