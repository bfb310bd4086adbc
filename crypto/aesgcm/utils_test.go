package aesgcm

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) [32]byte {
	t.Helper()
	var key [32]byte
	_, err := io.ReadFull(rand.Reader, key[:])
	require.NoError(t, err)
	return key
}

func TestSealOpen(t *testing.T) {
	key := newTestKey(t)
	plaintext := []byte("hello over the relay")

	sealed, err := Seal(key, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(plaintext))

	opened, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealFreshNonce(t *testing.T) {
	key := newTestKey(t)
	a, err := Seal(key, []byte("x"))
	require.NoError(t, err)
	b, err := Seal(key, []byte("x"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "two seals of the same plaintext must differ")
}

func TestOpenTamperedCiphertext(t *testing.T) {
	key := newTestKey(t)
	sealed, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	for i := range sealed {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[i] ^= 0x01

		plaintext, err := Open(key, tampered)
		assert.ErrorIs(t, err, ErrDecryptionFailed, "bit flip at offset %d", i)
		assert.Nil(t, plaintext)
	}
}

func TestOpenTruncatedCiphertext(t *testing.T) {
	key := newTestKey(t)
	for _, in := range [][]byte{nil, {}, []byte("short"), make([]byte, 27)} {
		plaintext, err := Open(key, in)
		assert.ErrorIs(t, err, ErrMalformedCiphertext)
		assert.Nil(t, plaintext)
	}
}

func TestOpenWrongKey(t *testing.T) {
	sealed, err := Seal(newTestKey(t), []byte("payload"))
	require.NoError(t, err)

	_, err = Open(newTestKey(t), sealed)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}
