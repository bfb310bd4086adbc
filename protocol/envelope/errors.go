package envelope

import "errors"

var (
	// ErrUnknownSender means no cached identity exists for the sender.
	// The envelope is surfaced as unverifiable, never silently dropped.
	ErrUnknownSender = errors.New("envelope: unknown sender")
	// ErrDecryptionFailed covers both tampering and an epoch mismatch;
	// the two are intentionally not distinguished.
	ErrDecryptionFailed = errors.New("envelope: decryption failed")
	// ErrMalformedPayload means the decrypted bytes are not a valid
	// signed payload.
	ErrMalformedPayload = errors.New("envelope: malformed payload")
)
