package keys

import "errors"

var (
	// ErrInvalidKey is returned when raw key material does not match the
	// wrapper's expected curve or length.
	ErrInvalidKey = errors.New("keys: raw material is not a valid key of this kind")
	// ErrNotExtractable is returned when exporting a key that was derived
	// rather than chosen.
	ErrNotExtractable = errors.New("keys: key is not extractable")
)
