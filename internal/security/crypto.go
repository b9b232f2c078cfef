package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrWeakKey        = errors.New("security: key is too weak")
	ErrInvalidKeySize = errors.New("security: invalid key size")
)

// MinKeySize bounds both the input secret and the derived key.
const MinKeySize = 16

// DeriveKey expands secret into keySize bytes with HKDF-SHA256. The caller
// owns the result and should Wipe it.
func DeriveKey(secret, salt, info []byte, keySize int) ([]byte, error) {
	switch {
	case len(secret) < MinKeySize:
		return nil, fmt.Errorf("%w: %d-byte secret, need %d", ErrWeakKey, len(secret), MinKeySize)
	case keySize < MinKeySize:
		return nil, fmt.Errorf("%w: %d-byte output, need %d", ErrInvalidKeySize, keySize, MinKeySize)
	}

	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		Wipe(out)
		return nil, fmt.Errorf("security: hkdf: %w", err)
	}
	return out, nil
}

// DeriveKeyWithLabel derives a key with a domain separation label so one
// device secret can key several independent HMACs.
func DeriveKeyWithLabel(masterKey []byte, label string, keySize int) ([]byte, error) {
	return DeriveKey(masterKey, nil, []byte("licguard:"+label), keySize)
}
