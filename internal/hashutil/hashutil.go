// Package hashutil provides the digests used by licguard.
//
// Fingerprint is the content fingerprint persisted next to every encrypted
// record. It is a 32-bit FNV-1a digest: cheap and collision-prone, which is
// acceptable because the marker set carrying it is itself HMAC-signed with
// the device key. Changing it invalidates every stored marker, so it must
// only change together with a marker format migration.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
)

// FingerprintSize is the length of a Fingerprint in hex characters.
const FingerprintSize = 8

// Fingerprint returns the 32-bit FNV-1a digest of data as lowercase hex.
func Fingerprint(data []byte) string {
	h := fnv.New32a()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// SHA256 returns the SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SHA256Hex returns the SHA-256 digest of data as lowercase hex.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DeriveKey turns a caller-supplied secret into a 256-bit symmetric key with
// a single SHA-256 pass over its UTF-8 bytes.
func DeriveKey(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}
