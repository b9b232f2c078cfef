// Package signature verifies Ed25519 signatures on issuer-provided blobs.
//
// Verification is a boolean gate: malformed keys, malformed signatures and
// algorithm mismatches all resolve to false. Only key parsing reports errors,
// so that a misconfigured trusted key is caught at construction time.
package signature

import (
	"bytes"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Errors
var (
	ErrConfiguration  = errors.New("signature: missing public key material")
	ErrInvalidKey     = errors.New("signature: invalid public key")
	ErrUnsupportedKey = errors.New("signature: unsupported key type (expected Ed25519)")
)

// SPKI DER for an Ed25519 key is a fixed 12-byte prefix followed by the key.
const spkiEd25519Size = 44

// ParsePublicKey decodes Ed25519 public key material. Accepted forms:
//   - raw 32-byte key
//   - PEM "PUBLIC KEY" block wrapping SubjectPublicKeyInfo
//   - base64 (std or url alphabet) of either the raw key or the SPKI DER
//   - OpenSSH authorized-key line ("ssh-ed25519 AAAA...")
func ParsePublicKey(material []byte) (ed25519.PublicKey, error) {
	// Raw key bytes are checked before trimming could alter them.
	if len(material) == ed25519.PublicKeySize {
		return clone(material), nil
	}

	trimmed := bytes.TrimSpace(material)
	if len(trimmed) == 0 {
		return nil, ErrConfiguration
	}

	if bytes.HasPrefix(trimmed, []byte("-----BEGIN")) {
		block, _ := pem.Decode(trimmed)
		if block == nil {
			return nil, fmt.Errorf("%w: unterminated PEM block", ErrInvalidKey)
		}
		return fromDER(block.Bytes)
	}

	if bytes.HasPrefix(trimmed, []byte("ssh-")) {
		return fromAuthorizedKey(trimmed)
	}

	decoded, err := decodeBase64(string(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(decoded) == ed25519.PublicKeySize {
		return decoded, nil
	}
	return fromDER(decoded)
}

// fromDER extracts the key from SubjectPublicKeyInfo. The last 32 bytes are
// the raw key; x509 parsing is used to reject non-Ed25519 algorithms.
func fromDER(der []byte) (ed25519.PublicKey, error) {
	if len(der) < ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: %d bytes of key info", ErrInvalidKey, len(der))
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err == nil {
		k, ok := parsed.(ed25519.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsed)
		}
		return k, nil
	}
	if len(der) != spkiEd25519Size {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return clone(der[len(der)-ed25519.PublicKeySize:]), nil
}

func fromAuthorizedKey(line []byte) (ed25519.PublicKey, error) {
	pub, _, _, _, err := ssh.ParseAuthorizedKey(line)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	cryptoPub, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	k, ok := cryptoPub.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, cryptoPub.CryptoPublicKey())
	}
	return k, nil
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, errors.New("not base64")
}

func clone(b []byte) ed25519.PublicKey {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Verify reports whether signature is a valid Ed25519 signature of message
// under publicKey, given in any form ParsePublicKey accepts.
func Verify(message, signature, publicKey []byte) bool {
	if len(signature) != ed25519.SignatureSize {
		return false
	}
	pub, err := ParsePublicKey(publicKey)
	if err != nil {
		return false
	}
	return verify(pub, message, signature)
}

func verify(pub ed25519.PublicKey, message, signature []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if len(pub) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, message, signature)
}

// Verifier checks signatures against one trusted issuer key.
type Verifier struct {
	pub ed25519.PublicKey
}

// NewVerifier parses material once. An empty or malformed key is a
// configuration error reported here rather than on every Verify.
func NewVerifier(material []byte) (*Verifier, error) {
	pub, err := ParsePublicKey(material)
	if err != nil {
		return nil, err
	}
	return &Verifier{pub: pub}, nil
}

// PublicKey returns a copy of the trusted key.
func (v *Verifier) PublicKey() ed25519.PublicKey {
	return clone(v.pub)
}

// Verify reports whether signature is valid for message.
func (v *Verifier) Verify(message, signature []byte) bool {
	return verify(v.pub, message, signature)
}

// VerifyBase64 is Verify for signatures transported as base64 text.
func (v *Verifier) VerifyBase64(message []byte, signature string) bool {
	sig, err := decodeBase64(signature)
	if err != nil {
		return false
	}
	return v.Verify(message, sig)
}
