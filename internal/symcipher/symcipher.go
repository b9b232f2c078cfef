// Package symcipher encrypts record payloads with AES-256.
//
// Encrypt always produces the unauthenticated wire format: a fresh 16-byte
// IV followed by AES-CBC ciphertext with PKCS#7 padding, either as raw bytes
// or as "hex(iv):hex(ciphertext)".
//
// DecryptString additionally accepts "hex(iv):hex(tag):hex(ciphertext)",
// an AES-GCM form that this package never emits. It is kept for stores
// written by older producers; do not remove it without checking that no such
// data remains.
package symcipher

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Cipher errors
var (
	ErrConfiguration = errors.New("symcipher: invalid configuration")
	ErrFormat        = errors.New("symcipher: malformed ciphertext")
	ErrCorruption    = errors.New("symcipher: ciphertext corrupted or wrong key")
	ErrIntegrity     = errors.New("symcipher: authentication tag mismatch")
)

const (
	// KeySize is the only accepted key length (AES-256).
	KeySize = 32

	// IVSize is the length of the CBC initialization vector.
	IVSize = aes.BlockSize

	// TagSize is the length of the GCM authentication tag.
	TagSize = 16

	segmentSep = ":"
)

// Cipher holds a validated AES-256 key.
type Cipher struct {
	block cipher.Block
	rand  io.Reader
}

// New returns a Cipher for key. It fails with ErrConfiguration unless the
// key is exactly 32 bytes.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key is %d bytes, want %d", ErrConfiguration, len(key), KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return &Cipher{block: block, rand: rand.Reader}, nil
}

// Encrypt returns iv ‖ ciphertext.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	iv, ct, err := c.seal(plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(iv)+len(ct))
	out = append(out, iv...)
	return append(out, ct...), nil
}

// EncryptString returns "hex(iv):hex(ciphertext)".
func (c *Cipher) EncryptString(plaintext []byte) (string, error) {
	iv, ct, err := c.seal(plaintext)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(iv) + segmentSep + hex.EncodeToString(ct), nil
}

func (c *Cipher) seal(plaintext []byte) (iv, ct []byte, err error) {
	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct = make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ct, padded)
	return iv, ct, nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < IVSize+aes.BlockSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than iv plus one block", ErrFormat, len(blob))
	}
	return c.openCBC(blob[:IVSize], blob[IVSize:])
}

// DecryptString decrypts either wire encoding, chosen by the number of
// colon-separated segments: two for CBC, three for GCM.
func (c *Cipher) DecryptString(s string) ([]byte, error) {
	segments := strings.Split(s, segmentSep)
	decoded := make([][]byte, len(segments))
	for i, seg := range segments {
		b, err := hex.DecodeString(seg)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %d: %v", ErrFormat, i, err)
		}
		decoded[i] = b
	}

	switch len(decoded) {
	case 2:
		if len(decoded[0]) != IVSize {
			return nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrFormat, len(decoded[0]), IVSize)
		}
		return c.openCBC(decoded[0], decoded[1])
	case 3:
		return c.openGCM(decoded[0], decoded[1], decoded[2])
	default:
		return nil, fmt.Errorf("%w: %d segments, want 2 or 3", ErrFormat, len(segments))
	}
}

func (c *Cipher) openCBC(iv, ct []byte) ([]byte, error) {
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d",
			ErrFormat, len(ct), aes.BlockSize)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, ct)
	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

func (c *Cipher) openGCM(iv, tag, ct []byte) ([]byte, error) {
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag is %d bytes, want %d", ErrFormat, len(tag), TagSize)
	}
	if len(iv) == 0 {
		return nil, fmt.Errorf("%w: empty iv", ErrFormat)
	}
	gcm, err := cipher.NewGCMWithNonceSize(c.block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plain, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plain, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrCorruption
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrCorruption
		}
	}
	return data[:len(data)-n], nil
}
