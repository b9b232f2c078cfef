package hashutil

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintKnownVectors(t *testing.T) {
	// FNV-1a 32-bit reference values.
	tests := []struct {
		in   string
		want string
	}{
		{"", "811c9dc5"},
		{"a", "e40c292c"},
		{"foobar", "bf9cf968"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Fingerprint([]byte(tt.in)), "input %q", tt.in)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	data := []byte{0x00, 0x01, 0xfe, 0xff}
	first := Fingerprint(data)
	assert.Equal(t, first, Fingerprint(data))
	assert.Len(t, first, FingerprintSize)

	data[0] ^= 0x01
	assert.NotEqual(t, first, Fingerprint(data))
}

func TestDeriveKeyIsSingleSHA256(t *testing.T) {
	want := sha256.Sum256([]byte("machine-key-é"))
	assert.Equal(t, want, DeriveKey("machine-key-é"))
	assert.NotEqual(t, DeriveKey("a"), DeriveKey("b"))
}

func TestSHA256Hex(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		SHA256Hex(nil))
	sum := SHA256([]byte("abc"))
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", SHA256Hex([]byte("abc")))
	assert.Equal(t, byte(0xba), sum[0])
}
