package signature

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

func pemFor(t *testing.T, pub any) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func TestVerifyValidSignature(t *testing.T) {
	pub, priv := newKeyPair(t)
	msg := []byte(`{"license":"pro","seats":5}`)
	sig := ed25519.Sign(priv, msg)

	assert.True(t, Verify(msg, sig, pub))
	assert.True(t, Verify(msg, sig, pemFor(t, pub)))
}

func TestVerifyRejectsMutations(t *testing.T) {
	pub, priv := newKeyPair(t)
	msg := []byte("license blob")
	sig := ed25519.Sign(priv, msg)

	badMsg := append([]byte(nil), msg...)
	badMsg[0] ^= 0x01
	assert.False(t, Verify(badMsg, sig, pub))

	badSig := append([]byte(nil), sig...)
	badSig[10] ^= 0x01
	assert.False(t, Verify(msg, badSig, pub))

	otherPub, _ := newKeyPair(t)
	assert.False(t, Verify(msg, sig, otherPub))
}

func TestVerifyWrongSignatureLength(t *testing.T) {
	pub, priv := newKeyPair(t)
	msg := []byte("license blob")
	sig := ed25519.Sign(priv, msg)

	assert.NotPanics(t, func() {
		assert.False(t, Verify(msg, sig[:63], pub))
		assert.False(t, Verify(msg, append(sig, 0), pub))
		assert.False(t, Verify(msg, nil, pub))
	})
}

func TestVerifyMalformedKeys(t *testing.T) {
	_, priv := newKeyPair(t)
	msg := []byte("m")
	sig := ed25519.Sign(priv, msg)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	for name, key := range map[string][]byte{
		"empty":      nil,
		"short":      make([]byte, 31),
		"garbage":    []byte("not a key at all!"),
		"broken pem": []byte("-----BEGIN PUBLIC KEY-----\nAAAA"),
		"ecdsa pem":  pemFor(t, &ecKey.PublicKey),
		"broken ssh": []byte("ssh-ed25519 !!!"),
	} {
		t.Run(name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.False(t, Verify(msg, sig, key))
			})
		})
	}
}

func TestParsePublicKeyForms(t *testing.T) {
	pub, _ := newKeyPair(t)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	forms := map[string][]byte{
		"raw":            pub,
		"pem":            pemFor(t, pub),
		"base64 raw":     []byte(base64.StdEncoding.EncodeToString(pub)),
		"base64 spki":    []byte(base64.StdEncoding.EncodeToString(der)),
		"base64url raw":  []byte(base64.RawURLEncoding.EncodeToString(pub)),
		"authorized key": ssh.MarshalAuthorizedKey(sshPub),
	}
	for name, material := range forms {
		t.Run(name, func(t *testing.T) {
			got, err := ParsePublicKey(material)
			require.NoError(t, err)
			assert.Equal(t, pub, got)
		})
	}
}

func TestParsePublicKeySPKITail(t *testing.T) {
	pub, _ := newKeyPair(t)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	require.Len(t, der, spkiEd25519Size)

	got, err := fromDER(der)
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), []byte(der[len(der)-32:]))
	assert.Equal(t, pub, got)
}

func TestParsePublicKeyErrors(t *testing.T) {
	_, err := ParsePublicKey(nil)
	assert.ErrorIs(t, err, ErrConfiguration)
	_, err = ParsePublicKey([]byte("   \n"))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = ParsePublicKey([]byte("@@@"))
	assert.ErrorIs(t, err, ErrInvalidKey)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	_, err = ParsePublicKey(pemFor(t, &ecKey.PublicKey))
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestVerifier(t *testing.T) {
	pub, priv := newKeyPair(t)
	v, err := NewVerifier(pemFor(t, pub))
	require.NoError(t, err)
	assert.Equal(t, pub, v.PublicKey())

	msg := []byte("issued blob")
	sig := ed25519.Sign(priv, msg)
	assert.True(t, v.Verify(msg, sig))
	assert.True(t, v.VerifyBase64(msg, base64.StdEncoding.EncodeToString(sig)))
	assert.False(t, v.VerifyBase64(msg, "%%%"))
	assert.False(t, v.Verify(msg, sig[:63]))

	_, err = NewVerifier(nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}
