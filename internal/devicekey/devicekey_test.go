package devicekey

import (
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/hkdf"
)

type staticSource struct {
	name string
	id   string
	err  error
}

func (s staticSource) Name() string              { return s.name }
func (s staticSource) DeviceID() (string, error) { return s.id, s.err }

func TestDeriveMatchesHKDF(t *testing.T) {
	key, err := Derive("com.acme.game", staticSource{name: "fixed", id: "device-1"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", key.Source)

	salt := sha256.Sum256([]byte("com.acme.game"))
	want := make([]byte, KeySize)
	_, err = io.ReadFull(hkdf.New(sha256.New, []byte("device-1"), salt[:], []byte("licguard-marker-hmac-v1")), want)
	require.NoError(t, err)
	assert.Equal(t, want, key.Slice())
}

func TestDeriveSeparatesProductsAndDevices(t *testing.T) {
	src := staticSource{name: "fixed", id: "device-1"}
	a, err := Derive("com.acme.game", src)
	require.NoError(t, err)
	b, err := Derive("com.acme.editor", src)
	require.NoError(t, err)
	c, err := Derive("com.acme.game", staticSource{name: "fixed", id: "device-2"})
	require.NoError(t, err)

	assert.NotEqual(t, a.Bytes, b.Bytes)
	assert.NotEqual(t, a.Bytes, c.Bytes)

	again, err := Derive("com.acme.game", src)
	require.NoError(t, err)
	assert.Equal(t, a.Bytes, again.Bytes)
}

func TestDeriveFallsThrough(t *testing.T) {
	key, err := Derive("bundle",
		staticSource{name: "tpm", err: ErrUnavailable},
		staticSource{name: "empty"},
		staticSource{name: "machine-id", id: "abc"},
	)
	require.NoError(t, err)
	assert.Equal(t, "machine-id", key.Source)
}

func TestDeriveNoSource(t *testing.T) {
	_, err := Derive("bundle", staticSource{name: "tpm", err: ErrUnavailable})
	assert.ErrorIs(t, err, ErrNoSource)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = Derive("bundle")
	assert.ErrorIs(t, err, ErrNoSource)

	_, err = Derive("  ", staticSource{name: "x", id: "y"})
	assert.ErrorIs(t, err, ErrEmptyBundleID)
}

func TestKeyDestroy(t *testing.T) {
	key, err := Derive("bundle", staticSource{name: "x", id: "y"})
	require.NoError(t, err)
	key.Destroy()
	assert.Equal(t, [KeySize]byte{}, key.Bytes)
}

func TestSeedSourcePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "device.seed")

	first := &SeedSource{Path: path}
	id1, err := first.DeviceID()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, data, seedSize)
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	second := &SeedSource{Path: path}
	id2, err := second.DeviceID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
}

func TestSeedSourceRefusesDamagedSeed(t *testing.T) {
	for name, content := range map[string][]byte{
		"short": []byte("short"),
		"long":  make([]byte, seedSize+1),
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "device.seed")
			require.NoError(t, os.WriteFile(path, content, 0600))

			_, err := (&SeedSource{Path: path}).DeviceID()
			assert.ErrorIs(t, err, ErrSeedDamaged)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, content, data, "damaged seed is left for the operator")

			_, err = Derive("com.example.app", &SeedSource{Path: path})
			assert.ErrorIs(t, err, ErrNoSource)
			assert.ErrorIs(t, err, ErrSeedDamaged)

			require.NoError(t, os.Remove(path))
			id, err := (&SeedSource{Path: path}).DeviceID()
			require.NoError(t, err)
			assert.NotEmpty(t, id)
		})
	}
}

func TestSeedSourceWithoutPath(t *testing.T) {
	_, err := (&SeedSource{}).DeviceID()
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestParseSources(t *testing.T) {
	srcs, err := ParseSources(nil, "/tmp/seed")
	require.NoError(t, err)
	require.Len(t, srcs, 3)
	assert.Equal(t, SourceTPM, srcs[0].Name())
	assert.Equal(t, SourceMachineID, srcs[1].Name())
	assert.Equal(t, SourceSeed, srcs[2].Name())

	srcs, err = ParseSources([]string{" Seed "}, "/tmp/seed")
	require.NoError(t, err)
	require.Len(t, srcs, 1)
	assert.Equal(t, "/tmp/seed", srcs[0].(*SeedSource).Path)

	_, err = ParseSources([]string{"dongle"}, "")
	assert.ErrorIs(t, err, ErrUnknownSource)
}
