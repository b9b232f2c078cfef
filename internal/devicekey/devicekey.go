// Package devicekey derives the per-device secret that signs marker files.
//
// A device identifier is read from the first Source that answers (TPM
// endorsement key, OS machine id, or a local seed file) and expanded with
// HKDF-SHA256, salted with the product's bundle id, so two products on one
// machine never share a marker key.
package devicekey

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"licguard/internal/security"
)

// Errors
var (
	ErrNoSource      = errors.New("devicekey: no device identifier source answered")
	ErrUnavailable   = errors.New("devicekey: source unavailable on this device")
	ErrUnknownSource = errors.New("devicekey: unknown source")
	ErrEmptyBundleID = errors.New("devicekey: bundle id required")
	ErrEmptyDeviceID = errors.New("devicekey: source returned an empty identifier")
	ErrSeedDamaged   = errors.New("devicekey: seed file is damaged")
)

// markerInfo is the HKDF info label for the marker HMAC key.
const markerInfo = "licguard-marker-hmac-v1"

// KeySize is the derived key length.
const KeySize = 32

// Source yields a stable identifier for this device.
type Source interface {
	Name() string
	DeviceID() (string, error)
}

// Key is a derived device key and the source it came from.
type Key struct {
	Bytes  [KeySize]byte
	Source string

	unpin func()
}

// Slice returns the key as a byte slice backed by k.
func (k *Key) Slice() []byte {
	return k.Bytes[:]
}

// Destroy zeroes the key and releases its memory lock.
func (k *Key) Destroy() {
	security.Wipe(k.Bytes[:])
	if k.unpin != nil {
		k.unpin()
		k.unpin = nil
	}
}

// Derive walks sources in order and derives the key from the first one that
// returns an identifier. Errors from skipped sources are joined into the
// returned error when none answers.
func Derive(bundleID string, sources ...Source) (*Key, error) {
	if strings.TrimSpace(bundleID) == "" {
		return nil, ErrEmptyBundleID
	}

	var errs []error
	for _, src := range sources {
		id, err := src.DeviceID()
		if err == nil && id == "" {
			err = ErrEmptyDeviceID
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
			continue
		}
		key, err := expand(id, bundleID)
		if err != nil {
			return nil, err
		}
		key.Source = src.Name()
		return key, nil
	}
	return nil, errors.Join(append([]error{ErrNoSource}, errs...)...)
}

func expand(deviceID, bundleID string) (*Key, error) {
	salt := sha256.Sum256([]byte(bundleID))
	reader := hkdf.New(sha256.New, []byte(deviceID), salt[:], []byte(markerInfo))

	k := &Key{}
	k.unpin = security.Pin(k.Bytes[:])
	if _, err := io.ReadFull(reader, k.Bytes[:]); err != nil {
		k.Destroy()
		return nil, fmt.Errorf("devicekey: expand: %w", err)
	}
	return k, nil
}

// Source names accepted by ParseSources.
const (
	SourceTPM       = "tpm"
	SourceMachineID = "machine-id"
	SourceSeed      = "seed"
)

// DefaultSources is the order used when configuration names none.
var DefaultSources = []string{SourceTPM, SourceMachineID, SourceSeed}

// ParseSources builds sources from configured names. seedPath is used by
// the seed source.
func ParseSources(names []string, seedPath string) ([]Source, error) {
	if len(names) == 0 {
		names = DefaultSources
	}
	out := make([]Source, 0, len(names))
	for _, n := range names {
		switch strings.ToLower(strings.TrimSpace(n)) {
		case SourceTPM:
			out = append(out, TPMSource{})
		case SourceMachineID:
			out = append(out, MachineIDSource{})
		case SourceSeed:
			out = append(out, &SeedSource{Path: seedPath})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownSource, n)
		}
	}
	return out, nil
}
