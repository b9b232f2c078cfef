// Package markers maintains tamper-evidence sidecar values ("markers") for
// licguard's encrypted records.
//
// Markers are grouped per namespace into a marker set. Each backend carries a
// different integrity witness:
//
//   - Registry: values live under an OS-protected key path; the OS access
//     control boundary is the witness and nothing extra is signed.
//   - SignedFile: the whole set is one JSON file carrying an HMAC-SHA256 over
//     every key=value pair, keyed by the device key. Any mismatch makes every
//     key in the file read as ErrTampered.
//   - Volatile: an in-process map with no witness, for hosts without durable
//     per-user storage. It never reports ErrTampered.
//
// A backend is chosen once by Open and passed to consumers as a Store.
package markers

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"licguard/internal/security"
)

// Errors
var (
	// ErrNotFound means the marker was never set (or its set was cleared).
	ErrNotFound = errors.New("markers: marker not found")

	// ErrTampered means the marker set failed its integrity witness. It is
	// never reported as ErrNotFound.
	ErrTampered = errors.New("markers: marker set failed integrity check")

	// ErrInvalidMarker is returned for keys or values that would make the
	// canonical form ambiguous.
	ErrInvalidMarker = errors.New("markers: invalid marker")

	// ErrHiveUnavailable means no OS-protected store is reachable.
	ErrHiveUnavailable = errors.New("markers: OS-protected store unavailable")

	// ErrNoDeviceKey is returned when a signed-file backend has no key.
	ErrNoDeviceKey = errors.New("markers: device key required")
)

// Store is the capability set shared by all backends.
type Store interface {
	// SetMarker stores value under key in namespace's marker set.
	SetMarker(namespace, key, value string) error

	// GetMarker returns the value for key, ErrNotFound if it was never set,
	// or ErrTampered if the set failed its integrity witness.
	GetMarker(namespace, key string) (string, error)

	// ClearMarkers removes the whole marker set for namespace.
	ClearMarkers(namespace string) error

	// Kind identifies the backend.
	Kind() Kind
}

// Kind identifies a backend variant.
type Kind string

const (
	BackendAuto       Kind = "auto"
	BackendRegistry   Kind = "registry"
	BackendSignedFile Kind = "signedfile"
	BackendVolatile   Kind = "volatile"
)

// ParseKind parses a backend name from configuration.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendRegistry, BackendSignedFile, BackendVolatile:
		return k, nil
	default:
		return "", fmt.Errorf("markers: unknown backend %q", s)
	}
}

// Options configures Open.
type Options struct {
	// Backend selects the variant; BackendAuto picks per platform.
	Backend Kind

	// Dir holds signed marker files.
	Dir string

	// DeviceKey keys the signed-file HMAC. Required for BackendSignedFile.
	DeviceKey []byte

	// RegistryRoot is the key path under which namespaces are created,
	// e.g. `Software\Vendor\Product\Markers`.
	RegistryRoot string

	// Hive overrides the platform's OS-protected store.
	Hive Hive

	// Logger receives backend selection messages. Nil discards.
	Logger *slog.Logger
}

// Open builds the marker store for this process. BackendAuto prefers the
// registry on Windows, a signed file where Dir is writable, and the volatile
// store otherwise. Explicit backends either succeed or fail; they never fall
// back silently.
func Open(opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = discardLogger()
	}

	kind := opts.Backend
	if kind == "" {
		kind = BackendAuto
	}

	switch kind {
	case BackendRegistry:
		return openRegistry(opts)
	case BackendSignedFile:
		return NewSignedFileBackend(opts.Dir, opts.DeviceKey)
	case BackendVolatile:
		return NewVolatileBackend(), nil
	case BackendAuto:
	default:
		return nil, fmt.Errorf("markers: unknown backend %q", kind)
	}

	if runtime.GOOS == "windows" || opts.Hive != nil {
		store, err := openRegistry(opts)
		if err == nil {
			logger.Info("marker backend selected", "backend", BackendRegistry)
			return store, nil
		}
		logger.Warn("registry marker backend unavailable", "error", err)
	}

	if opts.Dir != "" && len(opts.DeviceKey) > 0 && security.DirWritable(opts.Dir) {
		store, err := NewSignedFileBackend(opts.Dir, opts.DeviceKey)
		if err == nil {
			logger.Info("marker backend selected", "backend", BackendSignedFile, "dir", opts.Dir)
			return store, nil
		}
		logger.Warn("signed-file marker backend unavailable", "error", err)
	}

	logger.Warn("no durable marker storage reachable, markers will not persist",
		"backend", BackendVolatile)
	return NewVolatileBackend(), nil
}

func openRegistry(opts Options) (Store, error) {
	hive := opts.Hive
	if hive == nil {
		var err error
		if hive, err = PlatformHive(); err != nil {
			return nil, err
		}
	}
	return NewRegistryBackend(hive, opts.RegistryRoot)
}

// validateMarker rejects namespaces and keys that are not safe names and
// values that would make "key=value;" ambiguous.
func validateMarker(namespace, key, value string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	if err := security.ValidateName(key); err != nil {
		return fmt.Errorf("%w: key: %v", ErrInvalidMarker, err)
	}
	if strings.ContainsAny(value, ";\x00") {
		return fmt.Errorf("%w: value for %q contains a reserved character", ErrInvalidMarker, key)
	}
	return nil
}

func validateNamespace(namespace string) error {
	if err := security.ValidateName(namespace); err != nil {
		return fmt.Errorf("%w: namespace: %v", ErrInvalidMarker, err)
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
