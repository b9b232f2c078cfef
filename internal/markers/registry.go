package markers

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultRegistryRoot is used when Options.RegistryRoot is empty.
const DefaultRegistryRoot = `Software\licguard\Markers`

// Hive is an OS-protected string store addressed by a backslash-separated
// key path. Implementations report a missing path or value as ErrNotFound.
type Hive interface {
	SetString(path, name, value string) error
	GetString(path, name string) (string, error)
	DeleteTree(path string) error
}

// RegistryBackend keeps each namespace under <root>\<namespace> of a Hive.
// The OS access boundary is the only integrity witness, so it never reports
// ErrTampered.
type RegistryBackend struct {
	hive Hive
	root string
}

// NewRegistryBackend stores markers below root in hive.
func NewRegistryBackend(hive Hive, root string) (*RegistryBackend, error) {
	if hive == nil {
		return nil, ErrHiveUnavailable
	}
	root = strings.Trim(root, `\`)
	if root == "" {
		root = DefaultRegistryRoot
	}
	return &RegistryBackend{hive: hive, root: root}, nil
}

// Kind implements Store.
func (r *RegistryBackend) Kind() Kind { return BackendRegistry }

// Root returns the key path namespaces are created under.
func (r *RegistryBackend) Root() string { return r.root }

func (r *RegistryBackend) path(namespace string) string {
	return r.root + `\` + namespace
}

// SetMarker implements Store.
func (r *RegistryBackend) SetMarker(namespace, key, value string) error {
	if err := validateMarker(namespace, key, value); err != nil {
		return err
	}
	if err := r.hive.SetString(r.path(namespace), key, value); err != nil {
		return fmt.Errorf("markers: set %s\\%s: %w", namespace, key, err)
	}
	return nil
}

// GetMarker implements Store.
func (r *RegistryBackend) GetMarker(namespace, key string) (string, error) {
	if err := validateNamespace(namespace); err != nil {
		return "", err
	}
	v, err := r.hive.GetString(r.path(namespace), key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("markers: get %s\\%s: %w", namespace, key, err)
	}
	return v, nil
}

// ClearMarkers implements Store. Clearing a namespace that was never
// written succeeds.
func (r *RegistryBackend) ClearMarkers(namespace string) error {
	if err := validateNamespace(namespace); err != nil {
		return err
	}
	err := r.hive.DeleteTree(r.path(namespace))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("markers: clear %s: %w", namespace, err)
	}
	return nil
}
