//go:build windows

package markers

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows/registry"
)

// PlatformHive returns the current user's registry hive (HKCU).
func PlatformHive() (Hive, error) {
	return registryHive{root: registry.CURRENT_USER}, nil
}

type registryHive struct {
	root registry.Key
}

func (h registryHive) SetString(path, name, value string) error {
	k, _, err := registry.CreateKey(h.root, path, registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHiveUnavailable, err)
	}
	defer k.Close()
	return k.SetStringValue(name, value)
}

func (h registryHive) GetString(path, name string) (string, error) {
	k, err := registry.OpenKey(h.root, path, registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	defer k.Close()

	v, _, err := k.GetStringValue(name)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return v, nil
}

// DeleteTree removes path and every subkey beneath it.
func (h registryHive) DeleteTree(path string) error {
	k, err := registry.OpenKey(h.root, path, registry.ENUMERATE_SUB_KEYS|registry.QUERY_VALUE)
	if err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return nil
		}
		return err
	}
	subkeys, err := k.ReadSubKeyNames(-1)
	k.Close()
	if err != nil {
		return err
	}
	for _, sub := range subkeys {
		if err := h.DeleteTree(path + `\` + sub); err != nil {
			return err
		}
	}
	if err := registry.DeleteKey(h.root, path); err != nil && !errors.Is(err, registry.ErrNotExist) {
		return err
	}
	return nil
}
