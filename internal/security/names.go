package security

import (
	"errors"
	"fmt"
	"strings"
)

// Name validation errors
var (
	ErrInvalidName = errors.New("security: invalid name")
)

// MaxNameLength bounds record, namespace and marker names.
const MaxNameLength = 128

// ValidateName checks that name is safe to embed in a file name, a registry
// key path and a marker canonicalization string: [A-Za-z0-9._-], not "." or
// "..", at most MaxNameLength bytes.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidName, len(name), MaxNameLength)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if i := strings.IndexFunc(name, func(r rune) bool { return !nameRune(r) }); i >= 0 {
		return fmt.Errorf("%w: %q has invalid character at %d", ErrInvalidName, name, i)
	}
	return nil
}

func nameRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '.', r == '_', r == '-':
		return true
	}
	return false
}
