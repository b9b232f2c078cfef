//go:build linux

package devicekey

import (
	"errors"
	"strings"

	"licguard/internal/security"
)

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

func machineID() (string, error) {
	for _, p := range machineIDPaths {
		data, err := security.ReadFileLimited(p, 256)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	return "", errors.New("no machine-id file")
}
