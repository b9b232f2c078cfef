package devicekey

import (
	"fmt"
	"strings"
)

// MachineIDSource reads the identifier the OS assigns at install time.
type MachineIDSource struct{}

// Name implements Source.
func (MachineIDSource) Name() string { return SourceMachineID }

// DeviceID implements Source.
func (MachineIDSource) DeviceID() (string, error) {
	id, err := machineID()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return "", ErrEmptyDeviceID
	}
	return "mid-" + id, nil
}
