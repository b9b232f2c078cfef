//go:build !linux && !windows && !darwin

package devicekey

import "errors"

func machineID() (string, error) {
	return "", errors.New("no machine id on this platform")
}
