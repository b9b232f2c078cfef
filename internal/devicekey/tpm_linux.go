//go:build linux

package devicekey

import (
	"errors"
	"os"

	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference.
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // resource manager
	"/dev/tpm0",
}

func openTPM() (transport.TPMCloser, error) {
	for _, path := range tpmDevicePaths {
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		f.Close()
		return transport.OpenTPM(path)
	}
	return nil, errors.New("no TPM device")
}
