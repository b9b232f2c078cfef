//go:build !linux && !windows

package devicekey

import (
	"errors"

	"github.com/google/go-tpm/tpm2/transport"
)

func openTPM() (transport.TPMCloser, error) {
	return nil, errors.New("no TPM support on this platform")
}
