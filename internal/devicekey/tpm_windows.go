//go:build windows

package devicekey

import "github.com/google/go-tpm/tpm2/transport"

func openTPM() (transport.TPMCloser, error) {
	return transport.OpenTPM()
}
