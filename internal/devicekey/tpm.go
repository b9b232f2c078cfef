package devicekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPMSource identifies the device by the SHA-256 of its TPM 2.0 RSA
// endorsement key public area. The EK is derived from the TPM's endorsement
// seed, so it survives reinstalls but not a TPM clear.
type TPMSource struct{}

// Name implements Source.
func (TPMSource) Name() string { return SourceTPM }

// DeviceID implements Source.
func (TPMSource) DeviceID() (string, error) {
	t, err := openTPM()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer t.Close()

	sum, err := endorsementHash(t)
	if err != nil {
		return "", fmt.Errorf("tpm: %w", err)
	}
	return "tpm-" + hex.EncodeToString(sum[:]), nil
}

func endorsementHash(t transport.TPM) ([32]byte, error) {
	createEK := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}
	rsp, err := createEK.Execute(t)
	if err != nil {
		return [32]byte{}, err
	}
	defer func() {
		flush := tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}
		flush.Execute(t)
	}()

	return sha256.Sum256(tpm2.Marshal(rsp.OutPublic)), nil
}
