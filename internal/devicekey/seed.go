package devicekey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"sync"

	"licguard/internal/security"
)

const seedSize = 32

// SeedSource keeps a random seed in a 0600 file, created on first use.
// The file can be copied to another machine, so it is the weakest source
// and should come last.
//
// A seed file of the wrong length is reported as ErrSeedDamaged and left in
// place. Replacing it would change the device key, and every marker set
// signed with the old key would then read as tampered. Removing the file
// by hand accepts that and starts over with a fresh seed.
type SeedSource struct {
	Path string

	mu   sync.Mutex
	seed []byte
}

// Name implements Source.
func (s *SeedSource) Name() string { return SourceSeed }

// DeviceID implements Source.
func (s *SeedSource) DeviceID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seed == nil {
		if err := s.loadOrCreate(); err != nil {
			return "", err
		}
	}
	return "seed-" + hex.EncodeToString(s.seed), nil
}

func (s *SeedSource) loadOrCreate() error {
	if s.Path == "" {
		return fmt.Errorf("%w: no seed path configured", ErrUnavailable)
	}

	data, err := security.ReadFileLimited(s.Path, seedSize)
	switch {
	case err == nil && len(data) == seedSize:
		s.seed = data
		return nil
	case err == nil, errors.Is(err, security.ErrFileTooLarge):
		return fmt.Errorf("%w: %s", ErrSeedDamaged, s.Path)
	case errors.Is(err, fs.ErrNotExist):
		// first use
	default:
		return fmt.Errorf("read seed: %w", err)
	}

	seed, err := generateSeed()
	if err != nil {
		return err
	}
	if err := security.WriteSecretFile(s.Path, seed); err != nil {
		return fmt.Errorf("write seed: %w", err)
	}
	s.seed = seed
	return nil
}

func generateSeed() ([]byte, error) {
	random := make([]byte, seedSize)
	if _, err := rand.Read(random); err != nil {
		return nil, fmt.Errorf("random generation failed: %w", err)
	}

	h := sha256.New()
	h.Write(random)
	h.Write([]byte("licguard-device-seed-v1"))
	hostname, _ := os.Hostname()
	h.Write([]byte(hostname))
	h.Write([]byte(runtime.GOOS + "/" + runtime.GOARCH))
	return h.Sum(nil), nil
}
