//go:build unix

package security

import (
	"golang.org/x/sys/unix"
)

// Pin locks b into RAM so key material is not swapped out, and returns the
// function that releases it. Without RLIMIT_MEMLOCK headroom the lock is
// skipped and the returned func is a no-op; the buffer stays usable.
func Pin(b []byte) (unpin func()) {
	if len(b) == 0 {
		return func() {}
	}
	if err := unix.Mlock(b); err != nil {
		return func() {}
	}
	return func() { _ = unix.Munlock(b) }
}
