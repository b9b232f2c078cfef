//go:build !unix

package security

// Pin is a no-op where mlock is unavailable.
func Pin(b []byte) (unpin func()) {
	return func() {}
}
