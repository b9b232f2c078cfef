package security

import "runtime"

// Wipe zeroes b. Callers wipe derived keys as soon as they are done.
func Wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
