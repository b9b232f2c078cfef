//go:build !windows && !linux

package markers

// PlatformHive reports that this platform has no OS-protected store.
func PlatformHive() (Hive, error) {
	return nil, ErrHiveUnavailable
}
