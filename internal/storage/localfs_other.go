//go:build !linux

package storage

// filesystemType is only implemented on Linux, where the runtime is deployed.
// Elsewhere the check is skipped.
func filesystemType(string) (string, error) {
	return "", nil
}
