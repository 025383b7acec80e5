//go:build !linux && !windows

package config

// availableMemory returns a conservative estimate of available memory on
// platforms without a cheap native probe.
func availableMemory() uint64 {
	return 4 * 1024 * 1024 * 1024
}
