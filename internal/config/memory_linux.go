//go:build linux

package config

import "golang.org/x/sys/unix"

// availableMemory returns available system memory in bytes.
func availableMemory() uint64 {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		// Conservative fallback when sysinfo is unavailable
		return 2 * 1024 * 1024 * 1024
	}
	// Free plus reclaimable buffer memory, scaled by the kernel memory unit
	avail := (uint64(info.Freeram) + uint64(info.Bufferram)) * uint64(info.Unit)
	if avail < 512*1024*1024 {
		avail = 512 * 1024 * 1024
	}
	return avail
}
