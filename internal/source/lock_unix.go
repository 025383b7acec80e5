//go:build !windows

package source

import (
	"os"

	"golang.org/x/sys/unix"
)

// openLocked opens the file read-only and takes a non-blocking exclusive
// advisory lock. Unix has no mandatory share modes; the flock keeps
// cooperating processes (including a second agent) from touching the file
// mid-upload.
func openLocked(path string) (*os.File, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, err
	}
	return file, nil
}

func closeLocked(file *os.File) error {
	unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return file.Close()
}
