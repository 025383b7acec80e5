//go:build windows

package source

import (
	"os"

	"golang.org/x/sys/windows"
)

// openLocked opens the file with FILE_SHARE_READ only: other readers are
// allowed, writers and deleters are denied by the OS for the lifetime of
// the handle.
func openLocked(path string) (*os.File, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, err
	}
	handle, err := windows.CreateFile(
		p,
		windows.GENERIC_READ,
		windows.FILE_SHARE_READ,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL,
		0,
	)
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(handle), path), nil
}

func closeLocked(file *os.File) error {
	return file.Close()
}
