//go:build windows

package page

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// newBuffer reserves and commits size bytes via VirtualAlloc, keeping the
// arena's bytes outside the Go runtime's own scanned heap (see the unix
// variant's doc comment for the rationale).
func newBuffer(size int) ([]byte, func() error, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, nil, err
	}
	data := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	release := func() error {
		if addr == 0 {
			return nil
		}
		return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
	}
	return data, release, nil
}
