//go:build unix

package page

import "golang.org/x/sys/unix"

// newBuffer reserves size bytes via an anonymous, private mmap rather than
// a plain Go slice. The arena's bytes then live outside anything the host
// Go runtime's own garbage collector scans for pointers — exactly what an
// opt-in deferred-collection bubble needs: its storage must not alias with
// objects the host GC tracks, and a fixed-extent mapping gives page-aligned
// memory with an explicit release instead of a slice the host GC would
// itself have to scan.
func newBuffer(size int) ([]byte, func() error, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	release := func() error {
		if data == nil {
			return nil
		}
		return unix.Munmap(data)
	}
	return data, release, nil
}
