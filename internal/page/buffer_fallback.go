//go:build !unix && !windows

package page

// newBuffer falls back to a plain Go allocation on platforms without a
// recognized anonymous-mapping syscall. The backing array is still stable
// for the Page's lifetime (Go's collector does not move heap objects), it
// just isn't hidden from the host GC's scan the way the mmap/VirtualAlloc
// variants are.
func newBuffer(size int) ([]byte, func() error, error) {
	data := make([]byte, size)
	release := func() error { return nil }
	return data, release, nil
}
