package gcheap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/deferredheap/internal/page"
)

// ptrBase is the untyped representation shared by every Ptr[T] instantiation
// — two scalar fields, no Go pointers. heapID is a handle rather than a
// direct *Heap: a Ptr[T] can live inside a Page's raw, GC-invisible storage
// (as an interior pointer), and a live *Heap value stored there would be
// invisible to the host collector's root scan. Routing through heapRegistry
// keeps the only strong reference to a Heap in ordinary, scanned Go memory,
// and lets every pointer into a torn-down Heap go stale at once by deleting
// one registry entry rather than hunting down every live SmartPtr.
type ptrBase struct {
	heapID uint64
	raw    page.Addr
}

var (
	heapRegistry sync.Map // uint64 -> *Heap
	nextHeapID   atomic.Uint64
)

func registerHeap(h *Heap) uint64 {
	id := nextHeapID.Add(1)
	heapRegistry.Store(id, h)
	return id
}

func unregisterHeap(id uint64) {
	heapRegistry.Delete(id)
}

func heapByID(id uint64) *Heap {
	if id == 0 {
		return nil
	}
	v, ok := heapRegistry.Load(id)
	if !ok {
		return nil
	}
	return v.(*Heap)
}

// addrOfPtrBase returns the address of the ptrBase's own storage — used to
// decide whether a Ptr[T] is a root or an interior pointer.
func addrOfPtrBase(b *ptrBase) page.Addr {
	return page.Addr(uintptr(unsafe.Pointer(b)))
}
