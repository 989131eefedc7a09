// Package gcalloc is the collaborator contract for a standard-container
// adapter: a thin shim that lets an ordinary container store its backing
// buffer inside a gcheap.Heap without the container ever knowing about
// Heap, Page, or the mark/sweep collector. The core (package gcheap) is
// specified only in terms of the four operations this package implements;
// the container-adapter itself (the generic "allocator wrapper" that plugs
// into a slice- or tree-like container) is a separate, larger piece of
// work this package deliberately stops short of.
package gcalloc

import (
	"github.com/joshuapare/deferredheap/gcheap"
)

// Adapter binds the collaborator contract to one Heap and element type T.
// Two Adapters compare equal (Equal) iff they are bound to the same Heap —
// Go generics make the rebind machinery a host allocator typically needs
// unnecessary, since NewAdapter[U](a.heap) is how a container retargets
// itself at a different element type.
type Adapter[T any] struct {
	heap *gcheap.Heap
}

// NewAdapter binds a collaborator to h for element type T.
func NewAdapter[T any](h *gcheap.Heap) Adapter[T] {
	return Adapter[T]{heap: h}
}

// Equal reports whether a and other are bound to the same Heap.
func (a Adapter[T]) Equal(other Adapter[T]) bool {
	return a.heap == other.heap
}

// Allocate reserves raw storage for n contiguous Ts and attaches dst to it,
// without constructing anything or registering a destructor. dst is an
// out-parameter rather than a return value: Go has no move constructor to
// re-register a returned-by-value SmartPtr at its new home, so (as with
// gcheap.Make) the caller supplies the fixed address that gets registered.
// The container is responsible for calling Construct before the memory is
// used, and for ensuring Destroy (a no-op here) is never relied upon for
// cleanup. Allocate returns an error wrapping gcheap.ErrExhausted, leaving
// dst untouched, if the heap cannot grow to satisfy the request.
func (a Adapter[T]) Allocate(dst *gcheap.Ptr[T], n int) error {
	return gcheap.RawAllocate(a.heap, dst, n)
}

// Deallocate is a no-op: collection reclaims unreachable storage, so a
// container dropping its reference to a buffer need not (and cannot) return
// it explicitly. Kept only so Adapter satisfies the shape a container
// allocator extension point expects.
func (a Adapter[T]) Deallocate(gcheap.Ptr[T], int) {}

// Construct places args at address via the Heap's construct routine, which
// flushes any destructor still pending in that byte range first (the
// pop-then-push-same-slot reuse case) and then registers T's destructor if
// it has one.
func (a Adapter[T]) Construct(dst *gcheap.Ptr[T], ctor func(*T)) {
	gcheap.Construct(a.heap, dst, ctor)
}

// Destroy is a no-op: the destructor was registered at Construct time and
// will run when collection (or Heap teardown) reclaims the slot.
func (a Adapter[T]) Destroy(gcheap.Ptr[T]) {}
