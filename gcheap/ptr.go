package gcheap

import (
	"reflect"
	"unsafe"

	"github.com/joshuapare/deferredheap/internal/page"
)

// Destroyer is implemented by payload types with a non-trivial destructor.
// Make/MakeArray register a destructor record for T only when T implements
// Destroyer — the Go-idiomatic stand-in for "does T have a non-trivial
// destructor", since Go has no implicit ~T().
type Destroyer interface{ Destroy() }

// Ptr[T] is the deferred-heap smart pointer. Its own storage location (not
// what it points to) determines whether it is a root or an interior
// pointer: a Ptr[T] local variable is a root; a Ptr[T] field inside a
// payload constructed by Make/MakeArray is an interior pointer, discovered
// and registered automatically.
//
// Unlike the host language this was ported from, Go has no copy/move
// constructors: plain assignment (`a = b`) of a Ptr[T] does not update any
// registry. Always mutate a Ptr[T] through its pointer-receiver methods
// (Set, Clear, Release) rather than assigning over it directly, and call
// Release on every root Ptr[T] once it is no longer needed (there is no
// deterministic destructor to do this for you — see Release's doc comment).
type Ptr[T any] struct {
	ptrBase
}

// Null returns the unattached zero value — both default construction and
// explicit construction from null leave a SmartPtr unattached.
func Null[T any]() Ptr[T] { return Ptr[T]{} }

// IsNull reports whether raw is null. An unattached pointer is always null.
func (p *Ptr[T]) IsNull() bool { return p.raw.IsNull() }

// Heap returns the Heap this pointer is attached to, or nil if unattached.
func (p *Ptr[T]) Heap() *Heap { return heapByID(p.heapID) }

// Attached reports whether the pointer is currently enregistered with a
// Heap (root or interior) — independent of whether raw happens to be null.
func (p *Ptr[T]) Attached() bool { return p.heapID != 0 }

// Get returns the pointee, or nil if raw is null. Unlike Deref, it never
// panics.
func (p *Ptr[T]) Get() *T {
	if p.raw.IsNull() {
		return nil
	}
	return (*T)(unsafe.Pointer(uintptr(p.raw)))
}

// Deref returns the pointee, panicking (ContractViolation) if raw is null.
func (p *Ptr[T]) Deref() *T {
	if p.raw.IsNull() {
		violate("deref", "dereference of a null SmartPtr")
	}
	return p.Get()
}

// Set copies src's heap attachment and target address into p: if p is
// unattached, it lazily attaches to src's heap (or stays unattached if src
// is too); if p is already attached, src must share the same heap, or this
// is a contract violation.
func (p *Ptr[T]) Set(src Ptr[T]) {
	p.setFrom(src.heapID, src.raw)
}

func (p *Ptr[T]) setFrom(srcHeapID uint64, srcRaw page.Addr) {
	if p.heapID != 0 {
		if srcHeapID != 0 && srcHeapID != p.heapID {
			violate("assign", "cross-heap assignment between different heaps")
		}
		p.raw = srcRaw
		return
	}
	if srcHeapID == 0 {
		return // both unattached; nothing to do
	}
	p.raw = srcRaw
	heapByID(srcHeapID).enregister(&p.ptrBase)
}

// Clear sets raw to null while remaining attached to the same heap —
// assigning a null SmartPtr of the same heap stays attached rather than
// detaching.
func (p *Ptr[T]) Clear() { p.raw = page.Null }

// Release detaches p from its heap.
// Go has no deterministic destructor, so callers of Make/MakeArray must call
// Release explicitly on every root Ptr[T] they are done with — typically via
// defer, mirroring a C++ deferred_ptr's implicit destructor call at scope
// exit. Interior Ptr[T] fields need no such call: Heap.Collect prunes their
// registration automatically when their containing allocation is swept, and
// Heap.Close detaches every remaining pointer, root or interior, in one pass.
func (p *Ptr[T]) Release() {
	if p.heapID == 0 {
		return
	}
	if h := heapByID(p.heapID); h != nil {
		h.deregister(&p.ptrBase)
	}
	p.heapID = 0
	p.raw = page.Null
}

// Compare orders two pointers by raw address, a canonical three-way
// comparison independent of T.
func (p *Ptr[T]) Compare(other *Ptr[T]) int {
	switch {
	case p.raw < other.raw:
		return -1
	case p.raw > other.raw:
		return 1
	default:
		return 0
	}
}

func (p *Ptr[T]) Equal(other *Ptr[T]) bool          { return p.Compare(other) == 0 }
func (p *Ptr[T]) Less(other *Ptr[T]) bool           { return p.Compare(other) < 0 }
func (p *Ptr[T]) LessOrEqual(other *Ptr[T]) bool    { return p.Compare(other) <= 0 }
func (p *Ptr[T]) Greater(other *Ptr[T]) bool        { return p.Compare(other) > 0 }
func (p *Ptr[T]) GreaterOrEqual(other *Ptr[T]) bool { return p.Compare(other) >= 0 }

// elementSize returns sizeof(T), used by the arithmetic and Make helpers.
func elementSize[T any]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// extentOf returns the [begin, end) byte span of the allocation containing
// addr, across every Page of h. This is the allocation's own reserved span
// (page.Page.ReservedSpan) without its trailing padding location, so end is
// the one-past-the-end address rounded up to the Page's chunk size (exact
// when the allocation's byte length is a multiple of the chunk size). It is
// not AllocationSpan's "up to the next live
// neighbor or the page's end" — a Page is routinely grown far larger than
// the request that sized it, so using AllocationSpan here would silently
// widen an allocation's bounds out to empty, unrelated space whenever no
// other allocation happens to be packed immediately after it. Panics
// (internal-consistency fault) if addr does not point into a live
// allocation of h.
func (h *Heap) extentOf(addr page.Addr) (begin, end page.Addr) {
	for _, slot := range h.pages {
		info := slot.pg.ContainsInfo(addr)
		if info.Found == page.NotInRange {
			continue
		}
		if info.Found == page.InRangeUnallocated {
			violate("arithmetic", "address is not within a live allocation")
		}
		begin, end = slot.pg.ReservedSpan(info.StartLocation)
		return begin, end.Add(-int64(slot.pg.ChunkSize()))
	}
	violate("arithmetic", "address is not within any page of this heap")
	return page.Null, page.Null
}

// checkedOffset validates that p + n*sizeof(T) stays within p's allocation,
// or is exactly one-past-the-end of it (legal but undereferenceable).
func (p *Ptr[T]) checkedOffset(n int64) page.Addr {
	if p.raw.IsNull() {
		violate("arithmetic", "arithmetic on a null SmartPtr")
	}
	h := p.Heap()
	if h == nil {
		violate("arithmetic", "pointer is not attached to a live heap")
	}
	size := int64(elementSize[T]())
	result := p.raw.Add(n * size)
	begin, end := h.extentOf(p.raw)
	if result < begin || result > end {
		violate("arithmetic", "result address leaves the allocation")
	}
	return result
}

// Add returns a new Ptr[T] offset n elements forward; panics if the result
// leaves the allocation (one-past-the-end is the sole permitted exception).
func (p *Ptr[T]) Add(n int) Ptr[T] {
	out := Ptr[T]{ptrBase{heapID: p.heapID, raw: p.checkedOffset(int64(n))}}
	return out
}

// Sub returns a new Ptr[T] offset n elements backward.
func (p *Ptr[T]) Sub(n int) Ptr[T] { return p.Add(-n) }

// IncSelf advances p by one element in place.
func (p *Ptr[T]) IncSelf() { p.raw = p.checkedOffset(1) }

// DecSelf retreats p by one element in place.
func (p *Ptr[T]) DecSelf() { p.raw = p.checkedOffset(-1) }

// Diff returns the element-wise distance from other to p (p - other),
// requiring both to be within (or one-past) the same allocation.
func (p *Ptr[T]) Diff(other *Ptr[T]) int64 {
	if p.raw.IsNull() || other.raw.IsNull() {
		violate("arithmetic", "pointer difference on a null SmartPtr")
	}
	return p.raw.Sub(other.raw) / int64(elementSize[T]())
}

// At returns a pointer to the k-th element relative to p, with the same
// bounds checks as Add, then dereferences it.
func (p *Ptr[T]) At(k int) *T {
	addr := p.checkedOffset(int64(k))
	if addr == p.checkedEnd() {
		violate("deref", "one-past-the-end SmartPtr cannot be dereferenced")
	}
	return (*T)(unsafe.Pointer(uintptr(addr)))
}

func (p *Ptr[T]) checkedEnd() page.Addr {
	h := p.Heap()
	_, end := h.extentOf(p.raw)
	return end
}

// Project attaches dst to a member subobject of *p. sel must return a
// pointer to a field within *p.Get(); dst shares p's heap and lazily
// attaches if dst itself is currently unattached (matching Set's lazy-attach
// rule). dst is an out-parameter rather than a return value for the same
// reason Make's is: a Ptr[U] returned by value would be enregistered at the
// address of Project's own local, a stack location that goes stale the
// instant Project returns, not at the caller's variable.
func Project[T, U any](p *Ptr[T], dst *Ptr[U], sel func(*T) *U) {
	obj := p.Deref()
	member := sel(obj)
	dst.setFrom(p.heapID, page.Addr(uintptr(unsafe.Pointer(member))))
}

// constructInPlace performs construction on raw storage: flush (run and
// remove) any destructor still pending for this byte range — the
// reused-slot case — zero the bytes, run ctor, then discover and register
// any interior Ptr[U] fields. Destructor registration for the constructed
// object itself is left to the caller (Make, Construct). MakeArray does not
// use this helper: it performs the same steps inline so that it can register
// destructors only after every element has succeeded.
func constructInPlace[T any](h *Heap, addr page.Addr, ctor func(*T)) *T {
	size := elementSize[T]()
	if _, err := h.dtors.RemoveRange(addr, addr.Add(int64(size))); err != nil {
		h.debugf("gcheap: destructor error flushing reused slot: %v", err)
	}

	obj := (*T)(unsafe.Pointer(uintptr(addr)))
	zeroObject(obj)
	if ctor != nil {
		ctor(obj)
	}

	v := reflect.NewAt(reflect.TypeOf(*obj), unsafe.Pointer(obj)).Elem()
	scanInteriorPointers(h, v)
	return obj
}

func registerDestructorIfNonTrivial[T any](h *Heap, addr page.Addr, obj *T) {
	if _, ok := any(obj).(Destroyer); ok {
		h.dtors.Store(addr, func(a page.Addr) { any((*T)(unsafe.Pointer(uintptr(a)))).(Destroyer).Destroy() })
	}
}

// Make allocates storage for one T, constructs it via ctor, registers a
// destructor if T implements Destroyer, and attaches dst to the result. If
// no existing Page can fit the request and growing a new one fails, Make
// leaves dst untouched (null, unattached if it started that way) and
// returns an error wrapping ErrExhausted — the one recoverable failure this
// package has; anything else Heap.allocate can fail on is a fatal
// programming fault and panics instead.
//
// dst may be a fresh, unattached Ptr[T] (the common case — a new root or a
// interior field freshly discovered by scanInteriorPointers) or an already
// registered interior field of this same Heap, in which case Make builds
// the new object and simply repoints dst at it without double-registering —
// the Go equivalent of the host language's "make and move-assign into a
// member", since Go has no move constructor to do that implicitly.
func Make[T any](h *Heap, dst *Ptr[T], ctor func(*T)) error {
	size, align := elementSize[T](), int(unsafe.Alignof(*new(T)))
	_, addr, err := h.allocate(size, align, 1)
	if err != nil {
		return err
	}

	obj := constructInPlace(h, addr, ctor)
	registerDestructorIfNonTrivial(h, addr, obj)

	dst.setFrom(h.id, addr)
	return nil
}

// RawAllocate reserves storage for n contiguous Ts without constructing
// anything or registering a destructor, attaching dst to the raw address.
// This is the internal variant of allocation a standard-container adapter
// delegates to; ordinary callers should use Make/MakeArray instead. Like
// Make, it leaves dst untouched and returns an error wrapping ErrExhausted
// if growth is needed and fails.
func RawAllocate[T any](h *Heap, dst *Ptr[T], n int) error {
	if n <= 0 {
		violate("allocate", "n must be positive")
	}
	size, align := elementSize[T](), int(unsafe.Alignof(*new(T)))
	_, addr, err := h.allocate(size, align, n)
	if err != nil {
		return err
	}
	dst.setFrom(h.id, addr)
	return nil
}

// Construct builds a T at dst's already-allocated address (typically one
// obtained via RawAllocate). dst must already be attached with a non-null
// raw address; it is not reallocated or re-enregistered.
func Construct[T any](h *Heap, dst *Ptr[T], ctor func(*T)) {
	if dst.raw.IsNull() {
		violate("construct", "construct requires a previously allocated address")
	}
	obj := constructInPlace(h, dst.raw, ctor)
	registerDestructorIfNonTrivial(h, dst.raw, obj)
}

// MakeArray allocates storage for n contiguous Ts, default-constructing
// each via ctor (index, element-pointer) -> error. If growth is needed and
// fails, MakeArray returns an error wrapping ErrExhausted before touching
// dst or calling ctor at all. If any element's construction fails instead,
// every already-built element is torn down (via Destroy, if implemented)
// in reverse order and the allocation released; no destructor is
// registered for any element of a failed batch. On success, destructor
// registration happens once, after every element has constructed, so a
// batch that fails partway through never leaves a destructor registered
// for work about to be torn down anyway.
func MakeArray[T any](h *Heap, dst *Ptr[T], n int, ctor func(i int, elem *T) error) error {
	if n <= 0 {
		violate("make_array", "array length must be positive")
	}
	size, align := elementSize[T](), int(unsafe.Alignof(*new(T)))
	_, addr, err := h.allocate(size, align, n)
	if err != nil {
		return err
	}

	base := uintptr(addr)
	elemAt := func(i int) *T { return (*T)(unsafe.Pointer(base + uintptr(i*size))) }

	built := 0
	var failErr error
	for i := 0; i < n; i++ {
		elemAddr := addr.Add(int64(i * size))
		if _, err := h.dtors.RemoveRange(elemAddr, elemAddr.Add(int64(size))); err != nil {
			h.debugf("gcheap: destructor error flushing reused slot: %v", err)
		}
		obj := elemAt(i)
		zeroObject(obj)
		if ctor != nil {
			if err := ctor(i, obj); err != nil {
				failErr = err
				break
			}
		}
		built++
	}

	if failErr != nil {
		for i := built - 1; i >= 0; i-- {
			if d, ok := any(elemAt(i)).(Destroyer); ok {
				d.Destroy()
			}
		}
		h.deallocateAddr(addr)
		return failErr
	}

	for i := 0; i < n; i++ {
		v := reflect.NewAt(reflect.TypeOf(*elemAt(i)), unsafe.Pointer(elemAt(i))).Elem()
		scanInteriorPointers(h, v)
	}
	if _, ok := any(elemAt(0)).(Destroyer); ok {
		for i := 0; i < n; i++ {
			h.dtors.Store(addr.Add(int64(i*size)), func(a page.Addr) { any((*T)(unsafe.Pointer(uintptr(a)))).(Destroyer).Destroy() })
		}
	}

	dst.setFrom(h.id, addr)
	return nil
}

func zeroObject[T any](obj *T) {
	var zero T
	*obj = zero
}

// deallocateAddr releases addr on whichever page of h contains it; used
// only to unwind a failed MakeArray, before any destructor was registered.
func (h *Heap) deallocateAddr(addr page.Addr) {
	for _, slot := range h.pages {
		begin, end := slot.pg.Extent()
		if addr >= begin && addr < end {
			slot.pg.Deallocate(addr)
			return
		}
	}
}
