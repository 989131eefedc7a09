// Package page implements a fixed-extent arena: one contiguous byte buffer
// sub-allocated at chunk granularity, tracked by two parallel bitmaps
// ("inuse" and "starts"). Allocation is first-fit over the "inuse" bitmap;
// deallocation is O(span of the freed allocation). Exhaustion returns a
// false ok, never an error — running out of room in one Page is routine
// and the owning Heap decides whether to grow or collect.
package page

import (
	"fmt"
	"math"
	"unsafe"

	"github.com/joshuapare/deferredheap/internal/bitset"
)

// Addr is an address into some Page's storage. The zero value, Null,
// never denotes a real location — every backing buffer starts at a
// non-zero address (mmap/VirtualAlloc never return page 0, and Go never
// places a slice's backing array at address 0).
type Addr uintptr

// Null is the distinguished non-address.
const Null Addr = 0

// IsNull reports whether a is the null address.
func (a Addr) IsNull() bool { return a == Null }

// Add returns a + n bytes, for the array-pointer arithmetic SmartPtr
// performs; it does not itself check that the result stays in range —
// that's the caller's job (Page.ContainsInfo / the allocation's known
// extent), since Addr has no notion of "which allocation am I in".
func (a Addr) Add(n int64) Addr { return Addr(int64(a) + n) }

// Sub returns a - b as a signed byte difference.
func (a Addr) Sub(b Addr) int64 { return int64(a) - int64(b) }

// FindResult classifies the outcome of ContainsInfo.
type FindResult int

const (
	NotInRange FindResult = iota
	InRangeUnallocated
	InRangeAllocatedMiddle
	InRangeAllocatedStart
)

func (f FindResult) String() string {
	switch f {
	case NotInRange:
		return "not_in_range"
	case InRangeUnallocated:
		return "in_range_unallocated"
	case InRangeAllocatedMiddle:
		return "in_range_allocated_middle"
	case InRangeAllocatedStart:
		return "in_range_allocated_start"
	default:
		return "unknown"
	}
}

// ContainsInfo is the result of locating an address within a Page.
type ContainsInfo struct {
	Found         FindResult
	Location      int
	StartLocation int
}

// LocationInfo exposes whether a location starts an allocation and its
// address.
type LocationInfo struct {
	IsStart bool
	Pointer Addr
}

// maxSupportedAlign bounds the type alignments this allocator can place.
// Page storage is obtained from mmap/VirtualAlloc (page-aligned) or a Go
// make([]byte, ...) (at least pointer-aligned), both comfortably above the
// alignment of any ordinary Go type, so requests above this bound cannot
// occur for any T this package is used with; requests above it fail
// cleanly rather than risk silently misaligned storage. Mirrors the
// originating implementation's debug-only assumption that the start of
// page storage never needs an alignment-driven offset.
const maxSupportedAlign = 16

// Page owns one contiguous, fixed-size byte buffer plus the two bitmaps
// that track which chunk-granular "locations" are in use and which start
// an allocation. A Page never grows; its owning Heap appends further
// Pages instead.
type Page struct {
	base      Addr
	storage   []byte
	release   func() error
	chunkSize int
	locCount  int
	totalSize int
	inuse     *bitset.BitSet
	starts    *bitset.BitSet
	hint      int
}

// New constructs a Page whose effective size is desiredSize rounded up to
// a multiple of chunkSize. chunkSize must be >= 1.
func New(desiredSize, chunkSize int) (*Page, error) {
	if chunkSize < 1 {
		return nil, fmt.Errorf("page: chunk size must be >= 1, got %d", chunkSize)
	}
	if desiredSize < 0 {
		return nil, fmt.Errorf("page: desired size must be >= 0, got %d", desiredSize)
	}

	total := desiredSize
	if rem := total % chunkSize; rem != 0 {
		total += chunkSize - rem
	}
	if total == 0 {
		total = chunkSize
	}

	locCount := total / chunkSize

	storage, release, err := newBuffer(total)
	if err != nil {
		return nil, fmt.Errorf("page: allocate %d bytes: %w", total, err)
	}

	p := &Page{
		base:      Addr(uintptr(unsafe.Pointer(&storage[0]))),
		storage:   storage,
		release:   release,
		chunkSize: chunkSize,
		locCount:  locCount,
		totalSize: total,
		inuse:     bitset.New(locCount, false),
		starts:    bitset.New(locCount, false),
		hint:      total,
	}
	return p, nil
}

// Close releases the Page's backing buffer. Callers must not use the
// Page afterward.
func (p *Page) Close() error {
	if p.release == nil {
		return nil
	}
	return p.release()
}

// Locations returns the number of chunk-granular locations in the page.
func (p *Page) Locations() int { return p.locCount }

// ChunkSize returns the page's chunk (minimum allocation) size in bytes.
func (p *Page) ChunkSize() int { return p.chunkSize }

// Extent returns the half-open [begin, end) byte range of the page.
func (p *Page) Extent() (begin, end Addr) {
	return p.base, p.base.Add(int64(p.totalSize))
}

// IsEmpty reports whether the page currently holds no allocations.
func (p *Page) IsEmpty() bool {
	return p.inuse.AllFalse()
}

func (p *Page) contains(addr Addr) bool {
	begin, end := p.Extent()
	return addr >= begin && addr < end
}

func (p *Page) locationOf(addr Addr) int {
	return int(addr.Sub(p.base)) / p.chunkSize
}

func (p *Page) addrOf(loc int) Addr {
	return p.base.Add(int64(loc) * int64(p.chunkSize))
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// AllocateRaw allocates byteLen contiguous bytes aligned to align,
// returning the Addr of the first byte and true on success, or a zero
// Addr and false if no run of free locations is large enough (a routine,
// recoverable exhaustion — not an error).
func (p *Page) AllocateRaw(byteLen, align int) (Addr, bool) {
	if byteLen <= 0 {
		panic("page: allocation size must be positive")
	}
	if align <= 0 {
		align = 1
	}

	if byteLen > p.hint {
		return Null, false
	}
	if align > maxSupportedAlign {
		return Null, false
	}

	step := ceilDiv(align, p.chunkSize)
	if step < 1 {
		step = 1
	}
	locsNeeded := ceilDiv(byteLen, p.chunkSize) + 1

	end := p.locCount - locsNeeded
	if end < 0 {
		if byteLen-1 < p.hint {
			p.hint = byteLen - 1
		}
		return Null, false
	}

	i := 0
	for i <= end {
		k := p.inuse.FindNext(i, i+locsNeeded, true)
		if k == i+locsNeeded {
			break
		}
		next := k + 1
		i = ceilDiv(next, step) * step
	}

	if i > end {
		if byteLen-1 < p.hint {
			p.hint = byteLen - 1
		}
		return Null, false
	}

	p.starts.Set(i, true)
	p.inuse.SetRange(i, i+locsNeeded, true)
	p.hint -= p.chunkSize * locsNeeded

	return p.addrOf(i), true
}

// Allocate reserves space for n contiguous values of type T and returns
// its address, or false if the page has no run of free locations large
// enough. n must be > 0.
func Allocate[T any](p *Page, n int) (Addr, bool) {
	if n <= 0 {
		panic("page: n must be positive")
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size > 0 && n > math.MaxInt/size {
		panic("page: sizeof(T)*n overflows")
	}
	return p.AllocateRaw(size*n, int(unsafe.Alignof(zero)))
}

// Deallocate frees the allocation that starts at addr. addr must be a
// value previously returned by AllocateRaw/Allocate on this page;
// otherwise this is a programming fault (it panics).
func (p *Page) Deallocate(addr Addr) {
	if !p.contains(addr) {
		panic("page: deallocate - address out of range")
	}
	i := p.locationOf(addr)
	if !p.starts.Get(i) || !p.inuse.Get(i) {
		panic("page: deallocate - not the start of a live allocation")
	}

	p.starts.Set(i, false)

	nextStart := p.starts.FindNext(i+1, p.locCount, true)
	end := p.inuse.FindNext(i, nextStart, false)

	p.inuse.SetRange(i, end, false)
	p.hint = p.totalSize
}

// ContainsInfo classifies addr relative to this page: out of range, in
// range but unallocated, in range in the middle of an allocation (with
// the start location of that allocation), or exactly at an allocation's
// start.
func (p *Page) ContainsInfo(addr Addr) ContainsInfo {
	if !p.contains(addr) {
		return ContainsInfo{Found: NotInRange}
	}
	loc := p.locationOf(addr)
	if !p.inuse.Get(loc) {
		return ContainsInfo{Found: InRangeUnallocated, Location: loc}
	}
	if p.starts.Get(loc) {
		return ContainsInfo{Found: InRangeAllocatedStart, Location: loc, StartLocation: loc}
	}

	start := loc
	for start > 0 && !p.starts.Get(start-1) {
		start--
	}
	if start == 0 {
		panic("page: allocated location has no start (bitmap corruption)")
	}
	return ContainsInfo{Found: InRangeAllocatedMiddle, Location: loc, StartLocation: start - 1}
}

// LocationInfo reports whether location i starts an allocation and its
// address.
func (p *Page) LocationInfo(i int) LocationInfo {
	return LocationInfo{IsStart: p.starts.Get(i), Pointer: p.addrOf(i)}
}

// AllocationSpan returns the half-open byte range [begin, end) from the
// allocation that starts at location i up to the next allocation's start
// (or the page's end) — the range the collector's sweep is free to destroy
// and reclaim without disturbing any other live allocation. When another
// allocation is not packed immediately after i, this range can reach well
// past the allocation's own reserved locations; callers that need the
// allocation's true reserved span (e.g. array-pointer bounds checking) must
// use ReservedSpan instead.
func (p *Page) AllocationSpan(i int) (begin, end Addr) {
	nextStart := p.starts.FindNext(i+1, p.locCount, true)
	return p.addrOf(i), p.addrOf(nextStart)
}

// ReservedSpan returns the half-open byte range [begin, end) of the
// allocation's own reserved locations starting at i — the same inuse run
// Deallocate scans to find where to stop clearing bits, stopping at the
// first free location rather than at the next allocation's start. The span
// includes the allocation's trailing padding location, so end lies one
// chunk past the allocation's one-past-the-end location; it never reaches
// however far away the next live neighbor (if any) happens to sit.
func (p *Page) ReservedSpan(i int) (begin, end Addr) {
	nextStart := p.starts.FindNext(i+1, p.locCount, true)
	endLoc := p.inuse.FindNext(i, nextStart, false)
	return p.addrOf(i), p.addrOf(endLoc)
}

// String renders a compact one-line summary, for diagnostic logging only.
func (p *Page) String() string {
	used := 0
	for i := 0; i < p.locCount; i++ {
		if p.inuse.Get(i) {
			used++
		}
	}
	return fmt.Sprintf("page(locations=%d chunk=%d used=%d hint=%d)", p.locCount, p.chunkSize, used, p.hint)
}
