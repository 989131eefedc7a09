package gcheap

import (
	"fmt"
	"log/slog"

	"github.com/joshuapare/deferredheap/internal/bitset"
	"github.com/joshuapare/deferredheap/internal/destructor"
	"github.com/joshuapare/deferredheap/internal/page"
)

// Default tuning constants for Page growth.
const (
	DefaultMinPageBytes  = 8 * 1024
	DefaultMinChunkBytes = 4
)

// interiorEntry records one attached SmartPtr whose own storage lives
// inside a particular Page, plus its current BFS mark level (0 == unreached
// this cycle).
type interiorEntry struct {
	ptr   *ptrBase
	level int
}

// pageSlot pairs a Page with the Heap-owned bookkeeping the Page itself
// knows nothing about: the live-starts mark bitmap and the interior-pointer
// list.
type pageSlot struct {
	pg         *page.Page
	interior   []interiorEntry
	liveStarts *bitset.BitSet
}

func newPageSlot(pg *page.Page) *pageSlot {
	return &pageSlot{pg: pg, liveStarts: bitset.New(pg.Locations(), false)}
}

// Heap is a single isolated bubble of deferred-collected memory. It is not
// safe for concurrent use; a Heap and every SmartPtr into it form a
// single-threaded confinement unit.
type Heap struct {
	id    uint64
	pages []*pageSlot
	roots map[*ptrBase]struct{}
	dtors destructor.Table

	teardown            bool
	collectBeforeExpand bool

	minPageBytes  int
	minChunkBytes int
	logger        *slog.Logger

	stats Stats
}

// Stats exposes collection-cycle counters for optional diagnostics only;
// nothing in the core reads its own fields back.
type Stats struct {
	Collections      int
	AllocationsFreed int
	PagesDropped     int
}

// HeapOption configures a Heap at construction time.
type HeapOption func(*Heap)

// WithMinPageBytes overrides the floor on a freshly grown Page's byte size.
func WithMinPageBytes(n int) HeapOption {
	return func(h *Heap) { h.minPageBytes = n }
}

// WithMinChunkBytes overrides the floor on a freshly grown Page's chunk size.
func WithMinChunkBytes(n int) HeapOption {
	return func(h *Heap) { h.minChunkBytes = n }
}

// WithCollectBeforeExpand sets the initial collect-before-expand policy; it
// can also be toggled later via SetCollectBeforeExpand.
func WithCollectBeforeExpand(enabled bool) HeapOption {
	return func(h *Heap) { h.collectBeforeExpand = enabled }
}

// WithLogger attaches a debug-level logger for collection-cycle summaries.
// Nothing is logged unless a logger is set, and a successful allocation logs
// nothing. Collect emits a summary (plus any destructor or page-release
// error), Close emits one line, and the allocation path emits a line only on
// failure (a new Page cannot be grown, or a destructor flushed from a reused
// slot panics). All output is at slog.LevelDebug.
func WithLogger(l *slog.Logger) HeapOption {
	return func(h *Heap) { h.logger = l }
}

// New constructs an empty Heap.
func New(opts ...HeapOption) *Heap {
	h := &Heap{
		roots:         make(map[*ptrBase]struct{}),
		minPageBytes:  DefaultMinPageBytes,
		minChunkBytes: DefaultMinChunkBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.id = registerHeap(h)
	return h
}

// CollectBeforeExpand reports the current policy.
func (h *Heap) CollectBeforeExpand() bool { return h.collectBeforeExpand }

// SetCollectBeforeExpand toggles whether a failed allocation triggers a
// Collect-and-retry before the Heap grows a new Page.
func (h *Heap) SetCollectBeforeExpand(enabled bool) { h.collectBeforeExpand = enabled }

// Stats returns a snapshot of the Heap's diagnostic counters.
func (h *Heap) Stats() Stats { return h.stats }

// String renders a compact diagnostic summary — page count, root count and
// pending destructor count — for logging, not for parsing.
func (h *Heap) String() string {
	return fmt.Sprintf("heap(pages=%d roots=%d pending_dtors=%d collections=%d)",
		len(h.pages), len(h.roots), h.dtors.Len(), h.stats.Collections)
}

func (h *Heap) debugf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Debug(fmt.Sprintf(format, args...))
	}
}

// enregister attaches ptr to this Heap, classifying it as a root or an
// interior pointer depending on whether its own storage address currently
// lies inside one of this Heap's Pages. Forbidden during teardown.
func (h *Heap) enregister(ptr *ptrBase) {
	if h.teardown {
		violate("enregister", "cannot attach a new SmartPtr while the heap is tearing down")
	}
	ptr.heapID = h.id
	addr := addrOfPtrBase(ptr)
	for _, slot := range h.pages {
		begin, end := slot.pg.Extent()
		if addr >= begin && addr < end {
			slot.interior = append(slot.interior, interiorEntry{ptr: ptr})
			return
		}
	}
	h.roots[ptr] = struct{}{}
}

// deregister detaches ptr from this Heap. A no-op during teardown (every
// attached pointer is force-detached in one pass by Close instead). Not
// finding ptr anywhere is a contract violation.
func (h *Heap) deregister(ptr *ptrBase) {
	if h.teardown {
		return
	}
	if _, ok := h.roots[ptr]; ok {
		delete(h.roots, ptr)
		return
	}
	for _, slot := range h.pages {
		for i := len(slot.interior) - 1; i >= 0; i-- {
			if slot.interior[i].ptr == ptr {
				last := len(slot.interior) - 1
				slot.interior[i] = slot.interior[last]
				slot.interior = slot.interior[:last]
				return
			}
		}
	}
	violate("deregister", "attempt to deregister an unattached SmartPtr")
}

// allocateFromExistingPages tries every Page in insertion order and returns
// the first one that can satisfy the request.
func (h *Heap) allocateFromExistingPages(size, align, n int) (*pageSlot, page.Addr, bool) {
	for _, slot := range h.pages {
		if addr, ok := slot.pg.AllocateRaw(size*n, align); ok {
			return slot, addr, true
		}
	}
	return nil, page.Null, false
}

// newPage is page.New indirected through a variable so a test can simulate
// a growth failure deterministically (swap it for a stub that always
// errors) rather than relying on an actual OS-level allocation failure.
var newPage = page.New

// allocate tries existing pages first, then (if collect-before-expand is
// enabled) a single collect-and-retry, then grows a new page sized for
// this request. The only recoverable failure is growth itself failing (the
// OS declined to back a new Page) — that, and only that, is "no Page can
// fit the request and growth is disallowed"; every other failure mode here
// is a programming fault and panics via violate instead.
func (h *Heap) allocate(size, align, n int) (*pageSlot, page.Addr, error) {
	if h.teardown {
		violate("allocate", "cannot allocate on a heap that is tearing down")
	}
	if slot, addr, ok := h.allocateFromExistingPages(size, align, n); ok {
		return slot, addr, nil
	}
	if h.collectBeforeExpand {
		h.Collect()
		if slot, addr, ok := h.allocateFromExistingPages(size, align, n); ok {
			return slot, addr, nil
		}
	}

	pageBytes := 3 * size * n
	if pageBytes < h.minPageBytes {
		pageBytes = h.minPageBytes
	}
	chunk := size
	if chunk < h.minChunkBytes {
		chunk = h.minChunkBytes
	}
	if chunk < 1 {
		chunk = 1
	}

	pg, err := newPage(pageBytes, chunk)
	if err != nil {
		h.debugf("gcheap: allocation exhausted growing a new page: %v", err)
		return nil, page.Null, fmt.Errorf("%w: %v", ErrExhausted, err)
	}
	slot := newPageSlot(pg)
	h.pages = append(h.pages, slot)

	addr, ok := pg.AllocateRaw(size*n, align)
	if !ok {
		// A page sized for exactly this request that still can't hold it is
		// an internal-consistency fault, not routine exhaustion.
		violate("allocate", "freshly grown page cannot satisfy the request that sized it")
	}
	return slot, addr, nil
}

// mark marks the allocation containing target as live at the given BFS
// level, and arms (sets level if still 0) every interior SmartPtr that lives
// within that same allocation, for the next BFS pass to pick up.
func (h *Heap) mark(target page.Addr, level int) {
	if target.IsNull() {
		return
	}
	for _, slot := range h.pages {
		info := slot.pg.ContainsInfo(target)
		if info.Found == page.NotInRange {
			continue
		}
		if info.Found == page.InRangeUnallocated {
			violate("mark", "a live SmartPtr points to unallocated memory")
		}
		slot.liveStarts.Set(info.StartLocation, true)
		for i := range slot.interior {
			e := &slot.interior[i]
			epos := slot.pg.ContainsInfo(addrOfPtrBase(e.ptr))
			if epos.Found != page.InRangeAllocatedStart && epos.Found != page.InRangeAllocatedMiddle {
				violate("mark", "an interior SmartPtr's own storage is not inside a live allocation")
			}
			if epos.StartLocation == info.StartLocation && e.level == 0 {
				e.level = level
			}
		}
		return
	}
}

// Collect runs one mark/sweep cycle: unreachable allocations (including
// ones that only participate in internal reference cycles) are destroyed
// and their storage reclaimed; empty Pages are dropped.
func (h *Heap) Collect() {
	if h.teardown {
		violate("collect", "cannot collect a heap that is tearing down")
	}

	// 1. reset mark bits and interior levels.
	for _, slot := range h.pages {
		slot.liveStarts.SetAll(false)
		for i := range slot.interior {
			slot.interior[i].level = 0
		}
	}

	// 2. BFS mark from roots, then from newly-reached interior pointers.
	level := 1
	for root := range h.roots {
		h.mark(root.raw, level)
	}
	for {
		level++
		done := true
		for _, slot := range h.pages {
			for i := range slot.interior {
				if slot.interior[i].level == level-1 {
					done = false
					h.mark(slot.interior[i].ptr.raw, level)
				}
			}
		}
		if done {
			break
		}
	}

	// 3. null every unreached interior pointer before any destructor runs,
	// so destruction order across an unreachable cluster can never matter.
	for _, slot := range h.pages {
		for i := range slot.interior {
			if slot.interior[i].level == 0 {
				slot.interior[i].ptr.raw = page.Null
			}
		}
	}

	// 4. sweep: destroy and deallocate every unreached allocation, and
	// forget the interior pointers whose storage was part of it. The
	// original relies on automatic member destruction to deregister those
	// pointers as T's own destructor tears down its fields; Go has no such
	// hook, so this step prunes them directly by address range instead —
	// an equivalent, simpler substitute given to the same effect.
	freed, dropped := 0, 0
	for _, slot := range h.pages {
		for i := 0; i < slot.pg.Locations(); i++ {
			li := slot.pg.LocationInfo(i)
			if !li.IsStart || slot.liveStarts.Get(i) {
				continue
			}
			begin, end := slot.pg.AllocationSpan(i)
			if _, err := h.dtors.RemoveRange(begin, end); err != nil {
				h.debugf("gcheap: destructor error during collect: %v", err)
			}
			slot.pg.Deallocate(begin)
			slot.interior = pruneRange(slot.interior, begin, end)
			freed++
		}
	}

	// 5. drop pages left empty.
	kept := h.pages[:0]
	for _, slot := range h.pages {
		if slot.pg.IsEmpty() {
			if len(slot.interior) != 0 {
				violate("collect", "an empty page still has interior SmartPtrs registered")
			}
			if err := slot.pg.Close(); err != nil {
				h.debugf("gcheap: error releasing dropped page: %v", err)
			}
			dropped++
			continue
		}
		kept = append(kept, slot)
	}
	h.pages = kept

	h.stats.Collections++
	h.stats.AllocationsFreed += freed
	h.stats.PagesDropped += dropped
	h.debugf("gcheap: collect: freed=%d dropped_pages=%d remaining_pages=%d", freed, dropped, len(h.pages))
}

func pruneRange(entries []interiorEntry, begin, end page.Addr) []interiorEntry {
	kept := entries[:0]
	for _, e := range entries {
		addr := addrOfPtrBase(e.ptr)
		if addr >= begin && addr < end {
			continue
		}
		kept = append(kept, e)
	}
	return kept
}

// Close tears the Heap down: every attached SmartPtr (root or interior) is
// detached to null, every still-pending destructor runs exactly once, and
// every Page is released. After Close, Collect and any allocation through
// the Heap panic with a ContractViolation; a second Close is a no-op.
func (h *Heap) Close() error {
	if h.teardown {
		return nil
	}
	h.teardown = true

	for root := range h.roots {
		root.heapID = 0
		root.raw = page.Null
	}
	h.roots = nil
	for _, slot := range h.pages {
		for i := range slot.interior {
			slot.interior[i].ptr.heapID = 0
			slot.interior[i].ptr.raw = page.Null
		}
		slot.interior = nil
	}

	err := h.dtors.RunAll()

	for _, slot := range h.pages {
		if cerr := slot.pg.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	h.pages = nil

	h.debugf("gcheap: heap closed")
	unregisterHeap(h.id)
	return err
}
