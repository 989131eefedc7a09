// Package destructor implements the deferred-heap's destructor table: an
// ordered list of (address, type-erased destructor) records. The type
// erasure captures only a function that knows T's destructor — never the
// Heap or any other state — so a Record is exactly two pointers wide.
package destructor

import (
	"fmt"

	"github.com/joshuapare/deferredheap/internal/page"
)

// Fn is a type-erased destructor: a closure that already knows T and
// simply reinterprets addr as a *T before running T's cleanup.
type Fn func(addr page.Addr)

// Record pairs an address with the destructor that must run for it.
type Record struct {
	Addr page.Addr
	fn   Fn
}

// Table is the ordered sequence of pending destructor records. Order is
// not semantically significant to callers, only to RunAll (reverse
// insertion order) and RemoveRange (forward order, see doc comment).
//
// Table is not safe for concurrent use — matches the rest of this
// module's single-threaded confinement model.
type Table struct {
	records []Record
}

// Store appends one record. Callers (Heap.Make/MakeArray) only call this
// for types with a non-trivial destructor, and only after every object in
// the batch has successfully constructed — see Heap's construction
// routine for why registration happens as a single post-construction
// commit rather than incrementally.
func (t *Table) Store(addr page.Addr, fn Fn) {
	t.records = append(t.records, Record{Addr: addr, fn: fn})
}

// IsStored reports whether a record exists for addr.
func (t *Table) IsStored(addr page.Addr) bool {
	for _, r := range t.records {
		if r.Addr == addr {
			return true
		}
	}
	return false
}

// Len reports the number of pending records, for diagnostics and tests.
func (t *Table) Len() int { return len(t.records) }

// RunAll executes every record in reverse insertion order, then clears
// the table. Used only at Heap teardown, where every still-pending
// destructor must run exactly once regardless of reachability.
//
// A destructor that panics does not stop the remaining destructors from
// running: each call is individually recovered, and the first panic
// observed is returned (wrapped) once every record has been given a
// chance to run — matching the "contained to the affected allocation"
// failure policy described for destructor faults.
func (t *Table) RunAll() error {
	recs := t.records
	t.records = nil

	var firstErr error
	for i := len(recs) - 1; i >= 0; i-- {
		if err := runProtected(recs[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RemoveRange extracts every record whose address lies in [lo, hi),
// removes them from the table, and only then runs the extracted
// destructors — in forward (insertion) order, which for an array
// allocation's per-element records means index-0-first. This ordering is
// an explicit choice (the source this package's semantics trace back to
// leaves array destruction order unspecified); forward order was chosen
// for symmetry with construction order and is checked by
// TestRemoveRangeExtractsBeforeRunning in this package.
//
// Removing every matching record from the table before invoking any of
// their destructors is what makes this reentrancy-safe: a destructor that
// itself calls Store or RemoveRange observes a table that has already
// forgotten the records currently being run, so it cannot double-free or
// re-extract them.
//
// Returns whether any destructors ran, and the first panic observed
// (wrapped), if any — the remaining extracted destructors still run even
// if an earlier one panics.
func (t *Table) RemoveRange(lo, hi page.Addr) (ran bool, err error) {
	var extracted []Record
	kept := t.records[:0]
	for _, r := range t.records {
		if r.Addr >= lo && r.Addr < hi {
			extracted = append(extracted, r)
		} else {
			kept = append(kept, r)
		}
	}
	t.records = kept

	if len(extracted) == 0 {
		return false, nil
	}

	var firstErr error
	for _, r := range extracted {
		if e := runProtected(r); e != nil && firstErr == nil {
			firstErr = e
		}
	}
	return true, firstErr
}

func runProtected(r Record) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("destructor: panic for address %v: %v", r.Addr, rec)
		}
	}()
	r.fn(r.Addr)
	return nil
}
