// Package gcheap ties internal/page, internal/destructor and
// internal/bitset together into the public deferred-collection heap:
// Heap and the generic SmartPtr type, Ptr[T].
//
// A Heap owns a growable list of Pages. Objects are placed with Make or
// MakeArray, referenced through Ptr[T] values, and reclaimed — including
// objects that only participate in reference cycles internal to the Heap —
// by an explicit call to Collect, or all at once when the Heap is Closed.
package gcheap
