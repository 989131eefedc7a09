package gcheap

import (
	"reflect"
	"unsafe"
)

// ptrBaseType identifies the shape "this struct embeds ptrBase as its first
// anonymous field" — true of every Ptr[T] regardless of T, since T only
// affects the Go-level type, never ptrBase's layout.
var ptrBaseType = reflect.TypeOf(ptrBase{})

func isSmartPtrType(t reflect.Type) bool {
	return t.Kind() == reflect.Struct &&
		t.NumField() >= 1 &&
		t.Field(0).Anonymous &&
		t.Field(0).Type == ptrBaseType
}

// scanInteriorPointers walks a freshly constructed value looking for
// embedded Ptr[U] fields (direct or nested in structs/arrays) and
// enregisters each one as an interior pointer of h, located wherever its
// field address landed inside the page storage v was placed in.
//
// Slices, maps and interfaces are not walked: automatic interior
// registration for container elements belongs to a standard-container
// adapter (package gcalloc's collaborator contract), not to the core. A
// struct containing one of those as a field simply never gets its
// contents scanned past that point.
func scanInteriorPointers(h *Heap, v reflect.Value) {
	switch v.Kind() {
	case reflect.Struct:
		if isSmartPtrType(v.Type()) {
			h.enregister((*ptrBase)(unsafe.Pointer(v.UnsafeAddr())))
			return
		}
		for i := 0; i < v.NumField(); i++ {
			scanInteriorPointers(h, v.Field(i))
		}
	case reflect.Array:
		for i := 0; i < v.Len(); i++ {
			scanInteriorPointers(h, v.Index(i))
		}
	}
}
