package shadowheap

import (
	"reflect"
	"sync"
	"unsafe"

	"github.com/shadowheap-org/shadowheap/internal/journal"
)

// typeInfo is the per-type dispatch record referenced by journal records
// and heap entries: a trace function, a finalize function and the traverse
// flag. It replaces a language vtable and keeps the collector ignorant of
// concrete types.
//
// Records are interned in a process-wide registry and never released, so
// the address of a typeInfo may be carried as a bare word through the
// journal and converted back with fromTypeAddr.
type typeInfo struct {
	trace    func(unsafe.Pointer, *TraceStack) Status
	finalize func(unsafe.Pointer)
	traverse bool
	name     string
}

var typeInfos sync.Map // reflect.Type -> *typeInfo

// typeInfoFor returns the interned dispatch record for T, building it on
// first use. A type whose pointer form implements Tracer is traversible;
// one that implements Finalizer gets its finalizer invoked by sweep. Types
// implementing neither are scalar-only: the collector never calls into
// them.
func typeInfoFor[T any]() *typeInfo {
	rt := reflect.TypeFor[T]()
	if ti, ok := typeInfos.Load(rt); ok {
		return ti.(*typeInfo)
	}

	ti := &typeInfo{name: rt.String()}
	var probe *T
	if _, ok := any(probe).(Tracer); ok {
		ti.traverse = true
		ti.trace = func(p unsafe.Pointer, s *TraceStack) Status {
			return any((*T)(p)).(Tracer).Trace(s)
		}
	}
	if _, ok := any(probe).(Finalizer); ok {
		ti.finalize = func(p unsafe.Pointer) {
			any((*T)(p)).(Finalizer).Finalize()
		}
	}

	actual, _ := typeInfos.LoadOrStore(rt, ti)
	return actual.(*typeInfo)
}

// meta packs the record address and the operation tag into the journal
// metadata word.
func (ti *typeInfo) meta(op uintptr) uintptr {
	m := uintptr(unsafe.Pointer(ti)) | op
	if ti.traverse {
		m |= journal.TraverseBit
	}
	return m
}

// fromTypeAddr recovers the dispatch record from a journal metadata word
// with the tag bits already cleared. Valid because the registry keeps every
// record reachable for the life of the process.
func fromTypeAddr(addr uintptr) *typeInfo {
	return (*typeInfo)(unsafe.Pointer(addr))
}

// Ref is an opaque reference to a managed object. Trace implementations
// obtain one from Ptr.Ref or Atomic.Ref and push it onto the TraceStack.
type Ref struct {
	ptr unsafe.Pointer
	typ *typeInfo
}
