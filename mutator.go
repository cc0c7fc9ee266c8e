package shadowheap

import (
	"sync/atomic"
	"unsafe"

	"github.com/shadowheap-org/shadowheap/internal/journal"
)

// Mutator is a goroutine's handle on the collector: it owns that
// goroutine's journal. Every operation that changes the root set goes
// through the Mutator of the goroutine performing it, which keeps each
// journal single-producer. Mutators are created by Collector.Spawn and
// must not be shared across goroutines.
type Mutator struct {
	w *journal.Writer
}

func (m *Mutator) emit(p unsafe.Pointer, ti *typeInfo, op uintptr) {
	m.w.Write(journal.Entry{Ptr: p, Meta: ti.meta(op)})
}

// Root is a stack-resident owning reference. While at least one Root for
// an object is live, the collector treats the object as reachable. Roots
// are moved, not shared: pass ownership to another goroutine by sending
// the Root itself, or keep one and send a Clone.
type Root[T any] struct {
	p *T
}

// NewRoot moves value to the heap, hands ownership to the collector and
// roots it on the calling goroutine's mutator.
func NewRoot[T any](m *Mutator, value T) Root[T] {
	p := new(T)
	*p = value
	m.emit(unsafe.Pointer(p), typeInfoFor[T](), journal.OpNewInc)
	return Root[T]{p: p}
}

// Borrow returns read access to the object without touching the journal.
// This is the recommended access pattern: borrowing is free.
func (r Root[T]) Borrow() *T { return r.p }

// Clone creates an additional root for the same object on the given
// mutator.
func (r Root[T]) Clone(m *Mutator) Root[T] {
	if r.p == nil {
		return r
	}
	m.emit(unsafe.Pointer(r.p), typeInfoFor[T](), journal.OpInc)
	return Root[T]{p: r.p}
}

// Release drops this root through the given mutator, which must belong to
// the calling goroutine. Release is infallible and never blocks on the
// collector. Using the Root afterwards is a contract violation.
func (r Root[T]) Release(m *Mutator) {
	if r.p == nil {
		return
	}
	m.emit(unsafe.Pointer(r.p), typeInfoFor[T](), journal.OpDec)
}

// Ptr returns an unrooted reference suitable for storing inside managed
// structures. The referent stays alive only as long as it is reachable
// from a root.
func (r Root[T]) Ptr() Ptr[T] { return Ptr[T]{p: r.p} }

// Ptr is a non-atomic managed pointer slot for single-mutator contexts. It
// is not a root: it should live inside managed objects, which report it
// through their Trace implementation.
type Ptr[T any] struct {
	p *T
}

// NewPtr moves value to the heap and hands ownership to the collector
// without rooting it. The object survives only while reachable from a
// root, so the result should promptly be stored into a reachable
// structure.
func NewPtr[T any](m *Mutator, value T) Ptr[T] {
	p := new(T)
	*p = value
	m.emit(unsafe.Pointer(p), typeInfoFor[T](), journal.OpNew)
	return Ptr[T]{p: p}
}

// Borrow returns read access to the object, or nil for the zero Ptr.
func (p Ptr[T]) Borrow() *T { return p.p }

// IsNil reports whether the slot is empty.
func (p Ptr[T]) IsNil() bool { return p.p == nil }

// Root roots the referent on the given mutator.
func (p Ptr[T]) Root(m *Mutator) Root[T] {
	if p.p == nil {
		return Root[T]{}
	}
	m.emit(unsafe.Pointer(p.p), typeInfoFor[T](), journal.OpInc)
	return Root[T]{p: p.p}
}

// Ref returns the reference to push onto a TraceStack. The zero Ptr yields
// a nil Ref, which Push ignores.
func (p Ptr[T]) Ref() Ref {
	return Ref{ptr: unsafe.Pointer(p.p), typ: typeInfoFor[T]()}
}

// Atomic is an atomic managed pointer slot. Loads and stores are visible
// to Trace, so concurrent data structures can hold their edges in Atomic
// slots and satisfy the snapshot contract with a plain Load.
type Atomic[T any] struct {
	p atomic.Pointer[T]
}

// Load copies the current slot value.
func (a *Atomic[T]) Load() Ptr[T] { return Ptr[T]{p: a.p.Load()} }

// Store replaces the slot value.
func (a *Atomic[T]) Store(p Ptr[T]) { a.p.Store(p.p) }

// LoadRoot loads the slot and roots the referent on the given mutator in
// one step.
func (a *Atomic[T]) LoadRoot(m *Mutator) Root[T] {
	p := a.p.Load()
	if p == nil {
		return Root[T]{}
	}
	m.emit(unsafe.Pointer(p), typeInfoFor[T](), journal.OpInc)
	return Root[T]{p: p}
}

// StoreRoot publishes the root's referent into the slot. The root itself
// stays live until released.
func (a *Atomic[T]) StoreRoot(r Root[T]) { a.p.Store(r.p) }

// Ref atomically loads the slot and returns the reference to push onto a
// TraceStack.
func (a *Atomic[T]) Ref() Ref {
	return Ref{ptr: unsafe.Pointer(a.p.Load()), typ: typeInfoFor[T]()}
}
