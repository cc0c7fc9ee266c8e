// Package shadowheap is a pauseless, concurrent, generational, parallel
// mark-and-sweep garbage collector, embeddable as a library.
//
// The collector handles any number of mutator goroutines without ever
// stopping them. It does this by deferring reference counting of stack
// rooted pointers to a dedicated collector goroutine, through a per-mutator
// journal of root set changes. Writing the journal is cheap and never
// blocks, so a mutator never waits for a stack scan or for any collection
// phase.
//
// Objects enter the young generation when their allocation record drains
// from a journal. The young generation is scanned on every cycle; objects
// that survive a full cycle are promoted to the mature generation, which is
// scanned only when the young population crosses a threshold. Both
// generations live in bitmapped radix tries keyed by object address, and
// both mark and sweep shard those tries across a worker pool.
//
// Reference counts apply to roots only, never to heap edges, so cyclic
// structures need no special treatment: tracing handles them.
//
// # Usage
//
//	c := shadowheap.Start()
//
//	h := c.Spawn(func(m *shadowheap.Mutator) {
//		r := shadowheap.NewRoot(m, 42)
//		defer r.Release(m)
//
//		println(*r.Borrow())
//	})
//	h.Wait()
//
//	stats := c.Join()
//	stats.Dump()
//
// Types holding managed pointers implement Tracer so the collector can
// find their children, and may implement Finalizer to run cleanup when
// destroyed:
//
//	type node struct {
//		next shadowheap.Atomic[node]
//	}
//
//	func (n *node) Trace(s *shadowheap.TraceStack) shadowheap.Status {
//		s.Push(n.next.Ref())
//		return shadowheap.Done
//	}
//
// Trace implementations must push a coherent snapshot of the object's
// children even while mutators are writing; structures that cannot do that
// cheaply return Defer and are retried later in the same mark phase.
// Structures built from immutable (persistent) nodes or Atomic slots get
// this for free.
//
// # Limitations
//
// Fully mutable multi-object graphs need a Trace that produces a coherent
// snapshot; without one, a pointer moved between objects during a mark
// phase can escape the collector. Root a value before publishing it into a
// live structure, and keep the root until the store has happened.
//
// Collection scheduling is deliberately simple: a young cycle after every
// journal drain, a full cycle when the young population crosses the
// configured threshold.
package shadowheap
