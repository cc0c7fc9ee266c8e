package shadowheap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/shadowheap-org/shadowheap/internal/journal"
	"github.com/shadowheap-org/shadowheap/internal/trie"
)

// matureEntry is the mature heap's record for one promoted object: the
// object pointer, the dispatch record and the mark bit. Mature entries
// carry no reference counts; the root set always lives in the young heap.
type matureEntry struct {
	ptr   unsafe.Pointer
	typ   *typeInfo
	flags atomic.Uint32 // flagMark only
}

func (e *matureEntry) setMark() bool {
	for {
		f := e.flags.Load()
		if f&flagMark != 0 {
			return false
		}
		if e.flags.CompareAndSwap(f, f|flagMark) {
			return true
		}
	}
}

func (e *matureEntry) unmark() {
	e.flags.Store(0)
}

// matureHeap references every promoted object and collects them with a
// parallel mark and sweep on full cycles only.
type matureHeap struct {
	cfg     Config
	objects trie.Trie[matureEntry]
}

func newMatureHeap(cfg Config) *matureHeap {
	return &matureHeap{cfg: cfg}
}

// add registers a promoted object. The key is already shift adjusted.
func (m *matureHeap) add(key uintptr, ptr unsafe.Pointer, typ *typeInfo) {
	ent := &matureEntry{ptr: ptr, typ: typ}
	m.objects.Set(key, ent)
}

// collect runs a full mark and sweep over the mature space. The roots are
// the young heap entries with a positive reference count; tracing visits
// both generations, using young mark bits purely as visited gates, and
// reachability survives only in the mature mark bits. Returns the mature
// population after the sweep and the number of destroyed objects.
func (m *matureHeap) collect(young *youngHeap) (heapSize, dropped int) {
	m.mark(young)
	return m.sweep()
}

// mark shards the young roots trie across the workers; every worker
// traces from the positive-refcount entries of its shard into both
// generations.
func (m *matureHeap) mark(young *youngHeap) {
	shards := young.roots.Shards(m.cfg.Workers)
	pool := newWorkPool(len(shards))

	var wg sync.WaitGroup
	for i := range shards {
		wg.Add(1)
		go func(shard *trie.Shard[rootEntry]) {
			defer wg.Done()
			m.markWorker(shard, young, pool)
		}(&shards[i])
	}
	wg.Wait()
}

func (m *matureHeap) markWorker(shard *trie.Shard[rootEntry], young *youngHeap, pool *workPool) {
	stack := newTraceStack(pool)

	shard.Iterate(func(key uintptr, e *rootEntry) {
		if e.refs.Load() > 0 {
			m.markObject(young, key, refOf(e.ptr, e.typ), stack)
			m.drain(young, stack)
		}
	})

	for {
		m.drain(young, stack)
		if stack.retryDeferred(m.cfg.MaxDeferRetries, m.trace) {
			continue
		}
		chunk := pool.steal()
		if chunk == nil {
			return
		}
		stack.local = append(stack.local, chunk.refs...)
	}
}

func (m *matureHeap) drain(young *youngHeap, stack *TraceStack) {
	for {
		r, ok := stack.pop()
		if !ok {
			return
		}
		m.markObject(young, uintptr(r.ptr)>>journal.PtrShift, r, stack)
	}
}

// markObject marks one object in whichever generations know it and traces
// into it on the first visit. A promoted object that is still rooted
// appears in both tries; marking both keeps it alive through the mature
// sweep, while the young mark additionally serves as the visited gate
// that stops cycles running through unpromoted young objects.
func (m *matureHeap) markObject(young *youngHeap, key uintptr, r Ref, stack *TraceStack) {
	first := false
	if ye := young.roots.Get(key); ye != nil && ye.markAndNeedsTrace() {
		first = true
	}
	if me := m.objects.Get(key); me != nil && me.setMark() && me.typ.traverse {
		first = true
	}
	if first {
		m.trace(r, stack)
	}
}

// trace invokes the object's Trace, parking it for retry on Defer.
func (m *matureHeap) trace(r Ref, stack *TraceStack) {
	if r.typ.trace == nil {
		return
	}
	if r.typ.trace(r.ptr, stack) == Defer {
		stack.pushDeferred(r)
	}
}

// sweep destroys unmarked mature entries in parallel across disjoint
// shards and unmarks the survivors.
func (m *matureHeap) sweep() (heapSize, dropped int) {
	shards := m.objects.Shards(m.cfg.Workers)

	var sizeTotal, dropTotal atomic.Int64
	var wg sync.WaitGroup
	for i := range shards {
		wg.Add(1)
		go func(shard *trie.Shard[matureEntry]) {
			defer wg.Done()
			var size, drops int64
			shard.RetainIf(func(_ uintptr, e *matureEntry) bool {
				if e.flags.Load()&flagMark == 0 {
					if e.typ.finalize != nil {
						e.typ.finalize(e.ptr)
					}
					drops++
					return false
				}
				e.unmark()
				size++
				return true
			})
			sizeTotal.Add(size)
			dropTotal.Add(drops)
		}(&shards[i])
	}
	wg.Wait()

	return int(sizeTotal.Load()), int(dropTotal.Load())
}
