package shadowheap

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/shadowheap-org/shadowheap/internal/journal"
	"github.com/shadowheap-org/shadowheap/internal/trie"
)

const gcAsserts = false

// Flag bits of a young heap entry.
const (
	flagNew  uint32 = 1 << 0 // young-generation object, subject to sweep
	flagMark uint32 = 1 << 1 // reachable in the current mark phase
)

// rootEntry is the young heap's record for one known object address: the
// stack-root reference count recovered from the journals, the dispatch
// record, and the NEW/MARK flags. The object pointer is carried alongside
// so the platform allocator cannot reclaim the object while the collector
// considers it live.
//
// The refcount is adjusted concurrently when deferred decrements merge in
// parallel, and the flags are set concurrently during parallel mark, so
// both are atomics. Outside parallel phases the collector driver is the
// only accessor.
type rootEntry struct {
	ptr   unsafe.Pointer
	typ   *typeInfo
	refs  atomic.Int32
	flags atomic.Uint32
}

// setMark sets the mark bit and reports whether it was previously clear.
func (e *rootEntry) setMark() bool {
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

// markAndNeedsTrace marks the entry and reports whether it must be traced
// into: only on the first visit, and only for traversible types.
func (e *rootEntry) markAndNeedsTrace() bool {
	return e.setMark() && e.typ.traverse
}

func (e *rootEntry) setNew() {
	for {
		f := e.flags.Load()
		if f&flagNew != 0 || e.flags.CompareAndSwap(f, f|flagNew) {
			return
		}
	}
}

func (e *rootEntry) clearNew() {
	for {
		f := e.flags.Load()
		if f&flagNew == 0 || e.flags.CompareAndSwap(f, f&^flagNew) {
			return
		}
	}
}

func (e *rootEntry) unmark() {
	for {
		f := e.flags.Load()
		if f&flagMark == 0 || e.flags.CompareAndSwap(f, f&^flagMark) {
			return
		}
	}
}

// youngHeap composes everything needed to collect young generation
// objects: the journals to read, the roots trie mapping object addresses
// to reference counts, the deferred decrement buffers, and the mature
// space for promotion.
//
// Entries with a positive reference count are roots. Entries with the NEW
// flag are young objects subject to mark and sweep. An entry can be both.
type youngHeap struct {
	cfg      Config
	journals []*journal.Reader
	roots    trie.Trie[rootEntry]
	mature   *matureHeap
	stats    StatsLogger

	// Deferred negative reference count adjustments. Decrements drained
	// in the current pass land in pending; at the end of each cycle the
	// aged batch is applied and pending takes its place. The one-cycle
	// delay guarantees that every increment emitted before a decrement
	// has been drained by the time the decrement is applied, whatever
	// journal it arrived on.
	pending []uintptr
	aged    []uintptr

	// NEW-entry population as counted by the last sweep.
	youngCount int
}

func newYoungHeap(cfg Config, mature *matureHeap, stats StatsLogger) *youngHeap {
	return &youngHeap{cfg: cfg, mature: mature, stats: stats}
}

func (h *youngHeap) addJournal(r *journal.Reader) {
	h.journals = append(h.journals, r)
}

func (h *youngHeap) numJournals() int { return len(h.journals) }

// readJournals drains all connected journals round-robin, for up to
// JournalRun passes of BufferRun records each, updating the roots trie.
// Decrements are never applied inline: they age in the pending buffer.
// Returns the number of records read.
//
// This function is single threaded and is the main throughput limiter of
// the collector: a trie insert is slow compared to writing and reading a
// journal record.
func (h *youngHeap) readJournals() int {
	read := 0
	for pass := 0; pass < h.cfg.JournalRun; pass++ {
		for _, j := range h.journals {
			for n := 0; n < h.cfg.BufferRun; n++ {
				e, ok := j.Read()
				if !ok {
					break
				}
				read++
				h.apply(e)
			}
		}
	}

	// Drop disconnected journals.
	live := h.journals[:0]
	for _, j := range h.journals {
		if !j.Disconnected() {
			live = append(live, j)
		}
	}
	h.journals = live

	return read
}

// apply folds one journal record into the roots trie.
func (h *youngHeap) apply(e journal.Entry) {
	key := e.Key()
	switch e.Op() {
	case journal.OpNewInc:
		if ent := h.roots.Get(key); ent != nil {
			ent.setNew()
			ent.refs.Add(1)
			return
		}
		ent := &rootEntry{ptr: e.Ptr, typ: fromTypeAddr(e.TypeAddr())}
		ent.refs.Store(1)
		ent.flags.Store(flagNew)
		h.roots.Set(key, ent)

	case journal.OpNew:
		if ent := h.roots.Get(key); ent != nil {
			ent.setNew()
			return
		}
		ent := &rootEntry{ptr: e.Ptr, typ: fromTypeAddr(e.TypeAddr())}
		ent.flags.Store(flagNew)
		h.roots.Set(key, ent)

	case journal.OpInc:
		ent := h.roots.GetOrInsert(key, func() *rootEntry {
			return &rootEntry{ptr: e.Ptr, typ: fromTypeAddr(e.TypeAddr())}
		})
		ent.refs.Add(1)

	case journal.OpDec:
		h.pending = append(h.pending, key)
	}
}

// minorCollection runs a young generation cycle: parallel mark from the
// current roots, a journal re-read to close the root handoff window,
// parallel sweep of NEW entries, then the aged decrement merge. Returns
// the surviving NEW population.
func (h *youngHeap) minorCollection() int {
	h.mark()
	h.remark()
	young, dropped := h.sweep()
	h.mergeDeferred()

	h.youngCount = young
	h.stats.AddDropped(dropped)
	return young
}

// fullCollection additionally promotes surviving NEW entries into the
// mature space and collects the mature space from the same root set.
func (h *youngHeap) fullCollection() {
	h.mark()
	h.remark()
	h.promote()
	young, dropped := h.sweep()

	heapSize, matureDropped := h.mature.collect(h)
	h.clearMarks()
	h.mergeDeferred()

	h.youngCount = young
	h.stats.AddDropped(dropped + matureDropped)
	h.stats.SetHeapSize(heapSize)
}

// mark runs the parallel young mark: the trie is sharded across the
// workers, each worker draws roots from its shard and marks reachable
// entries anywhere in the trie, stealing overflow work from the shared
// pool until the phase terminates.
func (h *youngHeap) mark() {
	shards := h.roots.Shards(h.cfg.Workers)
	pool := newWorkPool(len(shards))

	var wg sync.WaitGroup
	for i := range shards {
		wg.Add(1)
		go func(shard *trie.Shard[rootEntry]) {
			defer wg.Done()
			h.markWorker(shard, pool)
		}(&shards[i])
	}
	wg.Wait()
}

func (h *youngHeap) markWorker(shard *trie.Shard[rootEntry], pool *workPool) {
	stack := newTraceStack(pool)

	shard.Iterate(func(_ uintptr, e *rootEntry) {
		if e.refs.Load() > 0 {
			if e.markAndNeedsTrace() {
				h.runTrace(refOf(e.ptr, e.typ), stack)
			}
			h.drain(stack)
		}
	})

	for {
		h.drain(stack)
		if stack.retryDeferred(h.cfg.MaxDeferRetries, h.runTrace) {
			continue
		}
		chunk := pool.steal()
		if chunk == nil {
			return
		}
		stack.local = append(stack.local, chunk.refs...)
	}
}

// drain empties the stack's local buffer, marking each popped child and
// tracing into it when needed.
func (h *youngHeap) drain(stack *TraceStack) {
	for {
		r, ok := stack.pop()
		if !ok {
			return
		}
		ent := h.roots.Get(uintptr(r.ptr) >> journal.PtrShift)
		if ent == nil {
			// No young entry: either the child is a promoted object
			// whose roots are gone (the young sweep never touches it),
			// or its NEW record is still in flight in a journal and the
			// re-read before sweep picks it up.
			continue
		}
		if ent.markAndNeedsTrace() {
			h.runTrace(refOf(ent.ptr, ent.typ), stack)
		}
	}
}

// runTrace invokes the object's Trace, parking it for retry on Defer.
func (h *youngHeap) runTrace(r Ref, stack *TraceStack) {
	if r.typ.trace == nil {
		return
	}
	if r.typ.trace(r.ptr, stack) == Defer {
		stack.pushDeferred(r)
	}
}

// remark closes the root handoff window: between the start of the drain
// and the end of the mark a mutator may have rooted an object whose INC
// record sat unread in a journal while the heap slot it was loaded from
// was overwritten. Re-reading the journals once and tracing from every
// freshly rooted or registered entry before sweep makes such an object
// safe.
func (h *youngHeap) remark() {
	stack := newTraceStack(nil)
	limit := h.cfg.JournalRun * h.cfg.BufferRun

	for _, j := range h.journals {
		for n := 0; n < limit; n++ {
			e, ok := j.Read()
			if !ok {
				break
			}
			h.apply(e)
			if e.Op() == journal.OpDec {
				continue
			}
			// Conservatively keep anything touched during the window: a
			// freshly registered object may already hang off a marked
			// container, and a fresh root must survive this sweep. An
			// over-kept entry is simply collected next cycle.
			ent := h.roots.Get(e.Key())
			if ent == nil {
				continue
			}
			if ent.markAndNeedsTrace() {
				h.runTrace(refOf(ent.ptr, ent.typ), stack)
			}
			for h.drainOnce(stack) {
			}
		}
	}
}

// drainOnce processes the stack until both the local buffer and the
// deferred retries are exhausted. Single threaded variant used by remark.
func (h *youngHeap) drainOnce(stack *TraceStack) bool {
	h.drain(stack)
	return stack.retryDeferred(h.cfg.MaxDeferRetries, h.runTrace)
}

// sweep destroys unmarked NEW entries and removes unrooted plain root
// entries, in parallel across disjoint shards. Returns the surviving NEW
// population and the number of destroyed objects.
func (h *youngHeap) sweep() (young, dropped int) {
	shards := h.roots.Shards(h.cfg.Workers)

	var youngTotal, dropTotal atomic.Int64
	var wg sync.WaitGroup
	for i := range shards {
		wg.Add(1)
		go func(shard *trie.Shard[rootEntry]) {
			defer wg.Done()
			var youngCount, dropCount int64
			shard.RetainIf(func(_ uintptr, e *rootEntry) bool {
				f := e.flags.Load()
				switch {
				case f&flagNew != 0 && f&flagMark == 0:
					// Unreachable young object: destroy it. The entry
					// held the last reference, so removal returns the
					// storage to the allocator.
					if e.typ.finalize != nil {
						e.typ.finalize(e.ptr)
					}
					dropCount++
					return false

				case f&flagNew == 0 && e.refs.Load() <= 0:
					// Plain root entry with no remaining stack roots.
					return false

				default:
					if f&flagNew != 0 {
						youngCount++
					}
					e.unmark()
					return true
				}
			})
			youngTotal.Add(youngCount)
			dropTotal.Add(dropCount)
		}(&shards[i])
	}
	wg.Wait()

	return int(youngTotal.Load()), int(dropTotal.Load())
}

// promote copies reachable NEW entries into the mature space and strips
// their NEW flag, turning them into plain refcounted root entries. Runs
// between mark and sweep of a full cycle, so reachability is exactly the
// MARK bit.
func (h *youngHeap) promote() {
	h.roots.Iterate(func(key uintptr, e *rootEntry) {
		f := e.flags.Load()
		if f&flagNew != 0 && f&flagMark != 0 {
			h.mature.add(key, e.ptr, e.typ)
			e.clearNew()
		}
	})
}

// mergeDeferred applies the aged decrement batch across the worker pool
// and rotates pending into its place. Entries that reach zero stay in the
// trie until the next sweep removes them.
func (h *youngHeap) mergeDeferred() {
	if len(h.aged) > 0 {
		chunk := (len(h.aged) + h.cfg.Workers - 1) / h.cfg.Workers

		var wg sync.WaitGroup
		for start := 0; start < len(h.aged); start += chunk {
			end := min(start+chunk, len(h.aged))
			wg.Add(1)
			go func(keys []uintptr) {
				defer wg.Done()
				for _, key := range keys {
					ent := h.roots.Get(key)
					if ent == nil {
						// A decrement always follows a drained increment,
						// so the entry must exist.
						if gcAsserts {
							panic("gc: deferred decrement for unknown object")
						}
						continue
					}
					ent.refs.Add(-1)
				}
			}(h.aged[start:end])
		}
		wg.Wait()
	}

	h.aged = h.pending
	h.pending = nil
}

// clearMarks clears the visited marks the mature collection left on young
// entries.
func (h *youngHeap) clearMarks() {
	h.roots.Iterate(func(_ uintptr, e *rootEntry) {
		e.unmark()
	})
}
