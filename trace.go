package shadowheap

import (
	"sync"
	"unsafe"
)

// Status is the result of a Trace call.
type Status int

const (
	// Done means the implementation pushed a coherent snapshot of every
	// directly held child.
	Done Status = iota

	// Defer means a coherent snapshot could not be obtained cheaply and
	// nothing was pushed; the collector retries later in the same mark
	// phase.
	Defer
)

// Tracer is the capability every managed type with nested managed pointers
// must provide. Trace pushes each directly held child onto the stack,
// atomically with respect to mutator writes: the set pushed must
// correspond to some coherent snapshot of the object's children. The
// collector calls Trace from its own goroutines at any time, so the
// implementation must be safe against concurrent mutation.
type Tracer interface {
	Trace(*TraceStack) Status
}

// Finalizer is called exactly once when the collector destroys an object.
// The implementation must not dereference any other managed pointer:
// collection order is unspecified.
type Finalizer interface {
	Finalize()
}

// Number of buffered children at which a mark worker donates the older
// half of its stack to the shared pool.
const stackFlushLen = 256

// TraceStack buffers objects pending tracing during a mark phase. Each
// worker owns one; overflow is donated to the phase's shared work pool so
// idle workers can steal it.
type TraceStack struct {
	local    []Ref
	deferred []Ref
	pool     *workPool
	retries  int
}

func newTraceStack(pool *workPool) *TraceStack {
	return &TraceStack{pool: pool}
}

// Push buffers a child for tracing. Nil references are ignored, so Trace
// implementations can push optional slots unconditionally.
func (s *TraceStack) Push(r Ref) {
	if r.ptr == nil {
		return
	}
	s.local = append(s.local, r)
	if s.pool != nil && len(s.local) >= stackFlushLen {
		s.donate()
	}
}

func (s *TraceStack) pop() (Ref, bool) {
	if len(s.local) == 0 {
		return Ref{}, false
	}
	r := s.local[len(s.local)-1]
	s.local = s.local[:len(s.local)-1]
	return r, true
}

// donate moves the older half of the local stack into the shared pool.
// The older half tends to sit closer to the roots, which gives a stealing
// worker a larger subgraph to chew on.
func (s *TraceStack) donate() {
	half := len(s.local) / 2
	chunk := &workChunk{refs: make([]Ref, half)}
	copy(chunk.refs, s.local[:half])
	n := copy(s.local, s.local[half:])
	s.local = s.local[:n]
	s.pool.put(chunk)
}

// pushDeferred records an object whose Trace returned Defer. The entry is
// already marked; only the trace call itself is retried.
func (s *TraceStack) pushDeferred(r Ref) {
	s.deferred = append(s.deferred, r)
}

// retryDeferred re-runs Trace for deferred objects, up to maxRetries
// passes per phase. It returns false when there is nothing left to retry.
// When the budget runs out the remaining objects are treated as traced:
// they stay marked and their children go unscanned, which can only delay
// reclamation, never free a live object prematurely.
func (s *TraceStack) retryDeferred(maxRetries int, trace func(Ref, *TraceStack)) bool {
	if len(s.deferred) == 0 {
		return false
	}
	if s.retries >= maxRetries {
		s.deferred = s.deferred[:0]
		return false
	}
	s.retries++

	batch := s.deferred
	s.deferred = nil
	for _, r := range batch {
		trace(r, s)
	}
	return true
}

// workChunk is a batch of trace work parked in the shared pool. Chunks are
// linked into a stack the way the scheduler's task lists are.
type workChunk struct {
	refs []Ref
	next *workChunk
}

// workPool distributes trace work among the mark workers of one phase:
// full chunks are parked here and idle workers steal them. The pool also
// detects phase termination: the phase is over when every worker is idle
// and no chunk is parked.
type workPool struct {
	mu      sync.Mutex
	cond    sync.Cond
	full    *workChunk
	idle    int
	workers int
	done    bool
}

func newWorkPool(workers int) *workPool {
	p := &workPool{workers: workers}
	p.cond.L = &p.mu
	return p
}

// put parks a chunk and wakes one idle worker.
func (p *workPool) put(c *workChunk) {
	p.mu.Lock()
	c.next = p.full
	p.full = c
	p.mu.Unlock()
	p.cond.Signal()
}

// steal blocks until a chunk is available or the phase terminates. A nil
// result means the phase is over.
func (p *workPool) steal() *workChunk {
	p.mu.Lock()
	p.idle++
	for {
		if c := p.full; c != nil {
			p.full = c.next
			c.next = nil
			p.idle--
			p.mu.Unlock()
			return c
		}
		if p.done || p.idle == p.workers {
			p.done = true
			p.mu.Unlock()
			p.cond.Broadcast()
			return nil
		}
		p.cond.Wait()
	}
}

// refOf builds a Ref from a heap entry's stored pointer and dispatch
// record.
func refOf(ptr unsafe.Pointer, typ *typeInfo) Ref {
	return Ref{ptr: ptr, typ: typ}
}
