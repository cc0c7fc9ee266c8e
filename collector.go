package shadowheap

import (
	"time"

	"github.com/shadowheap-org/shadowheap/internal/journal"
)

// Collector is the handle on a running collector: the single driver
// goroutine plus the worker pool it fans collection phases out to.
type Collector struct {
	cfg      Config
	stats    StatsLogger
	journals chan *journal.Reader
	done     chan struct{}
}

// MutatorHandle joins on a spawned mutator goroutine.
type MutatorHandle struct {
	done chan struct{}
}

// Wait blocks until the mutator function has returned and its journal is
// closed.
func (h *MutatorHandle) Wait() { <-h.done }

// Start launches a collector with the default configuration and logger.
func Start() *Collector {
	return StartWith(DefaultConfig(), NewDefaultLogger())
}

// StartWith launches a collector with the given configuration and
// statistics sink. The driver goroutine runs until every spawned mutator
// has exited and its journal has been fully drained.
func StartWith(cfg Config, stats StatsLogger) *Collector {
	cfg.applyDefaults()
	c := &Collector{
		cfg:      cfg,
		stats:    stats,
		journals: make(chan *journal.Reader, 64),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Spawn runs fn as a mutator goroutine: it gets its own journal, and the
// journal is closed when fn returns. All root handle activity inside fn
// must go through the provided Mutator.
func (c *Collector) Spawn(fn func(*Mutator)) *MutatorHandle {
	w, r := journal.New(c.cfg.JournalBufferSize)
	c.journals <- r

	h := &MutatorHandle{done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer w.Close()
		fn(&Mutator{w: w})
	}()
	return h
}

// Join blocks until the collector has shut down and returns the
// statistics sink for inspection. The collector shuts down once every
// journal has disconnected; spawning new mutators after that point is a
// contract violation.
func (c *Collector) Join() StatsLogger {
	<-c.done
	return c.stats
}

// run is the driver loop.
func (c *Collector) run() {
	defer close(c.done)

	heap := newYoungHeap(c.cfg, newMatureHeap(c.cfg), c.stats)

	// Block until the first mutator connects.
	heap.addJournal(<-c.journals)
	c.stats.MarkStart()

	sleep := c.cfg.MinSleep
	for heap.numJournals() > 0 {
		// Adopt newly connected mutators.
	accept:
		for {
			select {
			case r := <-c.journals:
				heap.addJournal(r)
			default:
				break accept
			}
		}

		read := heap.readJournals()
		if read == 0 {
			// Nothing to do: back off exponentially up to the cap.
			time.Sleep(sleep)
			c.stats.AddSleep(sleep)
			sleep = min(sleep*2, c.cfg.MaxSleep)
		} else {
			sleep = c.cfg.MinSleep
		}

		if heap.youngCount >= c.cfg.MajorCollectThreshold {
			heap.fullCollection()
		} else {
			heap.minorCollection()
		}
	}

	// All journals disconnected and drained. One last minor cycle applies
	// the final aged decrements, then the full cycle finds nothing rooted
	// and collects both generations completely.
	heap.minorCollection()
	heap.fullCollection()

	c.stats.MarkEnd()
}
