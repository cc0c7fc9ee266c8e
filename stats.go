package shadowheap

import (
	"fmt"
	"io"
	"time"
	"unsafe"

	"github.com/inhies/go-bytesize"
	"github.com/mattn/go-colorable"
)

// StatsLogger receives performance counters from the collector driver.
// All methods are called from the driver goroutine only; Dump and Log may
// additionally be called by the application after Join.
type StatsLogger interface {
	// MarkStart and MarkEnd bracket the collector's lifetime.
	MarkStart()
	MarkEnd()

	// AddSleep accumulates time the driver spent in adaptive sleep.
	AddSleep(time.Duration)

	// AddDropped accumulates the number of objects destroyed by a sweep.
	AddDropped(int)

	// SetHeapSize reports the mature population after a full cycle.
	SetHeapSize(int)

	// Log writes a free-form diagnostic line.
	Log(string)

	// Dump writes a summary of the collected counters.
	Dump()
}

// DefaultLogger is the stock StatsLogger: it tracks the peak mature
// population, drop totals and active time, and dumps a colorized one-line
// summary.
type DefaultLogger struct {
	out io.Writer

	maxHeapSize    int
	totalDropped   int
	dropIterations int

	start time.Time
	stop  time.Time
	slept time.Duration
}

// NewDefaultLogger returns a DefaultLogger writing to standard output,
// with ANSI colors translated for the platform.
func NewDefaultLogger() *DefaultLogger {
	return &DefaultLogger{out: colorable.NewColorableStdout()}
}

func newDefaultLoggerTo(w io.Writer) *DefaultLogger {
	return &DefaultLogger{out: w}
}

func (l *DefaultLogger) MarkStart() { l.start = time.Now() }
func (l *DefaultLogger) MarkEnd()   { l.stop = time.Now() }

func (l *DefaultLogger) AddSleep(d time.Duration) { l.slept += d }

func (l *DefaultLogger) AddDropped(count int) {
	l.totalDropped += count
	l.dropIterations++
}

func (l *DefaultLogger) SetHeapSize(size int) {
	l.maxHeapSize = max(l.maxHeapSize, size)
}

func (l *DefaultLogger) Log(s string) {
	fmt.Fprintln(l.out, s)
}

// Dump prints a one-line summary: peak mature population and its metadata
// footprint, drop throughput, and how much of the run the driver was
// actually busy.
func (l *DefaultLogger) Dump() {
	total := l.stop.Sub(l.start)
	if total <= 0 {
		total = time.Millisecond
	}
	active := total - l.slept
	if active <= 0 {
		active = time.Millisecond
	}
	percentActive := int(active * 100 / total)
	droppedPerSecond := int(float64(l.totalDropped) / active.Seconds())

	meta := bytesize.New(float64(uintptr(l.maxHeapSize) * unsafe.Sizeof(matureEntry{})))

	fmt.Fprintf(l.out,
		"\x1b[32mgc\x1b[0m max-heap %d objects (%s metadata); dropped %d (%d/s); active %v/%v (%d%%)\n",
		l.maxHeapSize, meta, l.totalDropped, droppedPerSecond,
		active.Round(time.Millisecond), total.Round(time.Millisecond), percentActive)
}
