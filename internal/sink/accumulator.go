// internal/sink/accumulator.go

// Package sink holds the accumulation layer shared by every consumer-facing
// sink: samples are coalesced per (controller, symbol) and flushed once per
// window.
package sink

import (
	"errors"
	"sync"
	"time"

	"github.com/tamzrod/tagbridge/internal/controller"
)

// DefaultWindow is the accumulation window used when none is configured.
const DefaultWindow = time.Second

// Batch is controller -> symbol -> latest value.
type Batch map[string]map[string]any

// Len returns the number of (controller, symbol) entries.
func (b Batch) Len() int {
	n := 0
	for _, syms := range b {
		n += len(syms)
	}
	return n
}

// FlushFunc receives one window's batch and the timestamp of the first
// sample of that window. The batch is owned by the callee.
type FlushFunc func(b Batch, windowStart time.Time)

// Timer is the part of *time.Timer the accumulator uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Config is the accumulator config.
type Config struct {
	Name    string        // sink label for metrics
	Window  time.Duration // accumulation window
	Flush   FlushFunc
	After   AfterFunc // nil = time.AfterFunc
	Metrics *Metrics  // nil = disabled
}

// Accumulator is an AccumulationBuffer with its flush timer.
//
// Invariant: a timer is armed iff the buffer is non-empty. The first sample
// after a flush arms it; later samples in the same window only overwrite.
type Accumulator struct {
	name    string
	window  time.Duration
	flush   FlushFunc
	after   AfterFunc
	metrics *Metrics

	mu    sync.Mutex
	buf   Batch
	armed bool
	start time.Time
	timer Timer
	gen   uint64 // window generation; a stale timer never flushes a newer window

	// flushMu serializes flush hooks of this accumulator.
	flushMu sync.Mutex
}

// New creates an accumulator.
func New(cfg Config) (*Accumulator, error) {
	if cfg.Flush == nil {
		return nil, errors.New("sink: flush func required")
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.After == nil {
		cfg.After = realAfterFunc
	}
	return &Accumulator{
		name:    cfg.Name,
		window:  cfg.Window,
		flush:   cfg.Flush,
		after:   cfg.After,
		metrics: cfg.Metrics,
		buf:     make(Batch),
	}, nil
}

// Window returns the accumulation window.
func (a *Accumulator) Window() time.Duration { return a.window }

// Receive stores s, overwriting any earlier value of the same symbol in the
// current window, and arms the flush timer when the buffer was empty.
// It never blocks on I/O.
func (a *Accumulator) Receive(s controller.Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	syms, ok := a.buf[s.Controller]
	if !ok {
		syms = make(map[string]any)
		a.buf[s.Controller] = syms
	}
	syms[s.Symbol] = s.Value
	a.metrics.received(a.name)

	if a.armed {
		return
	}
	a.armed = true
	a.start = s.Timestamp
	if a.start.IsZero() {
		a.start = time.Now()
	}
	a.gen++
	gen := a.gen
	a.timer = a.after(a.window, func() { a.expire(gen) })
}

// Pending reports whether a flush is scheduled.
func (a *Accumulator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.armed
}

func (a *Accumulator) expire(gen uint64) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	b, start, ok := a.take(gen)
	if !ok {
		return
	}
	a.deliver(b, start)
}

// Flush delivers whatever is buffered now and disarms the timer.
// Used at teardown; a no-op on an empty buffer.
func (a *Accumulator) Flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	gen := a.gen
	a.mu.Unlock()

	b, start, ok := a.take(gen)
	if !ok {
		return
	}
	a.deliver(b, start)
}

// take swaps the buffer out if gen is still the current window.
func (a *Accumulator) take(gen uint64) (Batch, time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.armed || gen != a.gen {
		return nil, time.Time{}, false
	}
	b := a.buf
	start := a.start
	a.buf = make(Batch)
	a.armed = false
	a.timer = nil
	return b, start, len(b) > 0
}

func (a *Accumulator) deliver(b Batch, start time.Time) {
	a.metrics.flushed(a.name, b.Len())
	a.flush(b, start)
}
