// Package exmsg implements the stack's single worker thread and its
// intra-stack RPC mechanism. Every protocol data structure is
// owned by the worker goroutine; any other goroutine -- an application
// calling a socket operation, or a link driver delivering a frame -- reaches
// protocol code only by marshalling the work through this package.
package exmsg

import (
	"sync"
	"time"

	"github.com/m-lab/netstack/fixq"
	"github.com/m-lab/netstack/timer"
	"github.com/m-lab/netstack/tools"
)

// DefaultQueueCap is the worker's default inbound message queue capacity.
const DefaultQueueCap = 10

// DefaultTimerScanPeriod bounds how often CheckTimeout is invoked; elapsed
// time is accumulated across loop iterations and flushed to the timer wheel
// once it reaches this period, rather than on every wakeup.
const DefaultTimerScanPeriod = 10 * time.Millisecond

// idlePoll bounds how long Recv blocks when no timer is armed, so Stop is
// noticed promptly even on an otherwise-idle worker.
const idlePoll = 200 * time.Millisecond

type kind int

const (
	kindFun kind = iota
	kindNetifIn
)

type message struct {
	kind  kind
	fn    func() tools.Error
	done  chan tools.Error
	drain func()
}

// Worker is the single dedicated thread that owns all protocol state. Its
// zero value is not usable; construct with New.
type Worker struct {
	queue      *fixq.Queue[*message]
	timers     *timer.Wheel
	scanPeriod time.Duration

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a worker with the given inbound queue capacity. The worker
// does not start running until Start is called.
func New(queueCap int) *Worker {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Worker{
		queue:      fixq.New[*message](queueCap),
		timers:     timer.New(),
		scanPeriod: DefaultTimerScanPeriod,
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// Timers returns the worker's timer wheel. Callers (netif, arp, tcp, ...)
// arm timers on this wheel; the callbacks they register run on the worker
// goroutine, same as any other dispatched message, so they may touch
// protocol state directly.
func (w *Worker) Timers() *timer.Wheel { return w.timers }

// Start launches the worker loop on its own goroutine.
func (w *Worker) Start() {
	go w.run()
}

// Stop signals the worker loop to exit and waits for it to do so. It does
// not drain or cancel messages already queued.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.stopped
}

// Exec is exmsg_func_exec: it marshals fn onto the worker queue and blocks
// until the worker has run it, returning fn's result. This is the stack's
// sole concurrency primitive for invoking protocol logic from an
// application or driver thread. It returns tools.MEM if the worker's queue
// is full rather than blocking the caller indefinitely on a saturated
// stack.
func (w *Worker) Exec(fn func() tools.Error) tools.Error {
	done := make(chan tools.Error, 1)
	m := &message{kind: kindFun, fn: fn, done: done}
	if err := w.queue.Send(m); err != nil {
		return tools.MEM
	}
	return <-done
}

// NotifyNetifIn wakes the worker to drain a particular interface's input
// queue. Callers must invoke this only on the empty-to-non-empty
// transition of that queue, to avoid flooding the message queue with
// redundant wakeups.
func (w *Worker) NotifyNetifIn(drain func()) error {
	m := &message{kind: kindNetifIn, drain: drain}
	if err := w.queue.Send(m); err != nil {
		return tools.MEM
	}
	return nil
}

func (w *Worker) run() {
	defer close(w.stopped)

	last := time.Now()
	var accumulated time.Duration

	for {
		select {
		case <-w.stop:
			return
		default:
		}

		tmo := idlePoll
		if ms, ok := w.timers.FirstTimeout(); ok {
			if d := time.Duration(ms) * time.Millisecond; d < tmo {
				tmo = d
			}
		}

		m, err := w.queue.Recv(tmo)

		now := time.Now()
		accumulated += now.Sub(last)
		last = now
		if accumulated >= w.scanPeriod {
			w.timers.CheckTimeout(accumulated.Milliseconds())
			accumulated = 0
		}

		if err != nil {
			continue
		}

		switch m.kind {
		case kindFun:
			m.done <- m.fn()
		case kindNetifIn:
			m.drain()
		}
	}
}
