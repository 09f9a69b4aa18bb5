// Package fixq implements a fixed-capacity blocking queue.
//
// Every inter-thread handoff in the stack (a netif's RX/TX queues, the
// worker's message queue) needs a fixed-size queue that fails fast with
// tools.FULL when full on the producer side, and that a consumer can block
// on with a timeout bound by the timer wheel. A Go channel already gives
// us exactly that shape; Queue just adds the fail-fast Send and the timed
// Recv on top.
package fixq

import (
	"time"

	"github.com/m-lab/netstack/tools"
)

// Queue is a fixed-capacity FIFO queue of T.
type Queue[T any] struct {
	ch chan T
}

// New creates a queue with the given capacity.
func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Cap returns the queue's capacity.
func (q *Queue[T]) Cap() int { return cap(q.ch) }

// Len returns the number of items currently queued.
func (q *Queue[T]) Len() int { return len(q.ch) }

// Send enqueues v without blocking. It returns tools.FULL if the queue is
// at capacity.
func (q *Queue[T]) Send(v T) error {
	select {
	case q.ch <- v:
		return nil
	default:
		return tools.FULL
	}
}

// Recv dequeues the next item, blocking up to timeout. timeout <= 0 blocks
// forever. It returns tools.TMO on timeout.
func (q *Queue[T]) Recv(timeout time.Duration) (T, error) {
	var zero T
	if timeout <= 0 {
		v := <-q.ch
		return v, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case v := <-q.ch:
		return v, nil
	case <-t.C:
		return zero, tools.TMO
	}
}

// TryRecv dequeues the next item without blocking. It returns tools.NONE if
// the queue is empty.
func (q *Queue[T]) TryRecv() (T, error) {
	var zero T
	select {
	case v := <-q.ch:
		return v, nil
	default:
		return zero, tools.NONE
	}
}
