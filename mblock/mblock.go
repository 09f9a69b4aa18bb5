// Package mblock implements a fixed-size block pool allocator.
//
// Pool is a free-list: a fixed-capacity set of pre-allocated values of
// type T, handed out and returned via Get/Put, with an optional bounded
// wait (GetWait) when the pool is momentarily exhausted. pktbuf, and so
// the ARP-resolution path, allocates with the non-blocking Get only.
package mblock

import (
	"sync"
	"time"

	"github.com/m-lab/netstack/tools"
)

// Pool is a fixed-capacity free list of *T. New creates the backing slab up
// front; Get/Put never allocate beyond it, keeping the hot path free of
// general heap traffic.
type Pool[T any] struct {
	mu       sync.Mutex
	free     []*T
	sem      chan struct{} // one token per free slot, for blocking Get
	capacity int
}

// New creates a pool of n elements of type T, each initialised by newFn
// (which may reset any fields that need a known starting value).
func New[T any](n int, newFn func() *T) *Pool[T] {
	p := &Pool[T]{
		free:     make([]*T, 0, n),
		sem:      make(chan struct{}, n),
		capacity: n,
	}
	for i := 0; i < n; i++ {
		p.free = append(p.free, newFn())
		p.sem <- struct{}{}
	}
	return p
}

// Capacity returns the total number of elements the pool was created with.
func (p *Pool[T]) Capacity() int { return p.capacity }

// Available returns the number of elements currently free.
func (p *Pool[T]) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Get returns a free element without blocking. It returns tools.MEM if the
// pool is exhausted.
func (p *Pool[T]) Get() (*T, error) {
	select {
	case <-p.sem:
	default:
		return nil, tools.MEM
	}
	p.mu.Lock()
	n := len(p.free)
	v := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return v, nil
}

// GetWait returns a free element, blocking up to timeout for one to become
// available. timeout <= 0 blocks forever. It returns tools.TMO if the
// timeout expires first. No caller in the stack uses it; pktbuf
// allocations fail at once with tools.MEM when the pool is empty.
func (p *Pool[T]) GetWait(timeout time.Duration) (*T, error) {
	if timeout <= 0 {
		<-p.sem
	} else {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-p.sem:
		case <-t.C:
			return nil, tools.TMO
		}
	}
	p.mu.Lock()
	n := len(p.free)
	v := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return v, nil
}

// Put returns v to the pool. Callers must not use v afterwards.
func (p *Pool[T]) Put(v *T) {
	p.mu.Lock()
	p.free = append(p.free, v)
	p.mu.Unlock()
	p.sem <- struct{}{}
}
