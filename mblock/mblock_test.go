package mblock

import (
	"testing"
	"time"

	"github.com/m-lab/netstack/tools"
)

type block struct{ id int }

func TestGetPutConservesCount(t *testing.T) {
	p := New(4, func() *block { return &block{} })
	if p.Available() != 4 {
		t.Fatalf("Available() = %d, want 4", p.Available())
	}
	a, err := p.Get()
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Available() != 3 {
		t.Fatalf("Available() after Get = %d, want 3", p.Available())
	}
	p.Put(a)
	if p.Available() != 4 {
		t.Fatalf("Available() after Put = %d, want 4", p.Available())
	}
}

func TestGetExhaustionReturnsMem(t *testing.T) {
	p := New(1, func() *block { return &block{} })
	if _, err := p.Get(); err != nil {
		t.Fatalf("first Get() error = %v", err)
	}
	if _, err := p.Get(); err != tools.MEM {
		t.Fatalf("Get() on exhausted pool = %v, want MEM", err)
	}
}

func TestGetWaitTimesOut(t *testing.T) {
	p := New(1, func() *block { return &block{} })
	if _, err := p.Get(); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	_, err := p.GetWait(10 * time.Millisecond)
	if err != tools.TMO {
		t.Fatalf("GetWait() = %v, want TMO", err)
	}
}

func TestGetWaitUnblocksOnPut(t *testing.T) {
	p := New(1, func() *block { return &block{id: 7} })
	first, _ := p.Get()
	done := make(chan *block)
	go func() {
		v, err := p.GetWait(0)
		if err != nil {
			t.Errorf("GetWait() error = %v", err)
		}
		done <- v
	}()
	time.Sleep(10 * time.Millisecond)
	p.Put(first)
	select {
	case v := <-done:
		if v.id != 7 {
			t.Fatalf("GetWait() returned wrong block: %+v", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("GetWait() did not unblock after Put")
	}
}
