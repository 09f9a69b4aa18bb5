// Package timer implements a delta-list timer wheel: a sorted list of
// timers where each entry stores the number of milliseconds remaining
// relative to its predecessor, so that advancing time is an O(1)
// operation on the head of the list regardless of how many timers are
// armed.
package timer

import (
	"github.com/m-lab/netstack/tools"
)

// Flag bits for Add.
type Flag int

const (
	// OneShot fires once and is not reinserted.
	OneShot Flag = 0
	// Reload reschedules the timer for another `ms` after it fires.
	Reload Flag = 1 << iota
)

// Func is a timer callback. arg is the value passed to Add. Callbacks must
// not modify the firing timer's delta directly -- if they want to
// reschedule something, they call Add again to reinsert.
type Func func(arg any)

// Timer is one entry in the wheel.
type Timer struct {
	name     string
	cb       Func
	arg      any
	ms       int64 // original interval, used for Reload
	flags    Flag
	deltaMS  int64 // ms remaining relative to the PREVIOUS entry in the list
	next     *Timer
	inWheel  bool
}

// Name returns the timer's diagnostic name.
func (t *Timer) Name() string { return t.name }

// Wheel is a delta-sorted list of timers.
type Wheel struct {
	head *Timer
}

// New creates an empty wheel.
func New() *Wheel { return &Wheel{} }

// Add creates and inserts a new timer, firing cb(arg) after ms milliseconds
// (and every ms milliseconds thereafter if flags includes Reload). ms <= 0
// is rejected -- this
// applies to one-shot timers too, since a non-positive delay has no
// meaningful position in the delta list.
func (w *Wheel) Add(name string, cb Func, arg any, ms int64, flags Flag) (*Timer, error) {
	if ms <= 0 {
		return nil, tools.PARAM
	}
	t := &Timer{name: name, cb: cb, arg: arg, ms: ms, flags: flags}
	w.insert(t, ms)
	return t, nil
}

func (w *Wheel) insert(t *Timer, ms int64) {
	t.inWheel = true
	if w.head == nil {
		t.deltaMS = ms
		t.next = nil
		w.head = t
		return
	}
	var prev *Timer
	cur := w.head
	remaining := ms
	for cur != nil && remaining >= cur.deltaMS {
		remaining -= cur.deltaMS
		prev = cur
		cur = cur.next
	}
	t.deltaMS = remaining
	t.next = cur
	if cur != nil {
		cur.deltaMS -= remaining
	}
	if prev == nil {
		w.head = t
	} else {
		prev.next = t
	}
}

// Remove removes t from the wheel if present, transferring its remaining
// delta onto its successor so the successor's absolute fire time is
// unchanged.
func (w *Wheel) Remove(t *Timer) {
	if !t.inWheel {
		return
	}
	var prev *Timer
	cur := w.head
	for cur != nil && cur != t {
		prev = cur
		cur = cur.next
	}
	if cur == nil {
		return
	}
	if cur.next != nil {
		cur.next.deltaMS += cur.deltaMS
	}
	if prev == nil {
		w.head = cur.next
	} else {
		prev.next = cur.next
	}
	t.inWheel = false
	t.next = nil
}

// FirstTimeout returns the head timer's absolute delta in milliseconds, and
// false if the wheel is empty. The worker event loop uses this
// to bound how long it blocks waiting for the next message.
func (w *Wheel) FirstTimeout() (int64, bool) {
	if w.head == nil {
		return 0, false
	}
	return w.head.deltaMS, true
}

// CheckTimeout subtracts diffMS from the head of the delta list, firing
// (and, for Reload timers, re-arming) every timer whose accumulated delta
// reaches zero. Fired timers are collected into a local list and executed
// after the delta walk completes, so a callback that reinserts a timer (its
// own or another) never corrupts the walk in progress.
func (w *Wheel) CheckTimeout(diffMS int64) {
	var fired []*Timer
	remaining := diffMS
	for w.head != nil && remaining > 0 {
		if remaining < w.head.deltaMS {
			w.head.deltaMS -= remaining
			remaining = 0
			break
		}
		remaining -= w.head.deltaMS
		t := w.head
		w.head = t.next
		t.next = nil
		t.deltaMS = 0
		t.inWheel = false
		fired = append(fired, t)
	}
	for _, t := range fired {
		t.cb(t.arg)
		if t.flags&Reload != 0 {
			w.insert(t, t.ms)
		}
	}
}
