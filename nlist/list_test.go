package nlist

import "testing"

func TestPushBackOrder(t *testing.T) {
	var l List[int]
	l.PushBack(1)
	l.PushBack(2)
	l.PushBack(3)
	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}
	var got []int
	l.Each(func(v int) bool { got = append(got, v); return true })
	want := []int{1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestPushFrontAndPopFront(t *testing.T) {
	var l List[string]
	l.PushBack("b")
	l.PushFront("a")
	v, ok := l.PopFront()
	if !ok || v != "a" {
		t.Fatalf("PopFront() = %q, %v, want a, true", v, ok)
	}
	v, ok = l.PopFront()
	if !ok || v != "b" {
		t.Fatalf("PopFront() = %q, %v, want b, true", v, ok)
	}
	if _, ok = l.PopFront(); ok {
		t.Fatalf("PopFront() on empty list returned ok=true")
	}
}

func TestRemoveFunc(t *testing.T) {
	var l List[int]
	for i := 0; i < 5; i++ {
		l.PushBack(i)
	}
	v, ok := l.RemoveFunc(func(v int) bool { return v == 3 })
	if !ok || v != 3 {
		t.Fatalf("RemoveFunc = %d, %v", v, ok)
	}
	if l.Len() != 4 {
		t.Fatalf("Len() after remove = %d, want 4", l.Len())
	}
	var got []int
	l.Each(func(v int) bool { got = append(got, v); return true })
	want := []int{0, 1, 2, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestToSliceDrainsList(t *testing.T) {
	var l List[int]
	l.PushBack(1)
	l.PushBack(2)
	got := l.ToSlice()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("ToSlice() = %v", got)
	}
	if l.Len() != 0 {
		t.Fatalf("list should be empty after ToSlice, Len() = %d", l.Len())
	}
}
