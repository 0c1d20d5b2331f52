package audio

import (
	"sync"
	"testing"
)

func frameOf(b byte) Frame {
	var f Frame
	for i := range f {
		f[i] = b
	}
	return f
}

func TestLane_PushPop(t *testing.T) {
	l := NewLane("main", 10)

	l.Push(frameOf(1))
	l.Push(frameOf(2))
	if l.Len() != 2 {
		t.Errorf("Expected len 2, got %d", l.Len())
	}

	f, ok := l.Pop()
	if !ok || f[0] != 1 {
		t.Errorf("Expected first frame 1, got %d (ok=%v)", f[0], ok)
	}
	f, ok = l.Pop()
	if !ok || f[0] != 2 {
		t.Errorf("Expected second frame 2, got %d (ok=%v)", f[0], ok)
	}
	if _, ok := l.Pop(); ok {
		t.Error("Expected pop on empty lane to report false")
	}
}

func TestLane_DropOldest(t *testing.T) {
	l := NewLane("main", 5)

	for i := 0; i < 12; i++ {
		l.Push(frameOf(byte(i)))
		if l.Len() > l.Cap() {
			t.Fatalf("Lane size %d exceeded capacity %d", l.Len(), l.Cap())
		}
	}

	if l.Dropped() != 7 {
		t.Errorf("Expected 7 dropped frames, got %d", l.Dropped())
	}

	// Frames 0..6 were evicted; 7..11 remain in order.
	for want := byte(7); want < 12; want++ {
		f, ok := l.Pop()
		if !ok {
			t.Fatalf("Expected frame %d, lane empty", want)
		}
		if f[0] != want {
			t.Errorf("Expected frame %d, got %d", want, f[0])
		}
	}
}

func TestLane_PushAllReportsEvictions(t *testing.T) {
	l := NewLane("aux", 3)
	evicted := l.PushAll([]Frame{frameOf(1), frameOf(2), frameOf(3), frameOf(4)})
	if evicted != 1 {
		t.Errorf("Expected 1 eviction, got %d", evicted)
	}
	f, _ := l.Pop()
	if f[0] != 2 {
		t.Errorf("Expected oldest surviving frame 2, got %d", f[0])
	}
}

func TestLane_PopN(t *testing.T) {
	l := NewLane("main", 10)
	for i := 0; i < 4; i++ {
		l.Push(frameOf(byte(i)))
	}

	got := l.PopN(3)
	if len(got) != 3 {
		t.Fatalf("Expected 3 frames, got %d", len(got))
	}
	for i, f := range got {
		if f[0] != byte(i) {
			t.Errorf("Expected frame %d at %d, got %d", i, i, f[0])
		}
	}

	got = l.PopN(6)
	if len(got) != 1 {
		t.Errorf("Expected 1 remaining frame, got %d", len(got))
	}
	if got := l.PopN(2); got != nil {
		t.Errorf("Expected nil from empty lane, got %d frames", len(got))
	}
}

func TestLane_WrapAround(t *testing.T) {
	l := NewLane("main", 4)
	l.PushAll([]Frame{frameOf(1), frameOf(2), frameOf(3)})
	l.PopN(2)
	l.PushAll([]Frame{frameOf(4), frameOf(5), frameOf(6)})

	got := l.PopN(4)
	expected := []byte{3, 4, 5, 6}
	if len(got) != len(expected) {
		t.Fatalf("Expected %d frames, got %d", len(expected), len(got))
	}
	for i := range expected {
		if got[i][0] != expected[i] {
			t.Errorf("Expected %d at position %d, got %d", expected[i], i, got[i][0])
		}
	}
}

func TestLane_Clear(t *testing.T) {
	l := NewLane("main", 10)
	l.PushAll([]Frame{frameOf(1), frameOf(2), frameOf(3)})

	if n := l.Clear(); n != 3 {
		t.Errorf("Expected clear to discard 3 frames, got %d", n)
	}
	if l.Len() != 0 {
		t.Errorf("Expected len 0 after clear, got %d", l.Len())
	}
	if l.Cap() != 10 {
		t.Errorf("Expected capacity 10 after clear, got %d", l.Cap())
	}

	l.Push(frameOf(9))
	f, _ := l.Pop()
	if f[0] != 9 {
		t.Errorf("Expected frame pushed after clear, got %d", f[0])
	}
}

// Frames pushed before a Clear must never be popped after it, even with a
// concurrent consumer.
func TestLane_ClearAtomicWithPop(t *testing.T) {
	for round := 0; round < 50; round++ {
		l := NewLane("main", 64)
		for i := 0; i < 64; i++ {
			l.Push(frameOf(1))
		}

		var (
			wg      sync.WaitGroup
			cleared = make(chan struct{})
			stale   int
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			afterClear := false
			for i := 0; i < 200; i++ {
				select {
				case <-cleared:
					afterClear = true
				default:
				}
				f, ok := l.Pop()
				if ok && afterClear && f[0] == 1 {
					stale++
				}
			}
		}()

		l.Clear()
		close(cleared)
		l.Push(frameOf(2))
		wg.Wait()

		if stale != 0 {
			t.Fatalf("Round %d: %d pre-clear frames popped after clear", round, stale)
		}
	}
}

func TestNewLane_MinimumCapacity(t *testing.T) {
	l := NewLane("aux", 0)
	if l.Cap() != 1 {
		t.Errorf("Expected capacity 1, got %d", l.Cap())
	}
	if l.Name() != "aux" {
		t.Errorf("Expected name aux, got %s", l.Name())
	}
}
