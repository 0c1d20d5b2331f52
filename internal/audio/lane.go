package audio

import (
	"sync"
)

// Lane is a bounded, thread-safe FIFO of frames with a drop-oldest overflow
// policy. Producers never block: pushing into a full lane evicts the oldest
// frame first.
//
// Clear and Pop take the same lock, so a frame removed by Clear can never be
// returned by a Pop that races with it.
type Lane struct {
	name    string
	frames  []Frame
	head    int
	count   int
	dropped uint64
	mu      sync.Mutex
}

// NewLane creates a lane holding at most capacity frames. A non-positive
// capacity is treated as 1.
func NewLane(name string, capacity int) *Lane {
	if capacity < 1 {
		capacity = 1
	}
	return &Lane{
		name:   name,
		frames: make([]Frame, capacity),
	}
}

// Name returns the lane label used in logs and metrics.
func (l *Lane) Name() string {
	return l.name
}

// Push appends a frame, evicting the oldest one when the lane is full.
// Returns true when an eviction happened.
func (l *Lane) Push(f Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.pushLocked(f)
}

// PushAll appends frames in order under a single lock acquisition and
// returns how many older frames were evicted.
func (l *Lane) PushAll(frames []Frame) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	evicted := 0
	for _, f := range frames {
		if l.pushLocked(f) {
			evicted++
		}
	}
	return evicted
}

func (l *Lane) pushLocked(f Frame) bool {
	capacity := len(l.frames)
	evicted := false
	if l.count == capacity {
		l.head = (l.head + 1) % capacity
		l.count--
		l.dropped++
		evicted = true
	}
	l.frames[(l.head+l.count)%capacity] = f
	l.count++
	return evicted
}

// Pop removes and returns the oldest frame.
func (l *Lane) Pop() (Frame, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return Frame{}, false
	}
	f := l.frames[l.head]
	l.head = (l.head + 1) % len(l.frames)
	l.count--
	return f, true
}

// PopN removes up to n frames in FIFO order.
func (l *Lane) PopN(n int) []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n > l.count {
		n = l.count
	}
	if n <= 0 {
		return nil
	}
	out := make([]Frame, n)
	for i := 0; i < n; i++ {
		out[i] = l.frames[l.head]
		l.head = (l.head + 1) % len(l.frames)
	}
	l.count -= n
	return out
}

// Clear empties the lane and returns the number of frames discarded.
func (l *Lane) Clear() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.count
	l.head = 0
	l.count = 0
	return n
}

// Len returns the number of queued frames.
func (l *Lane) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Cap returns the lane capacity in frames.
func (l *Lane) Cap() int {
	return len(l.frames)
}

// Dropped returns the total number of frames evicted by overflow.
func (l *Lane) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
