package memory

import (
	"github.com/engramlabs/engram/pkg/types"
)

// WorkingMemory is a bounded FIFO ring of the most recent steps in one
// session. Push is O(1) and drops the oldest step once the buffer is full.
// Working memory is per-session and single-threaded within a session; the
// session manager serializes access.
type WorkingMemory struct {
	buf   []types.Step
	head  int // index of the oldest step
	count int
}

// NewWorkingMemory creates a ring with the given capacity.
func NewWorkingMemory(capacity int) *WorkingMemory {
	if capacity <= 0 {
		capacity = 50
	}
	return &WorkingMemory{buf: make([]types.Step, capacity)}
}

// Push appends a step, evicting the oldest when full.
func (w *WorkingMemory) Push(step types.Step) {
	if w.count < len(w.buf) {
		w.buf[(w.head+w.count)%len(w.buf)] = step
		w.count++
		return
	}
	w.buf[w.head] = step
	w.head = (w.head + 1) % len(w.buf)
}

// Context returns a stable copy of the last k steps in arrival order. k
// larger than the current count returns everything retained.
func (w *WorkingMemory) Context(k int) []types.Step {
	if k <= 0 {
		return nil
	}
	if k > w.count {
		k = w.count
	}
	out := make([]types.Step, k)
	start := w.count - k
	for i := 0; i < k; i++ {
		out[i] = w.buf[(w.head+start+i)%len(w.buf)]
	}
	return out
}

// Len returns the number of retained steps.
func (w *WorkingMemory) Len() int {
	return w.count
}

// Capacity returns the ring size.
func (w *WorkingMemory) Capacity() int {
	return len(w.buf)
}
