package routing

import "cloudrt/internal/raystate"

// fifo is an unbounded first-in first-out queue of ray states. Popped slots are cleared so
// the queue never keeps a reference to a ray state it no longer owns.
type fifo struct {
	items []raystate.RayState
	head  int
}

func (q *fifo) Len() int {
	return len(q.items) - q.head
}

func (q *fifo) Push(rs raystate.RayState) {
	q.items = append(q.items, rs)
}

func (q *fifo) Pop() (raystate.RayState, bool) {
	if q.Len() == 0 {
		return raystate.RayState{}, false
	}
	rs := q.items[q.head]
	q.items[q.head] = raystate.RayState{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 1024 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return rs, true
}

// Drain empties the queue, returning its contents in order
func (q *fifo) Drain() []raystate.RayState {
	out := append([]raystate.RayState(nil), q.items[q.head:]...)
	q.items = nil
	q.head = 0
	return out
}

// Snapshot returns the contents in order without removing them
func (q *fifo) Snapshot() []raystate.RayState {
	return append([]raystate.RayState(nil), q.items[q.head:]...)
}
