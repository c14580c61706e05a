package resilience

import "container/list"

// waiter is a suspended acquirer parked on the rate limiter's FIFO queue.
// resumable is set true by the releaser immediately before ownership of
// the requested permits is transferred to this waiter; it lets a waiter
// that wakes via timeout or cancellation tell whether its permits are
// already accounted for (resumable == true, nothing further to undo) or
// whether it must detach itself from the queue (resumable == false).
type waiter struct {
	permitsRequested int
	resume           chan struct{}
	resumable        bool
}

// waiterQueue is a FIFO list of waiters with O(1) enqueue, dequeue-head,
// remove-by-handle, and head-conditional peek. container/list gives us
// a node handle so a canceled waiter can remove its own *list.Element
// without walking the list.
type waiterQueue struct {
	l *list.List
}

func newWaiterQueue() *waiterQueue {
	return &waiterQueue{l: list.New()}
}

// enqueue appends w to the tail and returns the node handle used to
// remove it later.
func (q *waiterQueue) enqueue(w *waiter) *list.Element {
	return q.l.PushBack(w)
}

// dequeueHead removes and returns the head waiter, or nil if the queue is
// empty.
func (q *waiterQueue) dequeueHead() *waiter {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	return e.Value.(*waiter)
}

// peekHead returns the head waiter without removing it, or nil if empty.
func (q *waiterQueue) peekHead() *waiter {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*waiter)
}

// remove detaches the waiter identified by handle, if still present.
// Safe to call even if the element was already removed by dequeueHead.
func (q *waiterQueue) remove(handle *list.Element) {
	// container/list.Remove is only safe on elements still owned by this
	// list; a dequeued element has had its neighbors nulled out by
	// list.Remove already, so a second Remove is a no-op in practice, but
	// we still guard defensively since this is reached from a
	// cancellation race with the releaser.
	if handle == nil {
		return
	}
	q.l.Remove(handle)
}

func (q *waiterQueue) size() int { return q.l.Len() }
