package scheduler

import "sync"

// taskQueue holds the five per-priority FIFO queues.
//
// The queues are unbounded; admission control (the token bucket) is the
// mechanism that keeps them from growing without limit, not queue capacity.
//
// Thread-safety is provided for external enqueuing and cancellation while
// the scheduler's dispatch loop dequeues. The queue uses a channel for
// signaling to enable context-aware waiting in the dispatch loop.
type taskQueue struct {
	mu     sync.Mutex
	queues [numPriorities][]*Task
	byID   map[string]*Task
	closed bool
	signal chan struct{} // signals task availability (buffered, size 1)
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		byID:   make(map[string]*Task),
		signal: make(chan struct{}, 1),
	}
}

// Push adds a task to the back of its priority's queue.
// Returns false if the queue is closed.
func (q *taskQueue) Push(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.queues[t.Priority] = append(q.queues[t.Priority], t)
	q.byID[t.ID] = t

	// Non-blocking signal - buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// PopNext removes and returns the front task of the highest-priority
// non-empty queue. Returns (nil, false) if all queues are empty.
func (q *taskQueue) PopNext() (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for p := range q.queues {
		if len(q.queues[p]) == 0 {
			continue
		}

		t := q.queues[p][0]

		// Nil out the slot so the backing array doesn't retain the task
		q.queues[p][0] = nil
		if len(q.queues[p]) == 1 {
			q.queues[p] = q.queues[p][:0]
		} else {
			q.queues[p] = q.queues[p][1:]
		}

		delete(q.byID, t.ID)
		return t, true
	}

	return nil, false
}

// Remove takes a queued task out of its queue by id. Returns the task and
// true if it was still queued; (nil, false) if unknown or already popped.
func (q *taskQueue) Remove(id string) (*Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return nil, false
	}
	delete(q.byID, id)

	queue := q.queues[t.Priority]
	for i, qt := range queue {
		if qt == t {
			q.queues[t.Priority] = append(queue[:i], queue[i+1:]...)
			break
		}
	}

	return t, true
}

// Drain removes and returns all queued tasks in priority order.
func (q *taskQueue) Drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained []*Task
	for p := range q.queues {
		drained = append(drained, q.queues[p]...)
		q.queues[p] = nil
	}
	q.byID = make(map[string]*Task)
	return drained
}

// Wait returns a channel that signals when tasks may be available.
// Use with select for context-aware waiting.
func (q *taskQueue) Wait() <-chan struct{} {
	return q.signal
}

// Signal wakes the dispatch loop without enqueuing. Used on task completion
// so the loop re-checks capacity. Tasks can complete after Close, so the
// closed check must happen under the same lock Close holds.
func (q *taskQueue) Signal() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Len returns the total number of queued tasks.
func (q *taskQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for p := range q.queues {
		n += len(q.queues[p])
	}
	return n
}

// Close marks the queue closed and wakes all waiters.
func (q *taskQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
