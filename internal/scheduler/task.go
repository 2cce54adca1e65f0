package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Priority is one of five admission tiers determining queueing and
// shed-load behavior. Lower numeric value means higher priority.
type Priority int

const (
	// Critical bypasses queueing and backpressure entirely. Critical tasks
	// start immediately even when the concurrency cap is saturated - this
	// favors latency for user-blocking work at the cost of temporarily
	// exceeding MaxConcurrent.
	Critical Priority = iota
	High
	Normal
	Low
	Batch

	numPriorities = 5
)

var priorityNames = [numPriorities]string{"critical", "high", "normal", "low", "batch"}

func (p Priority) String() string {
	if p < 0 || p >= numPriorities {
		return fmt.Sprintf("priority(%d)", int(p))
	}
	return priorityNames[p]
}

// Valid reports whether p is one of the five defined tiers.
func (p Priority) Valid() bool {
	return p >= Critical && p < numPriorities
}

// ParsePriority converts a priority name ("critical".."batch") to a Priority.
func ParsePriority(s string) (Priority, error) {
	for i, name := range priorityNames {
		if s == name {
			return Priority(i), nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Func is the unit of work a task executes. The context is cancelled when
// the scheduler shuts down.
type Func func(ctx context.Context) (any, error)

// Task is a scheduled unit of work. Owned exclusively by the scheduler for
// its lifetime; the three lifecycle timestamps are each written once.
type Task struct {
	ID       string
	Priority Priority
	Deadline time.Time // zero means no deadline

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	fn     Func
	future *Future
}

// Result is produced exactly once per task and consumed by the caller
// awaiting the task's Future.
type Result struct {
	TaskID    string
	Value     any
	Err       error
	QueueTime time.Duration
	ExecTime  time.Duration
}

// Success reports whether the task completed without error.
func (r Result) Success() bool {
	return r.Err == nil
}

// Future is the caller's handle on a pending task result. It is resolved
// exactly once: on completion, failure, expiry, cancellation, or admission
// rejection. There is no code path that leaves a Future unresolved.
type Future struct {
	once   sync.Once
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve sets the result and signals waiters. Safe to call more than once;
// only the first call wins.
func (f *Future) resolve(r Result) {
	f.once.Do(func() {
		f.result = r
		close(f.done)
	})
}

// Wait blocks until the task resolves or the context is cancelled.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-f.done:
		return f.result, nil
	}
}

// Done returns a channel closed when the result is available. Use with
// select when waiting on multiple futures.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Resolved reports whether the future already holds a result.
func (f *Future) Resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
