// Package scheduler implements the priority task scheduler.
//
// # Admission and backpressure
//
// Tasks enter through Schedule and pass admission control before queueing:
//
//   - Critical tasks bypass queueing and backpressure entirely and start
//     running immediately, even above the concurrency cap. This trades a
//     temporary cap overshoot for latency on user-blocking work.
//   - While the running fraction of MaxConcurrent is below LoadThreshold,
//     every other task is admitted unconditionally.
//   - At or above the threshold, admission consumes one token from a
//     refilling token bucket. Once tokens are exhausted, High and Normal
//     are still admitted; Low and Batch are rejected immediately with an
//     OVERLOADED result. This is a shed-load policy, not a queue-growth
//     policy: rejected work is never silently queued for later.
//
// # Dispatch
//
// A single dispatch loop (Run) drains the queues in strict priority order,
// FIFO within a class, while the running count is under MaxConcurrent. The
// loop is signal-driven: it wakes on enqueue and on every task completion,
// never by polling. A queued task whose deadline has already elapsed
// resolves as failed with an EXPIRED result - callers are never left
// awaiting a dropped task.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/foundry/internal/ident"
)

// Config holds scheduler tuning parameters.
type Config struct {
	// MaxConcurrent caps concurrently running non-critical tasks.
	MaxConcurrent int

	// LoadThreshold is the running fraction of MaxConcurrent above which
	// admission starts consuming tokens. Default 0.7.
	LoadThreshold float64

	// TokensPerSecond is the token bucket refill rate.
	TokensPerSecond float64

	// TokenBurst caps accumulated tokens.
	TokenBurst int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   8,
		LoadThreshold:   0.7,
		TokensPerSecond: 10,
		TokenBurst:      20,
	}
}

// Stats is a point-in-time observability snapshot.
type Stats struct {
	Queued      int
	Running     int
	Completed   uint64
	Failed      uint64
	Expired     uint64
	Cancelled   uint64
	Rejected    uint64
	AvgQueueMs  float64
	AvgExecMs   float64
	LoadPercent float64
}

// Scheduler admits, queues, and executes asynchronous units of work under
// the priority/backpressure policy described in the package comment.
//
// Thread-safety model:
//   - Schedule, Cancel, Clear, Stats: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Scheduler struct {
	cfg     Config
	limiter *rate.Limiter
	idGen   ident.Generator
	clock   func() time.Time

	queue   *taskQueue
	running atomic.Int64

	mu      sync.Mutex
	ctx     context.Context // execution context, set by Run
	stopped bool

	completed    atomic.Uint64
	failed       atomic.Uint64
	expired      atomic.Uint64
	cancelled    atomic.Uint64
	rejected     atomic.Uint64
	totalQueueNs atomic.Int64
	totalExecNs  atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithIDGenerator overrides task id generation. Tests use
// ident.NewFixedGenerator for deterministic ids.
func WithIDGenerator(g ident.Generator) Option {
	return func(s *Scheduler) { s.idGen = g }
}

// WithClock overrides the wall clock. Tests use a fixed clock to make
// deadline checks deterministic.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// New creates a Scheduler. Call Run to start dispatching.
func New(cfg Config, opts ...Option) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.LoadThreshold <= 0 {
		cfg.LoadThreshold = DefaultConfig().LoadThreshold
	}
	if cfg.TokensPerSecond <= 0 {
		cfg.TokensPerSecond = DefaultConfig().TokensPerSecond
	}
	if cfg.TokenBurst <= 0 {
		cfg.TokenBurst = DefaultConfig().TokenBurst
	}

	s := &Scheduler{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.TokensPerSecond), cfg.TokenBurst),
		idGen:   ident.UUIDv7Generator{},
		clock:   time.Now,
		queue:   newTaskQueue(),
		ctx:     context.Background(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// ScheduleOption configures a single task.
type ScheduleOption func(*Task)

// WithDeadline sets the task's queue deadline. A task still queued past its
// deadline resolves as failed with an EXPIRED result.
func WithDeadline(d time.Time) ScheduleOption {
	return func(t *Task) { t.Deadline = d }
}

// WithTaskID overrides the generated task id.
func WithTaskID(id string) ScheduleOption {
	return func(t *Task) { t.ID = id }
}

// Schedule submits a unit of work and returns its Future.
//
// The returned error covers misuse only (nil fn, invalid priority, stopped
// scheduler). Admission rejection under overload is NOT an error return: it
// resolves the Future with a failed Result carrying ErrCodeOverloaded, so
// every accepted call has exactly one resolution path.
func (s *Scheduler) Schedule(priority Priority, fn Func, opts ...ScheduleOption) (*Future, error) {
	if fn == nil {
		return nil, fmt.Errorf("schedule: nil task func")
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("schedule: invalid priority %d", int(priority))
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, fmt.Errorf("schedule: scheduler is stopped")
	}
	s.mu.Unlock()

	t := &Task{
		ID:        s.idGen.Generate(),
		Priority:  priority,
		CreatedAt: s.clock(),
		fn:        fn,
		future:    newFuture(),
	}
	for _, opt := range opts {
		opt(t)
	}

	// Critical bypasses queueing and backpressure: straight to running.
	if priority == Critical {
		s.startTask(t)
		return t.future, nil
	}

	if !s.admit(priority) {
		s.rejected.Add(1)
		slog.Debug("task shed by backpressure",
			"task_id", t.ID,
			"priority", priority.String(),
		)
		t.future.resolve(Result{
			TaskID: t.ID,
			Err: &Error{
				Code:    ErrCodeOverloaded,
				Message: "token bucket exhausted under high load",
				TaskID:  t.ID,
			},
		})
		return t.future, nil
	}

	if !s.queue.Push(t) {
		return nil, fmt.Errorf("schedule: scheduler is stopped")
	}

	return t.future, nil
}

// admit applies the backpressure policy for non-critical tasks.
func (s *Scheduler) admit(priority Priority) bool {
	load := float64(s.running.Load()) / float64(s.cfg.MaxConcurrent)
	if load < s.cfg.LoadThreshold {
		return true
	}

	if s.limiter.Allow() {
		return true
	}

	// Tokens exhausted: only priorities strictly higher than Low survive.
	return priority < Low
}

// Run starts the dispatch loop. Blocks until the context is cancelled or
// Stop is called. Must be called from exactly one goroutine; all dequeue
// decisions happen here so queue draining is serialized.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	slog.Info("scheduler starting",
		"max_concurrent", s.cfg.MaxConcurrent,
		"load_threshold", s.cfg.LoadThreshold,
		"tokens_per_second", s.cfg.TokensPerSecond,
		"token_burst", s.cfg.TokenBurst,
	)

	for {
		s.dispatch()

		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping: context cancelled")
			s.Stop()
			return ctx.Err()

		case <-s.queue.Wait():
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				slog.Info("scheduler stopping: stop requested")
				return nil
			}
		}
	}
}

// dispatch drains the queues in strict priority order while capacity
// remains. Expired tasks resolve as failed without running.
func (s *Scheduler) dispatch() {
	for s.running.Load() < int64(s.cfg.MaxConcurrent) {
		t, ok := s.queue.PopNext()
		if !ok {
			return
		}

		if !t.Deadline.IsZero() && s.clock().After(t.Deadline) {
			s.expired.Add(1)
			now := s.clock()
			slog.Debug("queued task expired",
				"task_id", t.ID,
				"priority", t.Priority.String(),
				"deadline", t.Deadline,
			)
			t.future.resolve(Result{
				TaskID:    t.ID,
				QueueTime: now.Sub(t.CreatedAt),
				Err: &Error{
					Code:    ErrCodeExpired,
					Message: "deadline elapsed before task started",
					TaskID:  t.ID,
				},
			})
			continue
		}

		s.startTask(t)
	}
}

// startTask transitions a task to running and launches its body.
func (s *Scheduler) startTask(t *Task) {
	t.StartedAt = s.clock()
	s.running.Add(1)

	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	go s.execute(ctx, t)
}

// execute runs the task body, records stats, resolves the future, and
// re-triggers the dispatch loop.
func (s *Scheduler) execute(ctx context.Context, t *Task) {
	defer func() {
		s.running.Add(-1)
		s.queue.Signal()
	}()

	value, err := runGuarded(ctx, t.fn)
	t.CompletedAt = s.clock()

	queueTime := t.StartedAt.Sub(t.CreatedAt)
	execTime := t.CompletedAt.Sub(t.StartedAt)
	s.totalQueueNs.Add(int64(queueTime))
	s.totalExecNs.Add(int64(execTime))

	if err != nil {
		s.failed.Add(1)
	} else {
		s.completed.Add(1)
	}

	t.future.resolve(Result{
		TaskID:    t.ID,
		Value:     value,
		Err:       err,
		QueueTime: queueTime,
		ExecTime:  execTime,
	})
}

// runGuarded executes fn, converting a panic into an error so a panicking
// task body cannot take down the scheduler process.
func runGuarded(ctx context.Context, fn Func) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Cancel removes a queued task by id, resolving its future as cancelled.
// Returns false if the task is unknown or already running - running tasks
// are not cancellable.
func (s *Scheduler) Cancel(id string) bool {
	t, ok := s.queue.Remove(id)
	if !ok {
		return false
	}

	s.cancelled.Add(1)
	t.future.resolve(Result{
		TaskID: t.ID,
		Err: &Error{
			Code:    ErrCodeCancelled,
			Message: "task cancelled while queued",
			TaskID:  t.ID,
		},
	})
	return true
}

// Clear drops all pending (not running) tasks, resolving each future as
// cancelled. Returns the number of tasks dropped.
func (s *Scheduler) Clear() int {
	drained := s.queue.Drain()
	for _, t := range drained {
		s.cancelled.Add(1)
		t.future.resolve(Result{
			TaskID: t.ID,
			Err: &Error{
				Code:    ErrCodeCancelled,
				Message: "pending queue cleared",
				TaskID:  t.ID,
			},
		})
	}
	return len(drained)
}

// Stop shuts the scheduler down: new admissions are refused, pending tasks
// resolve as cancelled, and Run returns. Already-running tasks finish.
// Safe to call multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.Clear()
	s.queue.Close()
}

// Stats returns an observability snapshot.
func (s *Scheduler) Stats() Stats {
	completed := s.completed.Load()
	failed := s.failed.Load()
	finished := completed + failed

	stats := Stats{
		Queued:      s.queue.Len(),
		Running:     int(s.running.Load()),
		Completed:   completed,
		Failed:      failed,
		Expired:     s.expired.Load(),
		Cancelled:   s.cancelled.Load(),
		Rejected:    s.rejected.Load(),
		LoadPercent: float64(s.running.Load()) / float64(s.cfg.MaxConcurrent) * 100,
	}

	if finished > 0 {
		stats.AvgQueueMs = float64(s.totalQueueNs.Load()) / float64(finished) / 1e6
		stats.AvgExecMs = float64(s.totalExecNs.Load()) / float64(finished) / 1e6
	}

	return stats
}
