// Package workerd is the reference worker runtime: it speaks the wire
// protocol over a stream pair (stdin/stdout when spawned as a process),
// registers its tools, and serves execute requests concurrently.
package workerd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/roach88/foundry/internal/protocol"
)

// ToolFunc runs one tool invocation. Returning an *protocol.ErrorDetail
// as the error sends it on the wire verbatim; any other error becomes an
// INTERNAL_ERROR.
type ToolFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// Worker serves tool invocations over one coordinator connection.
type Worker struct {
	id            string
	maxConcurrent int
	resources     protocol.Resources
	clock         func() time.Time

	tools map[string]ToolFunc

	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	out      *protocol.Writer
	started  time.Time
	inflight atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

// WithMaxConcurrent bounds how many tool invocations run at once.
func WithMaxConcurrent(n int) Option {
	return func(w *Worker) { w.maxConcurrent = n }
}

// WithResources overrides the advertised resource envelope.
func WithResources(r protocol.Resources) Option {
	return func(w *Worker) { w.resources = r }
}

// WithClock substitutes the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(w *Worker) { w.clock = clock }
}

// New creates a worker with no tools registered. Register tools with
// Handle before calling Run.
func New(id string, opts ...Option) *Worker {
	w := &Worker{
		id:            id,
		maxConcurrent: 4,
		resources: protocol.Resources{
			CPUCores: runtime.NumCPU(),
			MemoryMb: 256,
		},
		clock: time.Now,
		tools: make(map[string]ToolFunc),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.sem = semaphore.NewWeighted(int64(w.maxConcurrent))
	return w
}

// Handle registers fn under the tool name, replacing any previous
// registration.
func (w *Worker) Handle(name string, fn ToolFunc) {
	w.tools[name] = fn
}

// Run registers with the coordinator on out and serves requests from r
// until the stream ends, a shutdown message arrives, or ctx is done.
// Register all tools before calling Run; Handle is not safe to call
// concurrently with it.
func (w *Worker) Run(ctx context.Context, r io.Reader, out io.Writer) error {
	if len(w.tools) == 0 {
		return fmt.Errorf("worker %s: no tools registered", w.id)
	}

	w.out = protocol.NewWriter(out)
	w.started = w.clock()

	names := make([]string, 0, len(w.tools))
	for name := range w.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	reg := &protocol.Register{
		WorkerID: w.id,
		Capabilities: protocol.Capabilities{
			Tools:         names,
			MaxConcurrent: w.maxConcurrent,
		},
		Resources:       w.resources,
		ProtocolVersion: protocol.Version,
	}
	if err := w.out.Write(reg); err != nil {
		return fmt.Errorf("worker %s: register: %w", w.id, err)
	}

	reader := protocol.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := reader.Next()
		if err != nil {
			var malformed *protocol.MalformedLineError
			if errors.As(err, &malformed) {
				slog.Warn("skipping malformed line", "worker", w.id, "error", err)
				continue
			}
			if errors.Is(err, io.EOF) {
				w.wg.Wait()
				return nil
			}
			return fmt.Errorf("worker %s: read: %w", w.id, err)
		}

		switch m := msg.(type) {
		case *protocol.Execute:
			w.wg.Add(1)
			go w.execute(ctx, m)
		case *protocol.Ping:
			w.handlePing(m)
		case *protocol.Shutdown:
			return w.drain(m)
		case *protocol.Error:
			// A pre-registration rejection from the coordinator.
			if m.ID == "" {
				detail := m.Err
				return fmt.Errorf("worker %s: rejected: %w", w.id, &detail)
			}
			slog.Warn("unexpected error message", "worker", w.id, "id", m.ID)
		default:
			slog.Warn("unexpected message", "worker", w.id, "type", msg.MessageType())
		}
	}
}

func (w *Worker) execute(ctx context.Context, req *protocol.Execute) {
	defer w.wg.Done()

	if err := w.sem.Acquire(ctx, 1); err != nil {
		w.sendError(req.ID, &protocol.ErrorDetail{
			Code:    protocol.ErrCodeShuttingDown,
			Message: "worker stopping before the request could run",
		})
		return
	}
	defer w.sem.Release(1)

	w.inflight.Add(1)
	defer w.inflight.Add(-1)

	fn, ok := w.tools[req.Tool]
	if !ok {
		w.sendError(req.ID, &protocol.ErrorDetail{
			Code:    protocol.ErrCodeUnknownTool,
			Message: fmt.Sprintf("unknown tool %q", req.Tool),
		})
		return
	}

	runCtx := ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	start := w.clock()
	result, err := w.invoke(runCtx, fn, req.Params)
	elapsed := w.clock().Sub(start)

	if err != nil {
		w.sendError(req.ID, toDetail(runCtx, err))
		return
	}

	resp := &protocol.Success{
		ID:     req.ID,
		Result: result,
		Metrics: &protocol.ExecMetrics{
			DurationMs: float64(elapsed) / float64(time.Millisecond),
		},
	}
	if err := w.out.Write(resp); err != nil {
		slog.Error("write response failed", "worker", w.id, "id", req.ID, "error", err)
	}
}

// invoke runs fn with panic containment: a panicking tool fails its own
// request instead of killing the worker.
func (w *Worker) invoke(ctx context.Context, fn ToolFunc, params json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &protocol.ErrorDetail{
				Code:    protocol.ErrCodeInternal,
				Message: fmt.Sprintf("tool panicked: %v", r),
				Stack:   string(debug.Stack()),
			}
		}
	}()
	return fn(ctx, params)
}

func toDetail(ctx context.Context, err error) *protocol.ErrorDetail {
	var detail *protocol.ErrorDetail
	if errors.As(err, &detail) {
		return detail
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &protocol.ErrorDetail{
			Code:    protocol.ErrCodeTimeout,
			Message: "tool exceeded its execution timeout",
		}
	}
	return &protocol.ErrorDetail{
		Code:    protocol.ErrCodeInternal,
		Message: err.Error(),
	}
}

func (w *Worker) sendError(id string, detail *protocol.ErrorDetail) {
	msg := &protocol.Error{ID: id, Err: *detail}
	if err := w.out.Write(msg); err != nil {
		slog.Error("write error response failed", "worker", w.id, "id", id, "error", err)
	}
}

func (w *Worker) handlePing(p *protocol.Ping) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	pong := &protocol.Pong{
		Timestamp: p.Timestamp,
		Status: protocol.WorkerStatus{
			QueueDepth:    int(w.inflight.Load()),
			MemoryUsageMb: float64(mem.Alloc) / (1024 * 1024),
			UptimeSeconds: w.clock().Sub(w.started).Seconds(),
		},
	}
	if err := w.out.Write(pong); err != nil {
		slog.Warn("write pong failed", "worker", w.id, "error", err)
	}
}

// drain honors a shutdown request. Graceful waits for in-flight work up
// to the requested timeout; non-graceful returns immediately.
func (w *Worker) drain(m *protocol.Shutdown) error {
	if !m.Graceful {
		return nil
	}

	timeout := 5 * time.Second
	if m.TimeoutMs > 0 {
		timeout = time.Duration(m.TimeoutMs) * time.Millisecond
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("shutdown drain timed out", "worker", w.id, "inflight", w.inflight.Load())
	}
	return nil
}
