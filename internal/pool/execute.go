package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/foundry/internal/cache"
	"github.com/roach88/foundry/internal/protocol"
)

// ExecResult is the outcome of one ExecuteTask call. Execution failures
// are reported in Err (an *protocol.ErrorDetail for typed wire
// failures), never as a Go error from ExecuteTask.
type ExecResult struct {
	Tool      string
	WorkerID  string
	Result    json.RawMessage
	Err       error
	FromCache bool
	Duration  time.Duration

	// CacheKey and CacheTTL echo worker-provided caching hints.
	CacheKey string
	CacheTTL time.Duration
}

// Success reports whether the execution completed without error.
func (r ExecResult) Success() bool {
	return r.Err == nil
}

type execOpts struct {
	timeout  time.Duration
	priority string
}

// ExecOption configures one ExecuteTask call.
type ExecOption func(*execOpts)

// WithTimeout bounds this request explicitly.
func WithTimeout(d time.Duration) ExecOption {
	return func(o *execOpts) { o.timeout = d }
}

// WithPriority tags the request with a priority hint for the worker.
func WithPriority(p string) ExecOption {
	return func(o *execOpts) { o.priority = p }
}

// ExecuteTask runs one tool invocation on an eligible worker.
//
// The request is deduplicated first: a response cached for the same
// (tool, params) resolves immediately, and an identical in-flight
// request is joined instead of dispatched twice - both paths return
// FromCache=true. If no capable worker currently has spare capacity the
// request queues, without polling, until one registers or frees up.
//
// The returned error covers misuse only (empty tool, unmarshalable
// params, cancelled context); execution failures resolve inside the
// ExecResult.
func (c *Coordinator) ExecuteTask(ctx context.Context, tool string, params json.RawMessage, opts ...ExecOption) (ExecResult, error) {
	if tool == "" {
		return ExecResult{}, fmt.Errorf("execute: empty tool name")
	}

	key, err := cache.Key(tool, params)
	if err != nil {
		return ExecResult{}, fmt.Errorf("execute %s: %w", tool, err)
	}

	start := c.clock()

	if v, ok := c.cache.Get(key); ok {
		return ExecResult{Tool: tool, Result: v, FromCache: true}, nil
	}

	c.mu.Lock()
	if call, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		c.dedupJoins.Add(1)
		select {
		case <-ctx.Done():
			return ExecResult{}, ctx.Err()
		case <-call.done:
		}
		r := call.result
		r.FromCache = true
		return r, nil
	}
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[key] = call
	c.mu.Unlock()

	result := c.dispatch(ctx, tool, params, opts...)
	result.Duration = c.clock().Sub(start)

	if result.Err == nil {
		c.executed.Add(1)
		c.cache.Set(key, result.Result, result.CacheTTL)
	} else {
		c.failed.Add(1)
	}

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
	call.result = result
	close(call.done)

	return result, nil
}

// dispatch acquires a worker, sends the execute request, and awaits its
// resolution or timeout.
func (c *Coordinator) dispatch(ctx context.Context, tool string, params json.RawMessage, opts ...ExecOption) ExecResult {
	o := execOpts{timeout: c.cfg.DefaultExecTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		w *worker
		p *pendingRequest
	)
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return ExecResult{Tool: tool, Err: &protocol.ErrorDetail{
				Code:    protocol.ErrCodeShuttingDown,
				Message: "coordinator shutting down",
			}}
		}

		if w = c.pickLocked(tool); w != nil {
			w.desc.CurrentLoad++
			w.refreshStatus()
			p = &pendingRequest{
				id:       c.idGen.Generate(),
				workerID: w.desc.ID,
				done:     make(chan struct{}),
			}
			c.pending[p.id] = p
			c.mu.Unlock()
			break
		}

		// No capable worker with spare capacity: queue until one
		// registers or frees up. No polling; registration and every
		// request completion wake the queue.
		ch := make(chan struct{}, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			c.removeWaiter(ch)
			return ExecResult{Tool: tool, Err: ctx.Err()}
		case <-ch:
		}
	}

	req := &protocol.Execute{
		ID:        p.id,
		Tool:      tool,
		Params:    params,
		TimeoutMs: int(o.timeout / time.Millisecond),
		Priority:  o.priority,
	}
	if err := w.out.Write(req); err != nil {
		c.markCrashed(p.workerID, "execute write failed")
		<-p.done // markCrashed resolves every pending for the worker
	} else {
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()

		select {
		case <-p.done:
		case <-timer.C:
			c.timeoutPending(p)
			<-p.done
		case <-ctx.Done():
			c.resolvePending(p.id, func(p *pendingRequest) {
				p.result.Err = ctx.Err()
			})
			<-p.done
		}
	}

	r := p.result
	r.Tool = tool
	r.WorkerID = p.workerID
	return r
}

// pickLocked returns the least-loaded eligible worker for tool, or nil.
// Caller holds c.mu.
func (c *Coordinator) pickLocked(tool string) *worker {
	var best *worker
	for _, w := range c.workers {
		if !w.eligible(tool) {
			continue
		}
		if best == nil || w.desc.CurrentLoad < best.desc.CurrentLoad {
			best = w
		}
	}
	return best
}

// resolvePending resolves a correlation id exactly once: removes it from
// the pending map, releases the worker's reserved slot, fills the
// result, and wakes queued requests. A response for an unknown id (late
// or already timed out) is dropped. Reports whether it resolved.
func (c *Coordinator) resolvePending(id string, fill func(*pendingRequest)) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.pending, id)

	if w, ok := c.workers[p.workerID]; ok {
		w.desc.CurrentLoad--
		w.refreshStatus()
	}
	c.wakeWaitersLocked()
	c.mu.Unlock()

	fill(p)
	close(p.done)
	return true
}

// timeoutPending synthesizes a timeout failure for the request and
// treats its worker as crashed: an unresponsive worker is removed from
// the eligible set and its other outstanding requests fail too.
func (c *Coordinator) timeoutPending(p *pendingRequest) {
	resolved := c.resolvePending(p.id, func(p *pendingRequest) {
		p.result.Err = &protocol.ErrorDetail{
			Code:    protocol.ErrCodeTimeout,
			Message: "worker did not respond within the request timeout",
		}
	})
	if resolved {
		c.timedOut.Add(1)
		c.markCrashed(p.workerID, "execute timed out")
	}
}

func (c *Coordinator) removeWaiter(ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.waiters {
		if existing == ch {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}
