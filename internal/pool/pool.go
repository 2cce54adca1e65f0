// Package pool implements the worker-pool coordinator: it owns worker
// process handles, routes tool invocations to capable workers over the
// wire protocol, deduplicates identical requests through the response
// cache, and contains worker crashes to the crashed worker's own
// outstanding requests.
package pool

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/foundry/internal/cache"
	"github.com/roach88/foundry/internal/ident"
	"github.com/roach88/foundry/internal/protocol"
)

// Config holds coordinator tuning parameters.
type Config struct {
	// DefaultExecTimeout bounds an execute request that carries no
	// explicit timeout.
	DefaultExecTimeout time.Duration

	// PingInterval is the health probe period per worker.
	PingInterval time.Duration

	// PingTimeout is how long a worker may go without any inbound
	// message before it is treated as crashed.
	PingTimeout time.Duration

	// RegisterTimeout bounds the register handshake on attach. A worker
	// that wedges before writing its register line fails the attach
	// instead of blocking the caller forever.
	RegisterTimeout time.Duration

	// CacheCapacity and CacheTTL configure the L1 response cache used
	// for request deduplication.
	CacheCapacity int
	CacheTTL      time.Duration

	// ShutdownGrace is how long a graceful shutdown lets workers drain.
	ShutdownGrace time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultExecTimeout: 30 * time.Second,
		PingInterval:       5 * time.Second,
		PingTimeout:        15 * time.Second,
		RegisterTimeout:    10 * time.Second,
		CacheCapacity:      cache.DefaultCapacity,
		CacheTTL:           cache.DefaultTTL,
		ShutdownGrace:      5 * time.Second,
	}
}

// pendingRequest correlates one in-flight execute with its waiter.
type pendingRequest struct {
	id       string
	workerID string
	done     chan struct{}
	result   ExecResult // written exactly once, before done closes
}

// inflightCall lets identical concurrent requests join one execution.
type inflightCall struct {
	done   chan struct{}
	result ExecResult
}

// Coordinator is the worker pool. All cross-worker state (descriptor
// table, pending-request map, dedup map, capacity waiters) lives behind
// one mutex; per-worker inbound messages are handled by one read loop
// per worker.
type Coordinator struct {
	cfg   Config
	cache *cache.Cache
	idGen ident.Generator
	clock func() time.Time

	mu       sync.Mutex
	workers  map[string]*worker
	pending  map[string]*pendingRequest
	inflight map[string]*inflightCall
	waiters  []chan struct{}
	closed   bool

	executed   atomic.Uint64
	failed     atomic.Uint64
	timedOut   atomic.Uint64
	crashed    atomic.Uint64
	dedupJoins atomic.Uint64
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDGenerator overrides correlation id generation.
func WithIDGenerator(g ident.Generator) Option {
	return func(c *Coordinator) { c.idGen = g }
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// New creates a Coordinator with no workers. Attach or Spawn workers
// before executing tasks; requests submitted earlier queue until a
// capable worker registers.
func New(cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.DefaultExecTimeout <= 0 {
		cfg.DefaultExecTimeout = def.DefaultExecTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = def.PingTimeout
	}
	if cfg.RegisterTimeout <= 0 {
		cfg.RegisterTimeout = def.RegisterTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}

	c := &Coordinator{
		cfg:      cfg,
		cache:    cache.New(cfg.CacheCapacity, cfg.CacheTTL),
		idGen:    ident.UUIDv7Generator{},
		clock:    time.Now,
		workers:  make(map[string]*worker),
		pending:  make(map[string]*pendingRequest),
		inflight: make(map[string]*inflightCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Spawn launches a worker binary, wires its stdio as the protocol
// transport, and registers it. Returns the worker id.
func (c *Coordinator) Spawn(path string, args ...string) (string, error) {
	transport, err := spawnTransport(path, args...)
	if err != nil {
		return "", err
	}

	id, err := c.attach(transport, transport.cmd)
	if err != nil {
		transport.Close()
		return "", err
	}
	return id, nil
}

// Attach registers a worker over an existing transport. The first
// message on the transport must be a valid register handshake; anything
// else closes the transport with a wire error. Tests attach in-process
// workers over pipes.
func (c *Coordinator) Attach(transport io.ReadWriteCloser) (string, error) {
	return c.attach(transport, nil)
}

func (c *Coordinator) attach(transport io.ReadWriteCloser, proc *exec.Cmd) (string, error) {
	out := protocol.NewWriter(transport)
	in := protocol.NewReader(transport)

	w := &worker{
		desc: Descriptor{
			Status:    StatusStarting,
			StartedAt: c.clock(),
		},
		out:    out,
		closer: transport,
		proc:   proc,
		stop:   make(chan struct{}),
	}

	msg, err := c.awaitRegister(transport, in)
	if err != nil {
		return "", err
	}
	reg, ok := msg.(*protocol.Register)
	if !ok {
		return "", fmt.Errorf("attach worker: expected register, got %s", msg.MessageType())
	}

	if err := protocol.ValidateRegister(reg); err != nil {
		var detail *protocol.ErrorDetail
		if errors.As(err, &detail) {
			_ = out.Write(&protocol.Error{ID: reg.WorkerID, Err: *detail})
		}
		transport.Close()
		return "", fmt.Errorf("attach worker: %w", err)
	}

	now := c.clock()
	w.desc.ID = reg.WorkerID
	w.desc.Capabilities = reg.Capabilities
	w.desc.Resources = reg.Resources
	w.desc.Status = StatusReady
	w.desc.LastHeartbeat = now

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		transport.Close()
		return "", fmt.Errorf("attach worker: coordinator is shut down")
	}
	if _, exists := c.workers[reg.WorkerID]; exists {
		c.mu.Unlock()
		transport.Close()
		return "", fmt.Errorf("attach worker: duplicate worker id %s", reg.WorkerID)
	}
	c.workers[reg.WorkerID] = w
	c.wakeWaitersLocked()
	c.mu.Unlock()

	slog.Info("worker registered",
		"worker_id", reg.WorkerID,
		"tools", reg.Capabilities.Tools,
		"max_concurrent", reg.Capabilities.MaxConcurrent,
	)

	go c.readLoop(w, in)
	go c.healthLoop(w)

	return reg.WorkerID, nil
}

// awaitRegister reads the handshake message within RegisterTimeout.
// On expiry the transport is closed, which unblocks the pending read, and
// the attach fails instead of wedging the caller.
func (c *Coordinator) awaitRegister(transport io.Closer, in *protocol.Reader) (protocol.Message, error) {
	type handshake struct {
		msg protocol.Message
		err error
	}
	read := make(chan handshake, 1)
	go func() {
		msg, err := in.Next()
		read <- handshake{msg: msg, err: err}
	}()

	timer := time.NewTimer(c.cfg.RegisterTimeout)
	defer timer.Stop()

	select {
	case h := <-read:
		if h.err != nil {
			return nil, fmt.Errorf("attach worker: handshake: %w", h.err)
		}
		return h.msg, nil
	case <-timer.C:
		transport.Close()
		<-read
		return nil, fmt.Errorf("attach worker: no register message within %s", c.cfg.RegisterTimeout)
	}
}

// readLoop is the single inbound message loop for one worker. It exits
// when the transport fails, which marks the worker crashed.
func (c *Coordinator) readLoop(w *worker, in *protocol.Reader) {
	for {
		msg, err := in.Next()
		if err != nil {
			var malformed *protocol.MalformedLineError
			if errors.As(err, &malformed) {
				// Malformed line: log and continue; the correlation id
				// (if any) is unknown, so there is nothing to resolve.
				slog.Warn("worker sent malformed message",
					"worker_id", w.desc.ID,
					"error", err,
				)
				continue
			}
			// EOF or transport failure.
			c.markCrashed(w.desc.ID, "transport closed")
			return
		}

		c.touch(w.desc.ID)

		switch m := msg.(type) {
		case *protocol.Success:
			c.resolvePending(m.ID, func(p *pendingRequest) {
				p.result.Result = m.Result
				p.result.CacheKey = m.CacheKey
				p.result.CacheTTL = time.Duration(m.CacheTTLSeconds) * time.Second
			})
		case *protocol.Error:
			detail := m.Err
			c.resolvePending(m.ID, func(p *pendingRequest) {
				p.result.Err = &detail
			})
		case *protocol.Pong:
			c.handlePong(w.desc.ID, m)
		default:
			slog.Warn("unexpected message from worker",
				"worker_id", w.desc.ID,
				"type", msg.MessageType(),
			)
		}
	}
}

// touch refreshes the worker's heartbeat on any inbound traffic.
func (c *Coordinator) touch(workerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[workerID]; ok {
		w.desc.LastHeartbeat = c.clock()
	}
}

func (c *Coordinator) handlePong(workerID string, m *protocol.Pong) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.workers[workerID]; ok {
		w.desc.LastHeartbeat = c.clock()
		w.desc.QueueDepth = m.Status.QueueDepth
	}
}

// healthLoop pings the worker periodically and crashes it when it goes
// silent past the configured timeout.
func (c *Coordinator) healthLoop(w *worker) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		live, ok := c.workers[w.desc.ID]
		if !ok {
			c.mu.Unlock()
			return
		}
		silent := c.clock().Sub(live.desc.LastHeartbeat)
		c.mu.Unlock()

		if silent > c.cfg.PingTimeout {
			c.markCrashed(w.desc.ID, "health check timed out")
			return
		}

		if err := w.out.Write(&protocol.Ping{Timestamp: c.clock().UnixMilli()}); err != nil {
			c.markCrashed(w.desc.ID, "ping write failed")
			return
		}
	}
}

// markCrashed removes the worker from the eligible set and fails all of
// its outstanding requests with a worker-crashed error. Other workers
// are unaffected.
func (c *Coordinator) markCrashed(workerID, reason string) {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.workers, workerID)
	w.desc.Status = StatusCrashed
	close(w.stop)

	var orphaned []*pendingRequest
	for id, p := range c.pending {
		if p.workerID == workerID {
			delete(c.pending, id)
			orphaned = append(orphaned, p)
		}
	}
	c.wakeWaitersLocked()
	c.mu.Unlock()

	c.crashed.Add(1)
	slog.Error("worker crashed",
		"worker_id", workerID,
		"reason", reason,
		"orphaned_requests", len(orphaned),
	)

	for _, p := range orphaned {
		p.result.Err = &protocol.ErrorDetail{
			Code:    protocol.ErrCodeWorkerCrashed,
			Message: fmt.Sprintf("worker %s crashed: %s", workerID, reason),
		}
		close(p.done)
	}

	w.closer.Close()
}

// wakeWaitersLocked signals every queued request to retry worker
// selection. Caller holds c.mu.
func (c *Coordinator) wakeWaitersLocked() {
	for _, ch := range c.waiters {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	c.waiters = c.waiters[:0]
}

// Workers returns a snapshot of all live worker descriptors.
func (c *Coordinator) Workers() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Descriptor, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w.desc)
	}
	return out
}

// Metrics is a point-in-time observability snapshot.
type Metrics struct {
	Workers    int
	Ready      int
	Busy       int
	Overloaded int
	Executed   uint64
	Failed     uint64
	TimedOut   uint64
	Crashed    uint64
	DedupJoins uint64
	Pending    int
	Queued     int
	Cache      cache.Stats
}

func (c *Coordinator) Metrics() Metrics {
	c.mu.Lock()
	m := Metrics{
		Workers: len(c.workers),
		Pending: len(c.pending),
		Queued:  len(c.waiters),
	}
	for _, w := range c.workers {
		switch w.desc.Status {
		case StatusReady:
			m.Ready++
		case StatusBusy:
			m.Busy++
		case StatusOverloaded:
			m.Overloaded++
		}
	}
	c.mu.Unlock()

	m.Executed = c.executed.Load()
	m.Failed = c.failed.Load()
	m.TimedOut = c.timedOut.Load()
	m.Crashed = c.crashed.Load()
	m.DedupJoins = c.dedupJoins.Load()
	m.Cache = c.cache.Stats()
	return m
}

// Cache exposes the response cache for invalidation by outer layers.
func (c *Coordinator) Cache() *cache.Cache {
	return c.cache
}

// Shutdown asks every worker to drain and exit, fails queued and pending
// requests, and closes all transports after the grace period.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true

	workers := make([]*worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	var orphaned []*pendingRequest
	for id, p := range c.pending {
		delete(c.pending, id)
		orphaned = append(orphaned, p)
	}
	c.wakeWaitersLocked()
	c.mu.Unlock()

	for _, p := range orphaned {
		p.result.Err = &protocol.ErrorDetail{
			Code:    protocol.ErrCodeShuttingDown,
			Message: "coordinator shutting down",
		}
		close(p.done)
	}

	grace := int(c.cfg.ShutdownGrace / time.Millisecond)
	for _, w := range workers {
		_ = w.out.Write(&protocol.Shutdown{Graceful: true, TimeoutMs: grace})
	}

	time.Sleep(c.cfg.ShutdownGrace)

	c.mu.Lock()
	remaining := make([]*worker, 0, len(c.workers))
	for id, w := range c.workers {
		delete(c.workers, id)
		remaining = append(remaining, w)
	}
	c.mu.Unlock()

	for _, w := range remaining {
		close(w.stop)
		w.closer.Close()
	}
	slog.Info("worker pool shut down", "workers", len(workers))
}
