package pool

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/roach88/foundry/internal/protocol"
)

// Status is a worker's lifecycle state. Transitions are
// starting -> ready -> {busy <-> ready} -> crashed, with overloaded
// reachable from busy when the worker's concurrency is fully reserved.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusReady      Status = "ready"
	StatusBusy       Status = "busy"
	StatusOverloaded Status = "overloaded"
	StatusCrashed    Status = "crashed"
)

// Descriptor is the coordinator's view of one live worker. Mutated only
// by the coordinator under its lock, in response to protocol messages.
type Descriptor struct {
	ID            string
	Capabilities  protocol.Capabilities
	Resources     protocol.Resources
	Status        Status
	CurrentLoad   int
	QueueDepth    int
	StartedAt     time.Time
	LastHeartbeat time.Time
}

// worker is the coordinator's owned handle for one worker process: its
// descriptor, its outbound writer, and whatever closes the transport.
// The handle is held exclusively by the coordinator; nothing else
// touches its mutable state.
type worker struct {
	desc   Descriptor
	out    *protocol.Writer
	closer io.Closer
	proc   *exec.Cmd // nil for attached (in-process) transports

	stop chan struct{} // closed to stop the health loop
}

func (w *worker) capable(tool string) bool {
	for _, t := range w.desc.Capabilities.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// eligible reports whether the worker can accept one more request.
func (w *worker) eligible(tool string) bool {
	if w.desc.Status == StatusCrashed || w.desc.Status == StatusStarting {
		return false
	}
	return w.capable(tool) && w.desc.CurrentLoad < w.desc.Capabilities.MaxConcurrent
}

// refreshStatus derives the status from the current load. Crashed is
// terminal and never overwritten.
func (w *worker) refreshStatus() {
	if w.desc.Status == StatusCrashed {
		return
	}
	switch {
	case w.desc.CurrentLoad <= 0:
		w.desc.Status = StatusReady
	case w.desc.CurrentLoad >= w.desc.Capabilities.MaxConcurrent:
		w.desc.Status = StatusOverloaded
	default:
		w.desc.Status = StatusBusy
	}
}

// procTransport adapts a spawned process's stdio to io.ReadWriteCloser.
type procTransport struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cmd    *exec.Cmd
}

func (t *procTransport) Read(p []byte) (int, error)  { return t.stdout.Read(p) }
func (t *procTransport) Write(p []byte) (int, error) { return t.stdin.Write(p) }

// Close closes stdin (the worker's EOF signal) and reaps the process.
func (t *procTransport) Close() error {
	t.stdin.Close()
	t.stdout.Close()
	if t.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- t.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = t.cmd.Process.Kill()
			<-done
		}
	}
	return nil
}

// spawnTransport launches a worker binary and wires its stdio.
func spawnTransport(path string, args ...string) (*procTransport, error) {
	cmd := exec.Command(path, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdin: %w", path, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn %s: stdout: %w", path, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", path, err)
	}

	return &procTransport{stdin: stdin, stdout: stdout, cmd: cmd}, nil
}
