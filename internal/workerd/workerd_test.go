package workerd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/foundry/internal/pool"
	"github.com/roach88/foundry/internal/protocol"
)

// startWorker runs w against one end of a pipe and returns the
// coordinator-side connection plus the channel Run's error lands on.
func startWorker(t *testing.T, w *Worker) (net.Conn, chan error) {
	t.Helper()

	coordSide, workerSide := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- w.Run(context.Background(), workerSide, workerSide)
	}()
	t.Cleanup(func() {
		coordSide.Close()
		workerSide.Close()
	})
	return coordSide, done
}

// nextMsg reads one message with a deadline so a stuck worker fails the
// test instead of hanging it.
func nextMsg(t *testing.T, r *protocol.Reader) protocol.Message {
	t.Helper()

	type read struct {
		m   protocol.Message
		err error
	}
	ch := make(chan read, 1)
	go func() {
		m, err := r.Next()
		ch <- read{m: m, err: err}
	}()

	select {
	case got := <-ch:
		require.NoError(t, got.err)
		return got.m
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func requireRegister(t *testing.T, r *protocol.Reader) *protocol.Register {
	t.Helper()
	reg, ok := nextMsg(t, r).(*protocol.Register)
	require.True(t, ok, "first message must be a registration")
	return reg
}

func TestRun_RegistersThenEchoes(t *testing.T) {
	w := New("wd-1", WithMaxConcurrent(2))
	RegisterBuiltins(w)

	conn, _ := startWorker(t, w)
	r := protocol.NewReader(conn)
	out := protocol.NewWriter(conn)

	reg := requireRegister(t, r)
	assert.Equal(t, "wd-1", reg.WorkerID)
	assert.Equal(t, protocol.Version, reg.ProtocolVersion)
	assert.Equal(t, 2, reg.Capabilities.MaxConcurrent)
	assert.Equal(t, []string{"checksum", "echo", "fib", "sleep"}, reg.Capabilities.Tools)

	require.NoError(t, out.Write(&protocol.Execute{
		ID:     "req-1",
		Tool:   "echo",
		Params: json.RawMessage(`{"hello":"world"}`),
	}))

	resp, ok := nextMsg(t, r).(*protocol.Success)
	require.True(t, ok)
	assert.Equal(t, "req-1", resp.ID)
	assert.JSONEq(t, `{"hello":"world"}`, string(resp.Result))
	require.NotNil(t, resp.Metrics)
}

func TestRun_ChecksumComputesDigest(t *testing.T) {
	w := New("wd-1")
	RegisterBuiltins(w)

	conn, _ := startWorker(t, w)
	r := protocol.NewReader(conn)
	out := protocol.NewWriter(conn)
	requireRegister(t, r)

	require.NoError(t, out.Write(&protocol.Execute{
		ID:     "req-1",
		Tool:   "checksum",
		Params: json.RawMessage(`{"data":"hello"}`),
	}))

	resp, ok := nextMsg(t, r).(*protocol.Success)
	require.True(t, ok)

	var got struct {
		SHA256 string `json:"sha256"`
		Bytes  int    `json:"bytes"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &got))

	sum := sha256.Sum256([]byte("hello"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got.SHA256)
	assert.Equal(t, 5, got.Bytes)
}

func TestRun_FibComputesSequence(t *testing.T) {
	w := New("wd-1")
	RegisterBuiltins(w)

	conn, _ := startWorker(t, w)
	r := protocol.NewReader(conn)
	out := protocol.NewWriter(conn)
	requireRegister(t, r)

	require.NoError(t, out.Write(&protocol.Execute{
		ID:     "req-1",
		Tool:   "fib",
		Params: json.RawMessage(`{"n":10}`),
	}))

	resp, ok := nextMsg(t, r).(*protocol.Success)
	require.True(t, ok)
	assert.JSONEq(t, `{"n":10,"value":55}`, string(resp.Result))
}

func TestRun_UnknownToolFailsTyped(t *testing.T) {
	w := New("wd-1")
	RegisterBuiltins(w)

	conn, _ := startWorker(t, w)
	r := protocol.NewReader(conn)
	out := protocol.NewWriter(conn)
	requireRegister(t, r)

	require.NoError(t, out.Write(&protocol.Execute{
		ID:     "req-1",
		Tool:   "transmute",
		Params: json.RawMessage(`{}`),
	}))

	resp, ok := nextMsg(t, r).(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, "req-1", resp.ID)
	assert.Equal(t, protocol.ErrCodeUnknownTool, resp.Err.Code)
}

func TestRun_ValidationErrorPassesThrough(t *testing.T) {
	w := New("wd-1")
	RegisterBuiltins(w)

	conn, _ := startWorker(t, w)
	r := protocol.NewReader(conn)
	out := protocol.NewWriter(conn)
	requireRegister(t, r)

	require.NoError(t, out.Write(&protocol.Execute{
		ID:     "req-1",
		Tool:   "checksum",
		Params: json.RawMessage(`{"payload":"wrong key"}`),
	}))

	resp, ok := nextMsg(t, r).(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeValidation, resp.Err.Code)
}

func TestRun_PanickingToolFailsOnlyItsRequest(t *testing.T) {
	w := New("wd-1")
	RegisterBuiltins(w)
	w.Handle("boom", func(context.Context, json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	})

	conn, _ := startWorker(t, w)
	r := protocol.NewReader(conn)
	out := protocol.NewWriter(conn)
	requireRegister(t, r)

	require.NoError(t, out.Write(&protocol.Execute{ID: "req-1", Tool: "boom", Params: json.RawMessage(`{}`)}))

	resp, ok := nextMsg(t, r).(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeInternal, resp.Err.Code)
	assert.Contains(t, resp.Err.Message, "kaboom")
	assert.NotEmpty(t, resp.Err.Stack)

	// The worker survives and keeps serving.
	require.NoError(t, out.Write(&protocol.Execute{ID: "req-2", Tool: "echo", Params: json.RawMessage(`1`)}))
	next, isSuccess := nextMsg(t, r).(*protocol.Success)
	require.True(t, isSuccess)
	assert.Equal(t, "req-2", next.ID)
}

func TestRun_SleepHonorsRequestTimeout(t *testing.T) {
	w := New("wd-1")
	RegisterBuiltins(w)

	conn, _ := startWorker(t, w)
	r := protocol.NewReader(conn)
	out := protocol.NewWriter(conn)
	requireRegister(t, r)

	require.NoError(t, out.Write(&protocol.Execute{
		ID:        "req-1",
		Tool:      "sleep",
		Params:    json.RawMessage(`{"ms":60000}`),
		TimeoutMs: 50,
	}))

	resp, ok := nextMsg(t, r).(*protocol.Error)
	require.True(t, ok)
	assert.Equal(t, protocol.ErrCodeTimeout, resp.Err.Code)
}

func TestRun_PingGetsPong(t *testing.T) {
	w := New("wd-1")
	RegisterBuiltins(w)

	conn, _ := startWorker(t, w)
	r := protocol.NewReader(conn)
	out := protocol.NewWriter(conn)
	requireRegister(t, r)

	require.NoError(t, out.Write(&protocol.Ping{Timestamp: 12345}))

	pong, ok := nextMsg(t, r).(*protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, int64(12345), pong.Timestamp)
}

func TestRun_GracefulShutdownReturns(t *testing.T) {
	w := New("wd-1")
	RegisterBuiltins(w)

	conn, done := startWorker(t, w)
	r := protocol.NewReader(conn)
	out := protocol.NewWriter(conn)
	requireRegister(t, r)

	require.NoError(t, out.Write(&protocol.Shutdown{Graceful: true, TimeoutMs: 1000}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on shutdown")
	}
}

func TestRun_StopsOnEOF(t *testing.T) {
	w := New("wd-1")
	RegisterBuiltins(w)

	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- w.Run(context.Background(), pr, io.Discard)
	}()

	require.NoError(t, pw.Close())
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on EOF")
	}
}

func TestRun_RequiresRegisteredTools(t *testing.T) {
	w := New("wd-1")
	err := w.Run(context.Background(), strings.NewReader(""), io.Discard)
	require.Error(t, err)
}

// End to end: a real worker attached to a real coordinator.
func TestWorkerServesCoordinator(t *testing.T) {
	coord := pool.New(pool.Config{
		DefaultExecTimeout: 5 * time.Second,
		PingInterval:       time.Hour,
		PingTimeout:        time.Hour,
		CacheCapacity:      16,
		CacheTTL:           time.Minute,
		ShutdownGrace:      10 * time.Millisecond,
	})
	defer coord.Shutdown()

	w := New("wd-1")
	RegisterBuiltins(w)

	coordSide, workerSide := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- w.Run(context.Background(), workerSide, workerSide)
	}()

	id, err := coord.Attach(coordSide)
	require.NoError(t, err)
	assert.Equal(t, "wd-1", id)

	ctx := context.Background()
	res, err := coord.ExecuteTask(ctx, "fib", json.RawMessage(`{"n":12}`))
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.JSONEq(t, `{"n":12,"value":144}`, string(res.Result))
	assert.False(t, res.FromCache)

	// Identical request is served from cache without a second dispatch.
	res2, err := coord.ExecuteTask(ctx, "fib", json.RawMessage(`{"n": 12}`))
	require.NoError(t, err)
	require.NoError(t, res2.Err)
	assert.True(t, res2.FromCache)

	coord.Shutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after coordinator shutdown")
	}
}
