package workerd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/foundry/internal/protocol"
)

// RegisterBuiltins installs the stock tool set: echo, checksum, fib and
// sleep. They double as the integration surface for exercising the
// coordinator end to end.
func RegisterBuiltins(w *Worker) {
	w.Handle("echo", Echo)
	w.Handle("checksum", Checksum)
	w.Handle("fib", Fib)
	w.Handle("sleep", Sleep)
}

// Echo returns its params unchanged.
func Echo(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		return json.RawMessage(`null`), nil
	}
	return params, nil
}

// Checksum hashes the "data" string and reports its SHA-256 digest.
func Checksum(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Data *string `json:"data"`
	}
	if err := json.Unmarshal(params, &in); err != nil || in.Data == nil {
		return nil, &protocol.ErrorDetail{
			Code:    protocol.ErrCodeValidation,
			Message: `checksum: params must carry a "data" string`,
		}
	}

	sum := sha256.Sum256([]byte(*in.Data))
	return json.Marshal(struct {
		SHA256 string `json:"sha256"`
		Bytes  int    `json:"bytes"`
	}{
		SHA256: hex.EncodeToString(sum[:]),
		Bytes:  len(*in.Data),
	})
}

// maxFib is the largest n whose Fibonacci number fits in uint64.
const maxFib = 93

// Fib computes the nth Fibonacci number iteratively.
func Fib(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in struct {
		N *int `json:"n"`
	}
	if err := json.Unmarshal(params, &in); err != nil || in.N == nil {
		return nil, &protocol.ErrorDetail{
			Code:    protocol.ErrCodeValidation,
			Message: `fib: params must carry an integer "n"`,
		}
	}
	n := *in.N
	if n < 0 || n > maxFib {
		return nil, &protocol.ErrorDetail{
			Code:    protocol.ErrCodeValidation,
			Message: fmt.Sprintf("fib: n must be in [0, %d], got %d", maxFib, n),
		}
	}

	var a, b uint64 = 0, 1
	for i := 0; i < n; i++ {
		a, b = b, a+b
	}
	return json.Marshal(struct {
		N     int    `json:"n"`
		Value uint64 `json:"value"`
	}{N: n, Value: a})
}

// Sleep blocks for "ms" milliseconds or until the request context ends.
// Exists to exercise timeouts and graceful drains.
func Sleep(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var in struct {
		Ms *int `json:"ms"`
	}
	if err := json.Unmarshal(params, &in); err != nil || in.Ms == nil || *in.Ms < 0 {
		return nil, &protocol.ErrorDetail{
			Code:    protocol.ErrCodeValidation,
			Message: `sleep: params must carry a non-negative integer "ms"`,
		}
	}

	timer := time.NewTimer(time.Duration(*in.Ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(struct {
		SleptMs int `json:"slept_ms"`
	}{SleptMs: *in.Ms})
}
